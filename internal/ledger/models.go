package ledger

import (
	"strings"
	"time"
)

// DocumentStatus represents the overall lifecycle of a document.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentFailed     DocumentStatus = "failed"
)

var documentStatuses = []DocumentStatus{
	DocumentPending,
	DocumentProcessing,
	DocumentCompleted,
	DocumentFailed,
}

// ParseDocumentStatus converts a string into a known DocumentStatus.
func ParseDocumentStatus(value string) (DocumentStatus, bool) {
	normalized := DocumentStatus(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range documentStatuses {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// Document is the registry record keyed by (content hash, schema version).
type Document struct {
	ID            int64
	Source        string
	ContentHash   string
	SchemaVersion string
	Status        DocumentStatus
	CurrentStage  string
	ErrorKind     string
	ErrorMessage  string
	FileSizeBytes int64
	MimeType      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IdempotencyKey returns the processing identity of the document.
func (d *Document) IdempotencyKey() string {
	return d.ContentHash + ":" + d.SchemaVersion
}

// AttemptStatus represents the lifecycle of a single attempt row.
type AttemptStatus string

const (
	// AttemptNone is returned when no attempt exists for a key.
	AttemptNone AttemptStatus = ""
	AttemptRunning        AttemptStatus = "running"
	AttemptCompleted      AttemptStatus = "completed"
	AttemptFailed         AttemptStatus = "failed"
	AttemptRetryScheduled AttemptStatus = "retry_scheduled"
)

// Terminal reports whether the status will never change again for its row.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptCompleted, AttemptFailed, AttemptRetryScheduled:
		return true
	default:
		return false
	}
}

// NoChunk is the chunk identifier used for whole-stage attempts.
const NoChunk int64 = -1

// Attempt is one ledger row: a single execution try of a stage or chunk task.
// Rows are append-only; a retry inserts a new row with attempt+1.
type Attempt struct {
	ID            int64
	DocumentID    int64
	Stage         string
	ChunkID       int64
	Attempt       int
	Status        AttemptStatus
	ErrorKind     string
	ErrorMessage  string
	ResultRef     string
	CorrelationID string
	LatencyMS     float64
	StartedAt     time.Time
	FinishedAt    *time.Time
	HeartbeatAt   *time.Time
}

// IsChunk reports whether the attempt belongs to a chunk task.
func (a *Attempt) IsChunk() bool {
	return a.ChunkID != NoChunk
}

// Handle identifies a running attempt owned by the caller. Finalization
// methods accept a Handle so only the process that began the attempt can
// complete or fail it.
type Handle struct {
	AttemptID  int64
	DocumentID int64
	Stage      string
	ChunkID    int64
	Attempt    int
}

// Chunk is one independent unit of work planned by a fan-out stage.
type Chunk struct {
	ID         int64
	DocumentID int64
	Sequence   int
	Text       string
	TokenCount int
	CreatedAt  time.Time
}

// Artifact is an opaque stage output referenced by attempt result refs.
// The engine never interprets payloads.
type Artifact struct {
	ID         int64
	DocumentID int64
	Stage      string
	ChunkID    int64
	Kind       string
	Payload    string
	CreatedAt  time.Time
}

// ChunkState summarizes the most recent attempt for one chunk of a fan-out
// stage, used for status reporting and operator inspection.
type ChunkState struct {
	ChunkID      int64
	Attempt      int
	Status       AttemptStatus
	ErrorKind    string
	ErrorMessage string
}

// HealthSummary describes aggregated document counts per lifecycle state.
type HealthSummary struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
}
