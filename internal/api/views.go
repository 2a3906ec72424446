package api

import (
	"time"

	"docpipe/internal/engine"
	"docpipe/internal/ledger"
)

// DocumentSummary is the one-line listing view of a document.
type DocumentSummary struct {
	ID            int64     `json:"id"`
	Source        string    `json:"source"`
	ContentHash   string    `json:"content_hash"`
	SchemaVersion string    `json:"schema_version"`
	Status        string    `json:"status"`
	CurrentStage  string    `json:"current_stage,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StageProgress is one stage's folded state within a document detail.
type StageProgress struct {
	Name         string     `json:"name"`
	FanOut       bool       `json:"fan_out"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// ChunkProgress is one chunk's latest attempt state.
type ChunkProgress struct {
	ChunkID      int64  `json:"chunk_id"`
	Attempt      int    `json:"attempt"`
	Status       string `json:"status"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// DocumentDetail is the full drill-down view of one document.
type DocumentDetail struct {
	Document DocumentSummary            `json:"document"`
	Stages   []StageProgress            `json:"stages"`
	Chunks   map[string][]ChunkProgress `json:"chunks,omitempty"`
}

func summarize(doc *ledger.Document) DocumentSummary {
	return DocumentSummary{
		ID:            doc.ID,
		Source:        doc.Source,
		ContentHash:   doc.ContentHash,
		SchemaVersion: doc.SchemaVersion,
		Status:        string(doc.Status),
		CurrentStage:  doc.CurrentStage,
		ErrorKind:     doc.ErrorKind,
		ErrorMessage:  doc.ErrorMessage,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
}

func detailFromView(view *engine.DocumentView) *DocumentDetail {
	detail := &DocumentDetail{
		Document: summarize(view.Document),
		Stages:   make([]StageProgress, 0, len(view.Stages)),
	}
	for _, sv := range view.Stages {
		detail.Stages = append(detail.Stages, StageProgress{
			Name:         sv.Name,
			FanOut:       sv.FanOut,
			Status:       string(sv.Status),
			Attempts:     sv.Attempts,
			ErrorKind:    sv.ErrorKind,
			ErrorMessage: sv.ErrorMessage,
			CompletedAt:  sv.CompletedAt,
		})
	}
	if len(view.Chunks) > 0 {
		detail.Chunks = make(map[string][]ChunkProgress, len(view.Chunks))
		for stage, states := range view.Chunks {
			progress := make([]ChunkProgress, 0, len(states))
			for _, st := range states {
				progress = append(progress, ChunkProgress{
					ChunkID:      st.ChunkID,
					Attempt:      st.Attempt,
					Status:       string(st.Status),
					ErrorKind:    st.ErrorKind,
					ErrorMessage: st.ErrorMessage,
				})
			}
			detail.Chunks[stage] = progress
		}
	}
	return detail
}
