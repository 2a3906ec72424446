package engine

import (
	"context"
	"time"

	"docpipe/internal/ledger"
	"docpipe/internal/stage"
)

// StageView is the observed state of one stage for a document, folded from
// the stage's attempt history (stage-level rows for plain stages, the chunk
// roll-up for fan-out stages).
type StageView struct {
	Name         string
	FanOut       bool
	Status       ledger.AttemptStatus
	Attempts     int
	ErrorKind    string
	ErrorMessage string
	CompletedAt  *time.Time
}

// DocumentView is the full status surface for one document: the document
// row, per-stage progress, and per-chunk detail for fan-out stages that
// have run.
type DocumentView struct {
	Document *ledger.Document
	Stages   []StageView
	Chunks   map[string][]ledger.ChunkState
}

// Status assembles the document view from the ledger. Stages with no
// attempt rows report an empty status.
func (e *Engine) Status(ctx context.Context, documentID int64) (*DocumentView, error) {
	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	stages, err := e.registry.Resolve(doc.SchemaVersion)
	if err != nil {
		return nil, err
	}
	attempts, err := e.store.AttemptsForDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	view := &DocumentView{
		Document: doc,
		Stages:   make([]StageView, 0, len(stages)),
		Chunks:   make(map[string][]ledger.ChunkState),
	}
	for _, registered := range stages {
		sv := e.stageView(registered.Descriptor, attempts)
		view.Stages = append(view.Stages, sv)
		if registered.Descriptor.FanOut && sv.Attempts > 0 {
			states, err := e.store.ChunkStates(ctx, documentID, registered.Descriptor.Name)
			if err != nil {
				return nil, err
			}
			if len(states) > 0 {
				view.Chunks[registered.Descriptor.Name] = states
			}
		}
	}
	return view, nil
}

// stageView folds the document's attempt rows for one stage. The highest
// stage-level attempt determines status; fan-out stages count their chunk
// rows into Attempts as well so operators see the true amount of work done.
func (e *Engine) stageView(desc stage.Descriptor, attempts []*ledger.Attempt) StageView {
	sv := StageView{Name: desc.Name, FanOut: desc.FanOut}

	var latest *ledger.Attempt
	for _, a := range attempts {
		if a.Stage != desc.Name {
			continue
		}
		sv.Attempts++
		if a.ChunkID != ledger.NoChunk {
			continue
		}
		if latest == nil || a.Attempt > latest.Attempt {
			latest = a
		}
	}
	if latest == nil {
		return sv
	}
	sv.Status = latest.Status
	sv.ErrorKind = latest.ErrorKind
	sv.ErrorMessage = latest.ErrorMessage
	if latest.Status == ledger.AttemptCompleted {
		sv.CompletedAt = latest.FinishedAt
	}
	return sv
}
