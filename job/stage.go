// Package job drives asynchronous dataset processing through an
// explicit state machine (queued → thumbnails → indexing → embeddings
// → atlas → ready, with error reachable from any stage) executed on a
// bounded worker pool, publishing progress snapshots for status
// queries.
package job

import "fmt"

// Stage is one state of the dataset processing machine.
type Stage string

const (
	StageQueued     Stage = "queued"
	StageThumbnails Stage = "thumbnails"
	StageIndexing   Stage = "indexing"
	StageEmbeddings Stage = "embeddings"
	StageAtlas      Stage = "atlas"
	StageReady      Stage = "ready"
	StageError      Stage = "error"
)

// transitions is the allowed forward edge per stage. StageError is
// reachable from every stage and handled separately.
var transitions = map[Stage]Stage{
	StageQueued:     StageThumbnails,
	StageThumbnails: StageIndexing,
	StageIndexing:   StageEmbeddings,
	StageEmbeddings: StageAtlas,
	StageAtlas:      StageReady,
}

// CanTransition reports whether moving from s to next is allowed.
func (s Stage) CanTransition(next Stage) bool {
	if next == StageError {
		return true
	}
	return transitions[s] == next
}

// ErrInvalidTransition is returned when a stage change violates the
// transition table.
type ErrInvalidTransition struct {
	From Stage
	To   Stage
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("job: invalid transition %s -> %s", e.From, e.To)
}

// State is the per-dataset progress record, overwritten in place and
// read concurrently via snapshot copies.
type State struct {
	Stage     Stage   `json:"stage"`
	Progress  float64 `json:"progress"`
	Processed int     `json:"processed"`
	Skipped   int     `json:"skipped"`
	Error     string  `json:"error,omitempty"`
}
