package job

import (
	"context"
	"log/slog"
	"sync"
)

// Job performs the processing for one dataset, reporting stage changes
// and progress through the tracker. A returned error moves the job to
// StageError with the message retained for status queries.
type Job func(ctx context.Context, tracker *Tracker) error

// ManagerOptions contains configuration options for the manager.
type ManagerOptions struct {
	// Workers is the worker pool size. Defaults to 1: dataset
	// processing is effectively serial unless configured otherwise.
	Workers int

	// Logger for job lifecycle events. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultManagerOptions contains the default manager configuration.
var DefaultManagerOptions = ManagerOptions{
	Workers: 1,
}

// Manager executes jobs on a bounded worker pool and owns the shared
// per-dataset state records.
type Manager struct {
	pool   *workerPool
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]State
}

// NewManager creates a job manager.
func NewManager(optFns ...func(o *ManagerOptions)) *Manager {
	opts := DefaultManagerOptions

	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		pool:   newWorkerPool(opts.Workers),
		logger: logger,
		states: make(map[string]State),
	}
}

// Submit queues a job for datasetID. The state is reset to
// StageQueued immediately, before the worker picks the job up.
func (m *Manager) Submit(datasetID string, run Job) error {
	m.setState(datasetID, State{Stage: StageQueued})

	return m.pool.submit(func() {
		tracker := &Tracker{manager: m, datasetID: datasetID}

		if err := run(context.Background(), tracker); err != nil {
			m.logger.Error("dataset processing failed", "dataset", datasetID, "error", err)
			tracker.Fail(err)
		}
	})
}

// State returns a snapshot of the job state for datasetID.
func (m *Manager) State(datasetID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[datasetID]
	return st, ok
}

// Close drains the worker pool.
func (m *Manager) Close() {
	m.pool.close()
}

func (m *Manager) setState(datasetID string, st State) {
	m.mu.Lock()
	m.states[datasetID] = st
	m.mu.Unlock()
}

// Tracker reports stage changes and progress for one running job.
type Tracker struct {
	manager   *Manager
	datasetID string
}

// Advance moves to the next stage, resetting progress and counters.
// The transition table is enforced: an out-of-order stage change is an
// error rather than a silent overwrite.
func (t *Tracker) Advance(next Stage) error {
	t.manager.mu.Lock()
	defer t.manager.mu.Unlock()

	current := t.manager.states[t.datasetID].Stage
	if !current.CanTransition(next) {
		return &ErrInvalidTransition{From: current, To: next}
	}

	st := State{Stage: next}
	if next == StageReady {
		st.Progress = 1
	}
	t.manager.states[t.datasetID] = st

	return nil
}

// SetProgress overwrites the progress fields of the current stage.
func (t *Tracker) SetProgress(progress float64, processed, skipped int) {
	t.manager.mu.Lock()
	defer t.manager.mu.Unlock()

	st := t.manager.states[t.datasetID]
	st.Progress = min(max(progress, 0), 1)
	st.Processed = processed
	st.Skipped = skipped
	t.manager.states[t.datasetID] = st
}

// Fail moves the job to StageError, retaining the message.
func (t *Tracker) Fail(err error) {
	t.manager.mu.Lock()
	defer t.manager.mu.Unlock()

	st := t.manager.states[t.datasetID]
	st.Stage = StageError
	st.Error = err.Error()
	t.manager.states[t.datasetID] = st
}
