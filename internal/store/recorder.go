package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/cmdengine/pkg/command"
	"github.com/rendis/cmdengine/pkg/schema"
)

const recorderBuffer = 256

// Recorder persists every state transition of one run. Transitions are
// written in emission order by a single background writer so the observed
// commands are not held up by the database.
type Recorder struct {
	store  TransitionStore
	runID  string
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan *Transition
	done   chan struct{}
}

// NewRecorder starts the writer of run runID. Close must be called once the
// run is over.
func NewRecorder(s TransitionStore, runID string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:  s,
		runID:  runID,
		logger: logger,
		queue:  make(chan *Transition, recorderBuffer),
		done:   make(chan struct{}),
	}
	go r.write()
	return r
}

var _ command.Observer = (*Recorder)(nil)

func (r *Recorder) OnStateChange(c command.Command, change schema.StateChange) {
	tr := &Transition{
		RunID:     r.runID,
		Command:   change.Command,
		Kind:      change.Kind,
		From:      change.From,
		To:        change.To,
		Error:     change.Err,
		Timestamp: change.Timestamp,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.queue <- tr
}

func (r *Recorder) OnProgress(command.Command, schema.ProgressUpdate) {}

// Close flushes the pending transitions and stops the writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) write() {
	defer close(r.done)
	for tr := range r.queue {
		if err := r.store.AppendTransition(context.Background(), tr); err != nil {
			r.logger.Error("failed to record transition",
				slog.String("run_id", r.runID),
				slog.String("command", tr.Command),
				slog.String("error", err.Error()),
			)
		}
	}
}
