package actions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"charrelay/internal/logging"
)

// Worker owns the whole action set: one loop, no parallel ticks, so no
// action is ever processed twice concurrently. Status writes for a tick
// are batched into a single persist.
type Worker struct {
	store    Store
	notifier Notifier
	interval time.Duration

	mu    sync.Mutex
	conts map[Kind]Continuation
}

// NewWorker creates a worker. Register continuations before Run.
func NewWorker(store Store, notifier Notifier, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	return &Worker{
		store:    store,
		notifier: notifier,
		interval: interval,
		conts:    make(map[Kind]Continuation),
	}
}

// Register wires the continuation for a kind. Later registrations for the
// same kind replace earlier ones.
func (w *Worker) Register(kind Kind, fn Continuation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conts[kind] = fn
}

// Run ticks until the context is cancelled. Each tick is fenced: a panic
// or storage failure aborts that tick only.
func (w *Worker) Run(ctx context.Context) {
	logging.Actions("retry worker started (interval=%s)", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Actions("retry worker stopped")
			return
		case <-ticker.C:
			w.safeTick(ctx)
		}
	}
}

func (w *Worker) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.notifier.ReportError(ctx, "actions.tick", fmt.Errorf("panic: %v", r))
		}
	}()
	w.Tick(ctx)
}

// Tick processes one pass over the pending actions. Exported so tests and
// manual triggers can run a tick without the timer.
func (w *Worker) Tick(ctx context.Context) {
	kinds := w.kinds()
	if len(kinds) == 0 {
		return
	}

	pending, err := w.store.LoadPendingActions(ctx, kinds)
	if err != nil {
		w.notifier.ReportError(ctx, "actions.load", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	var batch []*Action
	for _, a := range pending {
		batch = append(batch, w.process(ctx, a))
	}

	if err := w.store.SaveActionBatch(ctx, batch); err != nil {
		w.notifier.ReportError(ctx, "actions.save", err)
	}
}

// process advances one action and returns it with its new status. An
// action past its attempt budget is canceled without ever invoking the
// continuation again, and its requester gets exactly one give-up notice.
func (w *Worker) process(ctx context.Context, a *Action) *Action {
	if a.Attempt > a.MaxAttempts {
		a.Status = StatusCanceled
		w.notifier.NotifyGiveUp(ctx, a)
		logging.Actions("gave up on action %s (%s) after %d attempts", a.ID, a.Kind, a.Attempt)
		return a
	}

	cont := w.continuation(a.Kind)
	if cont == nil {
		// Should not happen: LoadPendingActions was filtered by kind.
		a.Status = StatusCanceled
		w.notifier.ReportError(ctx, "actions.process", fmt.Errorf("no continuation for kind %q", a.Kind))
		return a
	}

	a.Status = StatusInProcess
	a.Attempt++

	err := w.runContinuation(ctx, cont, a)
	switch {
	case err == nil:
		a.Status = StatusFinished
		logging.Actions("action %s (%s) finished on attempt %d", a.ID, a.Kind, a.Attempt)
	case errors.Is(err, ErrNotReady):
		a.Status = StatusPending
		logging.ActionsDebug("action %s (%s) not ready, attempt %d/%d", a.ID, a.Kind, a.Attempt, a.MaxAttempts)
	default:
		a.Status = StatusCanceled
		w.notifier.ReportError(ctx, "actions.continue", fmt.Errorf("action %s (%s): %w", a.ID, a.Kind, err))
	}
	return a
}

// runContinuation fences a continuation panic into an error so one bad
// action cannot take out the tick.
func (w *Worker) runContinuation(ctx context.Context, cont Continuation, a *Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("continuation panic: %v", r)
		}
	}()
	return cont(ctx, a)
}

func (w *Worker) kinds() []Kind {
	w.mu.Lock()
	defer w.mu.Unlock()
	kinds := make([]Kind, 0, len(w.conts))
	for k := range w.conts {
		kinds = append(kinds, k)
	}
	return kinds
}

func (w *Worker) continuation(k Kind) Continuation {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conts[k]
}
