// Package actions implements the stored-action retry worker: a single
// periodic loop that replays pending long-lived external operations with
// bounded attempts and a give-up notification.
package actions

import (
	"context"
	"errors"
	"time"
)

// Status is a stored action's lifecycle state.
type Status int

const (
	StatusPending Status = iota
	StatusInProcess
	StatusFinished
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProcess:
		return "in_process"
	case StatusFinished:
		return "finished"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Kind names an action type. The worker only processes kinds with a
// registered continuation.
type Kind string

// Action is one persisted retryable operation. External collaborators
// create actions; the worker is their sole mutator afterwards.
type Action struct {
	ID          string
	Kind        Kind
	Payload     string // Opaque, owned by the continuation
	Status      Status
	Attempt     int
	MaxAttempts int
	RequesterID string // Who to notify on give-up
	ChannelID   string
	CreatedAt   time.Time
}

// ErrNotReady is returned by a continuation when the external operation
// has not completed yet and should be retried next tick.
var ErrNotReady = errors.New("action not ready yet")

// Continuation resumes one action. A nil return finishes the action,
// ErrNotReady re-queues it, anything else cancels it.
type Continuation func(ctx context.Context, a *Action) error

// Store is the persistence collaborator.
type Store interface {
	LoadPendingActions(ctx context.Context, kinds []Kind) ([]*Action, error)
	SaveActionBatch(ctx context.Context, batch []*Action) error
}

// Notifier delivers the give-up notification and error reports,
// best-effort.
type Notifier interface {
	NotifyGiveUp(ctx context.Context, a *Action)
	ReportError(ctx context.Context, scope string, err error)
}
