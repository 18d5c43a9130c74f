// Package backend implements the backend call facade: concrete responders
// for each integration kind and the single point where the kind tag is
// resolved. Nothing outside this package switches on integration kind.
package backend

import (
	"context"
	"errors"
	"fmt"

	"charrelay/internal/logging"
	"charrelay/internal/relay"
)

// ErrUnknownKind is returned for a character wired to an integration kind
// with no registered responder.
var ErrUnknownKind = errors.New("no responder for integration kind")

// Responder produces a character's reply from one backend. Transient
// conditions must wrap relay.ErrBackendNotReady.
type Responder interface {
	Respond(ctx context.Context, ch *relay.SpawnedCharacter, text string) (string, error)
}

// Facade resolves a character's integration kind to its responder exactly
// once per call. It implements relay.BackendCaller.
type Facade struct {
	responders map[relay.IntegrationKind]Responder
}

// NewFacade creates an empty facade.
func NewFacade() *Facade {
	return &Facade{responders: make(map[relay.IntegrationKind]Responder)}
}

// Register wires a responder for a kind. Registration happens at process
// start; the map is read-only afterwards.
func (f *Facade) Register(kind relay.IntegrationKind, r Responder) {
	f.responders[kind] = r
}

// Respond dispatches to the character's backend.
func (f *Facade) Respond(ctx context.Context, ch *relay.SpawnedCharacter, text string) (string, error) {
	r, ok := f.responders[ch.Integration.Kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, ch.Integration.Kind)
	}
	logging.BackendDebug("respond via %s for character %s", ch.Integration.Kind, ch.ID)
	return r.Respond(ctx, ch, text)
}

var _ relay.BackendCaller = (*Facade)(nil)
