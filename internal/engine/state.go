package engine

import (
	"log/slog"

	"github.com/google/uuid"
)

// State is a step of a host operation
type State string

const (
	StateValidating        State = "validating"
	StateAuthorizing       State = "authorizing"
	StateAllocating        State = "allocating"
	StateSyncing           State = "syncing"
	StateGrantingOwnership State = "granting_ownership"
	StateCommitted         State = "committed"
	StateFailed            State = "failed"
)

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateFailed
}

// operation tracks one engine call through its states
type operation struct {
	id     string
	name   string
	state  State
	logger *slog.Logger
}

func newOperation(logger *slog.Logger, name string, attrs ...any) *operation {
	id := uuid.NewString()
	return &operation{
		id:     id,
		name:   name,
		state:  StateValidating,
		logger: logger.With(append([]any{"op", name, "op_id", id}, attrs...)...),
	}
}

// enter moves to the next state. Terminal states are never left.
func (o *operation) enter(next State) {
	if o.state.Terminal() {
		return
	}
	o.logger.Debug("state transition", "from", o.state, "to", next)
	o.state = next
}

// finish records the outcome of the operation and passes err through
func (o *operation) finish(err error) error {
	if err != nil {
		o.logger.Warn("operation failed", "state", o.state, "error", err)
		o.enter(StateFailed)
		return err
	}
	o.enter(StateCommitted)
	o.logger.Info("operation committed")
	return nil
}
