package subscription

import "context"

// Outcome describes what the Guard did with a command.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeTerminal  Outcome = "terminal"
	OutcomeIgnored   Outcome = "ignored"
)

// Applied reports whether the outcome wrote to the store.
func (o Outcome) Applied() bool {
	return o == OutcomeCreated || o == OutcomeUpdated
}

// Result is the outcome of applying one command. Record is the stored record after
// the decision, or nil when none exists.
type Result struct {
	Outcome Outcome
	Record  *Record
}

// Applier applies commands to subscription state. Implemented by Guard for local
// storage and by the sync client for forwarding to another node.
type Applier interface {
	Apply(ctx context.Context, meta EventMeta, cmd Command) (Result, error)
}
