package ledger

// State is a step in the life of one orchestrated write.
type State string

const (
	StateInitiated    State = "INITIATED"
	StateLocked       State = "LOCKED"
	StateValidated    State = "VALIDATED"
	StatePersisted    State = "PERSISTED"
	StateMaterialized State = "MATERIALIZED"
	StateCommitted    State = "COMMITTED"
	StateAborted      State = "ABORTED"
)

// StateObserver is told about every state a write passes through.
type StateObserver func(operation string, state State)

// unit tracks the state of one write.
type unit struct {
	operation string
	state     State
	observe   StateObserver
}

func newUnit(operation string, observe StateObserver) *unit {
	u := &unit{operation: operation, observe: observe}
	u.advance(StateInitiated)
	return u
}

func (u *unit) advance(s State) {
	u.state = s
	if u.observe != nil {
		u.observe(u.operation, s)
	}
}
