package message

// MutationOutcome is the single terminal answer to a transact call.
type MutationOutcome struct {
	ID     string
	Status MutationStatus
	TxID   int64
	Err    error
}

// MutationTransact submits Ops as one transaction. Reply, when non-nil,
// receives exactly one MutationOutcome.
type MutationTransact struct {
	ID    string
	Ops   []Op
	Reply chan<- MutationOutcome
}

func (MutationTransact) Type() string { return "mutation:transact" }

// MutationTimeout fires when the confirmation window for ID sent on
// Generation elapses.
type MutationTimeout struct {
	ID         string
	Generation int64
}

func (MutationTimeout) Type() string { return "mutation:timeout" }

// MutationPendingChanged carries the ordered optimistic queue after every
// change. Pending is sorted by Seq.
type MutationPendingChanged struct {
	Pending []Pending
}

func (MutationPendingChanged) Type() string { return "mutation:pending-changed" }

// MutationStatusChanged reports a status transition for one mutation.
type MutationStatusChanged struct {
	ID     string
	Status MutationStatus
	TxID   int64
	Err    error
}

func (MutationStatusChanged) Type() string { return "mutation:status" }

// MutationRestore seeds the queue from persistence.
type MutationRestore struct {
	Pending []Pending
}

func (MutationRestore) Type() string { return "mutation:restore" }
