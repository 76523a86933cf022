package message

// ActorCrashed is emitted by the supervisor when an actor's Receive panics.
type ActorCrashed struct {
	Actor    string
	Message  string
	Panic    any
	Restarts int
}

func (ActorCrashed) Type() string { return "actor:crashed" }
