package message

// BroadcastCallback receives topic events with the sending peer's presence,
// which is nil when unknown.
type BroadcastCallback func(data any, peer map[string]any)

// BroadcastSubscribe registers Callback for Topic in RoomID.
type BroadcastSubscribe struct {
	RoomID       string
	Topic        string
	SubscriberID string
	Callback     BroadcastCallback
}

func (BroadcastSubscribe) Type() string { return "broadcast:subscribe" }

// BroadcastUnsubscribe removes one topic subscriber.
type BroadcastUnsubscribe struct {
	RoomID       string
	Topic        string
	SubscriberID string
}

func (BroadcastUnsubscribe) Type() string { return "broadcast:unsubscribe" }

// BroadcastPublish sends Data on Topic to every peer in RoomID.
type BroadcastPublish struct {
	RoomID string
	Topic  string
	Data   any
}

func (BroadcastPublish) Type() string { return "broadcast:publish" }

// BroadcastLocal is a publish from another reactor sharing the same hub.
type BroadcastLocal struct {
	RoomID string
	Topic  string
	Data   any
	Origin string
}

func (BroadcastLocal) Type() string { return "broadcast:local" }
