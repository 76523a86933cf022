package message

// NetworkOnline is published on an offline to online transition.
type NetworkOnline struct{}

func (NetworkOnline) Type() string { return "network:online" }

// NetworkOffline is published on an online to offline transition.
type NetworkOffline struct{}

func (NetworkOffline) Type() string { return "network:offline" }

// NetworkStatus carries the current connectivity after every transition and
// in reply to NetworkQuery.
type NetworkStatus struct {
	IsOnline bool
}

func (NetworkStatus) Type() string { return "network:status" }

// NetworkQuery asks the network actor to republish NetworkStatus.
type NetworkQuery struct{}

func (NetworkQuery) Type() string { return "network:query" }

// NetworkSetOnline feeds a listener observation back into the network actor.
type NetworkSetOnline struct {
	IsOnline bool
}

func (NetworkSetOnline) Type() string { return "network:set-online" }
