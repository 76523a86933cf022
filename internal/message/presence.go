package message

// PresenceCallback receives presence snapshots for one room.
type PresenceCallback func(PresenceSnapshot)

// PresenceJoinRoom joins RoomID with optional initial user data.
type PresenceJoinRoom struct {
	RoomID  string
	Initial map[string]any
}

func (PresenceJoinRoom) Type() string { return "presence:join-room" }

// PresenceLeaveRoom leaves RoomID.
type PresenceLeaveRoom struct {
	RoomID string
}

func (PresenceLeaveRoom) Type() string { return "presence:leave-room" }

// PresenceSet merges Data into the local user's presence in RoomID.
type PresenceSet struct {
	RoomID string
	Data   map[string]any
}

func (PresenceSet) Type() string { return "presence:set" }

// PresenceFlush ends a flush window for RoomID.
type PresenceFlush struct {
	RoomID     string
	Generation int64
}

func (PresenceFlush) Type() string { return "presence:flush" }

// PresenceUpdated is published whenever a room's presence view changes.
type PresenceUpdated struct {
	RoomID    string
	SessionID string
	Presence  PresenceSnapshot
}

func (PresenceUpdated) Type() string { return "presence:updated" }
