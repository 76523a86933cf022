package message

// WSPrefix prefixes every routed message type.
const WSPrefix = "ws:"

// WSMessage is a raw inbound frame tagged with the connection generation it
// arrived on.
type WSMessage struct {
	WsID    int64
	Message Frame
}

func (WSMessage) Type() string { return "ws:message" }

// Routed is a frame demultiplexed by op. Its type is "ws:" + Op.
type Routed struct {
	Op      string
	WsID    int64
	Payload Frame
}

func (r Routed) Type() string {
	if r.Op == "" {
		return ""
	}
	return WSPrefix + r.Op
}

// Server ops consumed by the actors.
const (
	OpInit            = "init"
	OpInitOK          = "init-ok"
	OpAddQuery        = "add-query"
	OpAddQueryOK      = "add-query-ok"
	OpRemoveQuery     = "remove-query"
	OpRefreshOK       = "refresh-ok"
	OpTransact        = "transact"
	OpTransactOK      = "transact-ok"
	OpError           = "error"
	OpJoinRoom        = "join-room"
	OpJoinRoomOK      = "join-room-ok"
	OpJoinRoomError   = "join-room-error"
	OpLeaveRoom       = "leave-room"
	OpSetPresence     = "set-presence"
	OpRefreshPresence = "refresh-presence"
	OpPatchPresence   = "patch-presence"
	OpClientBroadcast = "client-broadcast"
	OpServerBroadcast = "server-broadcast"
)

// RoutedType returns the routed message type for op.
func RoutedType(op string) string {
	return WSPrefix + op
}
