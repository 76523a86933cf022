package message

// ConnectionStart asks the connection actor to open a socket.
type ConnectionStart struct{}

func (ConnectionStart) Type() string { return "connection:start" }

// ConnectionRestart closes the current socket and reconnects immediately.
type ConnectionRestart struct{}

func (ConnectionRestart) Type() string { return "connection:restart" }

// ConnectionSend asks the connection actor to write Frame, stamped with
// EventID as "client-event-id".
type ConnectionSend struct {
	EventID string
	Frame   Frame
}

func (ConnectionSend) Type() string { return "connection:send" }

// ConnectionOpened reports that the dial for Generation succeeded.
type ConnectionOpened struct {
	Generation int64
}

func (ConnectionOpened) Type() string { return "connection:opened" }

// ConnectionFrame carries one frame read from the socket of Generation.
type ConnectionFrame struct {
	Generation int64
	Frame      Frame
}

func (ConnectionFrame) Type() string { return "connection:frame" }

// ConnectionClosed reports that the socket of Generation closed or failed to
// dial.
type ConnectionClosed struct {
	Generation int64
	Err        error
}

func (ConnectionClosed) Type() string { return "connection:closed" }

// ConnectionReconnect fires when the reconnect delay for Generation elapses.
type ConnectionReconnect struct {
	Generation int64
}

func (ConnectionReconnect) Type() string { return "connection:reconnect" }

// ConnectionStatusChanged is published on every status transition.
type ConnectionStatusChanged struct {
	Status     ConnectionStatus
	Generation int64
	Err        error
}

func (ConnectionStatusChanged) Type() string { return "connection:status" }
