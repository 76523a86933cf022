package message

// SessionReady reports that the backend accepted the handshake for
// Generation. Gated traffic may flow.
type SessionReady struct {
	Generation int64
	SessionID  string
}

func (SessionReady) Type() string { return "session:ready" }

// SessionLost reports that the session for Generation is gone.
type SessionLost struct {
	Generation int64
}

func (SessionLost) Type() string { return "session:lost" }

// SessionError reports a handshake failure that retries cannot fix.
type SessionError struct {
	Generation int64
	Err        error
}

func (SessionError) Type() string { return "session:error" }
