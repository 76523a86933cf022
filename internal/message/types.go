package message

import "time"

// User is the identity owned by the auth actor.
type User struct {
	ID           string `json:"id" cbor:"id"`
	Email        string `json:"email,omitempty" cbor:"email,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty" cbor:"refresh_token,omitempty"`
	IsGuest      bool   `json:"is_guest,omitempty" cbor:"is_guest,omitempty"`
}

// SameUser reports whether a and b identify the same user. Two nil users are
// the same; a token refresh for the same id is not an identity change.
func SameUser(a, b *User) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID == b.ID
}

// OpAction names a transaction step.
type OpAction string

const (
	OpCreate OpAction = "create"
	OpUpdate OpAction = "update"
	OpDelete OpAction = "delete"
	OpLink   OpAction = "link"
	OpUnlink OpAction = "unlink"
)

// Op is one step of a transaction. For link and unlink, Attrs maps link
// labels to target entity ids.
type Op struct {
	Action    OpAction       `json:"action" cbor:"action"`
	Namespace string         `json:"namespace" cbor:"namespace"`
	ID        string         `json:"id" cbor:"id"`
	Attrs     map[string]any `json:"attrs,omitempty" cbor:"attrs,omitempty"`
}

// Step renders the op as a wire tx-step: [action, namespace, id, attrs].
func (o Op) Step() []any {
	step := []any{string(o.Action), o.Namespace, o.ID}
	if o.Attrs != nil {
		step = append(step, o.Attrs)
	}
	return step
}

// MutationStatus is the lifecycle state of a pending mutation.
type MutationStatus string

const (
	StatusQueued    MutationStatus = "queued"
	StatusSent      MutationStatus = "sent"
	StatusConfirmed MutationStatus = "confirmed"
	StatusFailed    MutationStatus = "failed"
	StatusTimedOut  MutationStatus = "timed-out"
)

// Terminal reports whether no further transitions happen from s, except the
// eventual removal of a confirmed mutation.
func (s MutationStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusTimedOut
}

// Pending is a snapshot of one mutation owned by the mutation actor.
type Pending struct {
	ID         string         `json:"id" cbor:"id"`
	Seq        int64          `json:"seq" cbor:"seq"`
	Ops        []Op           `json:"ops" cbor:"ops"`
	Status     MutationStatus `json:"status" cbor:"status"`
	Generation int64          `json:"generation,omitempty" cbor:"generation,omitempty"`
	Attempts   int            `json:"attempts,omitempty" cbor:"attempts,omitempty"`
	TxID       int64          `json:"tx_id,omitempty" cbor:"tx_id,omitempty"`
	Error      string         `json:"error,omitempty" cbor:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at" cbor:"created_at"`
}

// Entity is one record in a query result. Every entity carries an "id".
type Entity map[string]any

// ID returns the entity id.
func (e Entity) ID() string {
	s, _ := e["id"].(string)
	return s
}

// QueryResult is what a query subscriber receives.
type QueryResult struct {
	Data          map[string][]Entity `json:"data,omitempty" cbor:"data,omitempty"`
	ProcessedTxID int64               `json:"processed_tx_id,omitempty" cbor:"processed_tx_id,omitempty"`
	Error         string              `json:"error,omitempty" cbor:"error,omitempty"`
}

// ConnectionStatus is the transport lifecycle state.
type ConnectionStatus string

const (
	ConnConnecting    ConnectionStatus = "connecting"
	ConnOpened        ConnectionStatus = "opened"
	ConnAuthenticated ConnectionStatus = "authenticated"
	ConnClosed        ConnectionStatus = "closed"
	ConnErrored       ConnectionStatus = "errored"
)

// PresenceSnapshot is what room presence subscribers receive.
type PresenceSnapshot struct {
	User      map[string]any            `json:"user,omitempty"`
	Peers     map[string]map[string]any `json:"peers"`
	IsLoading bool                      `json:"is_loading"`
	Error     string                    `json:"error,omitempty"`
}

// UploadOptions carries per-upload metadata for the storage backend.
type UploadOptions struct {
	ContentType        string
	ContentDisposition string
}

// UploadResult is returned by the storage backend on success.
type UploadResult struct {
	Path string
	URL  string
	Size int64
}
