package message

import "github.com/roach88/reactor/internal/ir"

// QueryCallback receives query results on the reactor goroutine.
type QueryCallback func(QueryResult)

// QuerySubscribe registers Callback for Q. Hash may be empty; the query actor
// computes it.
type QuerySubscribe struct {
	Hash         string
	Q            ir.IRObject
	SubscriberID string
	Callback     QueryCallback
}

func (QuerySubscribe) Type() string { return "query:subscribe" }

// QueryUnsubscribe removes one subscriber from the subscription at Hash.
type QueryUnsubscribe struct {
	Hash         string
	SubscriberID string
}

func (QueryUnsubscribe) Type() string { return "query:unsubscribe" }

// QueryOnce asks for the next server result of Q. Reply receives exactly one
// value.
type QueryOnce struct {
	OnceID string
	Q      ir.IRObject
	Reply  chan<- QueryResult
}

func (QueryOnce) Type() string { return "query:once" }

// QueryOnceTimeout rejects the QueryOnce identified by OnceID if it is still
// waiting.
type QueryOnceTimeout struct {
	Hash   string
	OnceID string
}

func (QueryOnceTimeout) Type() string { return "query:once-timeout" }

// QueryResultChanged is published whenever a subscription's delivered result
// changes.
type QueryResultChanged struct {
	Hash   string
	Q      ir.IRObject
	Result QueryResult
}

func (QueryResultChanged) Type() string { return "query:result" }

// QueryProcessed reports the highest server transaction reflected in the
// confirmed store.
type QueryProcessed struct {
	TxID int64
}

func (QueryProcessed) Type() string { return "query:processed" }

// CachedQuery is a persisted query result used to answer subscriptions before
// the server does.
type CachedQuery struct {
	Hash   string      `cbor:"hash"`
	Q      ir.IRObject `cbor:"-"`
	Result QueryResult `cbor:"result"`
}

// QueryRestore seeds the query cache from persistence.
type QueryRestore struct {
	Entries []CachedQuery
}

func (QueryRestore) Type() string { return "query:restore" }
