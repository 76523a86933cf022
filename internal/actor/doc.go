// Package actor provides the contract shared by every reactor actor and a
// generic base that implements the bookkeeping half of it.
//
// An actor owns exactly one state value. Receive is the only place that
// replaces it, and Receive never blocks: I/O is started on another goroutine
// and its result comes back as a message through the actor's [Dispatcher].
// Publish fans a message out to the actor's own subscribers synchronously,
// in subscription order, isolating subscriber panics.
//
// Concrete actors embed *Base[S] and implement Receive as a type switch over
// their closed message set. The default arm must call [Base.Unhandled], which
// logs and counts the message; tests assert the count stays zero for every
// declared variant.
package actor
