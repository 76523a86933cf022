// Package message defines the closed set of typed messages exchanged between
// reactor actors.
//
// Every message implements [Message]. Type returns the discriminant used by
// the event bus to key subscriptions ("network:online", "ws:init-ok", ...).
// A message whose Type is empty is invalid: the bus and every actor drop it
// with a log line instead of delivering it.
//
// Messages are values. Handlers must treat them as immutable once emitted,
// including the Frame maps they carry.
package message
