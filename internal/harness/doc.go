// Package harness runs scripted conversations between a reactor and a fake
// backend and checks the messages that crossed the bus.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: transact_after_reconnect
//	description: "A sent transaction is resubmitted on the next session"
//	schema: schemas/todos.cue      # optional, relative to the scenario file
//	steps:
//	  - do: open
//	    session_id: s-1
//	  - do: transact
//	    name: tx1
//	    ops:
//	      - {action: create, namespace: todos, id: t1, attrs: {title: milk}}
//	  - do: close
//	  - do: advance
//	    duration: 15s
//	  - do: open
//	    session_id: s-2
//	  - do: frame
//	    frame: {op: transact-ok, client-event-id: $tx1, tx-id: 4}
//	expect:
//	  - type: trace_count
//	    message: session:ready
//	    count: 2
//	  - type: sent_ops
//	    conn: 2
//	    ops: [init, transact]
//
// String values of the form $name inside a frame are replaced by the id of
// the transact step carrying that name.
//
// # Steps
//
//   - start: boot the reactor; it dials when online
//   - online, offline: flip the fake network listener
//   - open: boot if needed, finish any dial and answer init with init-ok
//   - frame: deliver a server frame on the current socket
//   - close: fail the current socket
//   - advance: fire fake timers due within duration
//   - subscribe, unsubscribe: register or drop a query subscription
//   - transact: queue a transaction
//   - sign-in, sign-out: change the identity
//   - join-room, set-presence, leave-room, publish: presence and broadcast
//
// # Assertion Types
//
//   - trace_contains: a message of the type whose fields include fields
//   - trace_count: exactly count messages of the type (and fields)
//   - trace_order: the first occurrences of messages appear in this order
//   - sent_ops: the ops written on one socket, in order
//   - snapshot: the final reactor snapshot includes fields
//
// # Deterministic Testing
//
// Every run uses a fake dialer, a fake network listener, a manual scheduler
// and sequential ids, and drains the reactor synchronously after each step,
// so identical scenarios produce identical traces for golden comparison.
package harness
