// Package testutil provides deterministic fakes for reactor tests: a manual
// scheduler with virtual time, a scriptable network listener, an in-memory
// transport and a message recorder.
package testutil
