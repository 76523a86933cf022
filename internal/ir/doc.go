// Package ir defines the constrained value model used for queries.
//
// Queries are the only caller-supplied structure the reactor hashes: two
// subscriptions to equal queries must share one server subscription, so the
// hash must not depend on map iteration order, Unicode normalization form or
// number formatting. IR values therefore exclude floats, and hashing goes
// through RFC 8785 canonical JSON.
//
// Query results and transaction attributes are ordinary decoded JSON and do
// not use this package.
package ir
