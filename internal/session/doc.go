// Package session
// Author: momentics <momentics@gmail.com>
//
// Server-side session registry. Each Session maps a generated session id
// to the connection it correlates across independent HTTP exchanges.
//
// The registry is sharded by id hash; every shard serializes create,
// lookup and remove under its own lock. Per-connection key/value state
// lives in Values.

package session
