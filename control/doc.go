// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics and debug introspection layer.
//
// Provides concurrent-safe state handling primitives including:
//   - Counters and gauges with point-in-time snapshots
//   - State export, debug hooks, and probe registration
//
// The server publishes session and upgrade statistics through this package.
package control
