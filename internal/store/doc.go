// Package store holds the latest known sample for each telemetry channel.
// It merges heterogeneous, out-of-order, partial UDP datagrams into a
// coherent current-state snapshot under a monotonic timestamp rule.
package store
