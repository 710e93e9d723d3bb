// Package port implements the sandbox port allocator (C1): picking the
// lowest free TCP port in a configured inclusive range.
package port

import "errors"

// ErrNoPortsAvailable is returned when every port in the configured range is
// already bound to a sandbox record.
var ErrNoPortsAvailable = errors.New("no ports available in configured range")

// Allocate returns the lowest port in [start, end] not present in used.
// Allocation is a pure function over the caller-supplied used set; the
// caller is responsible for computing used from the catalog inside the same
// transaction that inserts the new record, since the uniqueness constraint
// on Sandbox.port is the ground truth and allocation without an enclosing
// transaction is racy.
func Allocate(used map[int]bool, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, ErrNoPortsAvailable
}
