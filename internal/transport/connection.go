package transport

import (
	"context"
	"errors"
)

// ErrDiskTransportUnimplemented is returned by every DiskConnection
// operation: the disk-based transport variant is an explicit placeholder in
// the source this package is grounded on, never completed there either.
var ErrDiskTransportUnimplemented = errors.New("disk connection: not implemented")

// Connection is the capability set the Session Negotiator and Transfer
// Controller need from a peer link: authenticated request/response. It
// generalizes morango's Connection base class, whose only concrete subclass
// is the network one; NetworkConnection below is that subclass, and
// DiskConnection preserves the shape of the unimplemented disk variant
// without attempting to implement it.
type Connection interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// NetworkConnection is the HTTP-over-TCP Connection variant: a thin
// re-export of Client under the name the capability-set design notes use.
type NetworkConnection = Client

var _ Connection = (*Client)(nil)

// DiskConnection is the unimplemented filesystem-based transport variant.
// The core's non-goals (spec.md §1) explicitly exclude inventing a disk
// transport; this type exists only so callers can reference the variant by
// name and fail clearly if selected, mirroring the teacher's own
// placeholder pattern for transports it never finished.
type DiskConnection struct {
	// Path is the filesystem directory two peers would exchange state
	// through, were this variant implemented.
	Path string
}

var _ Connection = (*DiskConnection)(nil)

// Do always fails: disk-based sync is a declared TODO, not a supported
// transport.
func (d *DiskConnection) Do(ctx context.Context, req Request) (*Response, error) {
	return nil, ErrDiskTransportUnimplemented
}
