// Package transport defines the datagram abstraction both the bridge
// and device dispatchers run on top of. The protocol itself is
// transport-agnostic (spec §2): any medium that delivers bounded,
// occasionally-lost, occasionally-reordered datagrams to a named peer
// qualifies. transport/udpdgram provides the reference implementation.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Link methods once the link has been closed.
var ErrClosed = errors.New("transport: link closed")

// Link is the minimal datagram transport a dispatcher needs: send one
// frame to a peer, receive the next inbound frame from any peer, and
// shut down. Peer identity is an opaque string (an address rendering,
// a serial channel tag) rather than net.Addr so non-IP transports
// (a multiplexed serial line, per the Channel config field) fit the
// same interface without wrapping every identifier in a net.Addr.
type Link interface {
	// Send writes frame to peer. frame must already be a complete wire
	// frame (header+payload); Link does not interpret it.
	Send(ctx context.Context, peer string, frame []byte) error

	// Receive blocks until the next inbound frame arrives, ctx is
	// canceled, or the link is closed.
	Receive(ctx context.Context) (peer string, frame []byte, err error)

	// LocalChannel reports the configured channel identifier this link
	// was bound with, for logging and metrics labeling.
	LocalChannel() string

	// Close releases the underlying medium. Receive calls blocked at
	// the time of Close return ErrClosed.
	Close() error
}
