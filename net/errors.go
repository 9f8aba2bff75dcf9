package net

import "errors"

var (
	// ErrDuplicateConnection is reported when a client id reconnects while its previous
	// connection is still registered. The old connection is kicked and closed.
	ErrDuplicateConnection = errors.New("duplicate connection")

	// ErrIncompleteReassembly marks a fragmented message whose connection closed before
	// every part arrived. The partial buffer is discarded.
	ErrIncompleteReassembly = errors.New("incomplete reassembly")

	// ErrTransportUnavailable is returned when a preferred channel or backend was not negotiated.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrTransportClosed is returned by Send after Close.
	ErrTransportClosed = errors.New("transport closed")

	// ErrUnknownClient is returned when sending to a client id that is not connected.
	ErrUnknownClient = errors.New("unknown client")
)

var (
	errNegativeNetEmu = errors.New("netem latencies and jitter cannot be negative")
	errLossRange      = errors.New("netem loss must be within 0..100")
)
