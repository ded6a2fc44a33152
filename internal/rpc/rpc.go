// Package rpc connects sender peers over NATS. The master hands messages to
// its peers for delivery and peers answer with a one-word status, so a slow
// or dead peer never wedges a pass.
package rpc

import (
	"strings"
)

// Peer call statuses. These go over the wire, so they are plain tokens.
const (
	StatusOK      = "OK"
	StatusFail    = "FAIL"
	StatusTimeout = "TIMEOUT"
	StatusUnknown = "UNKNOWN"
)

const subjectPrefix = "herald.peer."

// deliverSubject addresses a peer's local delivery only: the peer must hand
// the message to a vendor itself and never proxy it onward.
func deliverSubject(peer string) string {
	return subjectPrefix + peer + ".deliver"
}

// statusLabel converts a wire status to a metrics label.
func statusLabel(status string) string {
	return strings.ToLower(status)
}
