package coordinator

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// LinkState is one participant's local view of its negotiation with one
// remote peer. The two sides reconcile only through exchanged messages.
type LinkState int

const (
	LinkIdle LinkState = iota
	LinkOffering
	LinkAnswering
	LinkConnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "idle"
	case LinkOffering:
		return "offering"
	case LinkAnswering:
		return "answering"
	case LinkConnected:
		return "connected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// peerLink is loop-owned state; nothing outside the coordinator's event loop
// touches it.
type peerLink struct {
	remoteID  string
	state     LinkState
	transport MediaTransport

	// gen stamps the current transport; events from a replaced transport
	// carry an older generation and are discarded.
	gen            uint64
	transportState webrtc.PeerConnectionState

	// remoteDescSet gates candidate application: candidates racing ahead
	// of the offer/answer are queued and flushed in arrival order.
	remoteDescSet bool
	pending       []webrtc.ICECandidateInit

	// retried is set once a failure-triggered re-offer has been spent.
	// It resets when the link reaches connected again.
	retried bool

	negotiationTimer *time.Timer
	failureTimer     *time.Timer
}

// initiator reports whether the local participant originates the offer for
// this pair. Both sides compute this independently from the two IDs, so
// no coordination round-trip is ever needed: the lexicographically smaller
// ID always initiates.
func initiator(localID, remoteID string) bool {
	return localID < remoteID
}

func (l *peerLink) stopTimers() {
	if l.negotiationTimer != nil {
		l.negotiationTimer.Stop()
		l.negotiationTimer = nil
	}
	if l.failureTimer != nil {
		l.failureTimer.Stop()
		l.failureTimer = nil
	}
}

func (l *peerLink) closeTransport() {
	if l.transport != nil {
		l.transport.Close()
		l.transport = nil
	}
	l.remoteDescSet = false
	l.pending = nil
}
