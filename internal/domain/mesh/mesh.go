// Package mesh defines the data shapes for the optional peer relay: the
// fixed lane layout reserved on engine-a's upper half, registered peers,
// and local-to-peer relay subscriptions.
package mesh

import "time"

// OutboundLaneBase and InboundLaneBase are the first positions of engine-a
// reserved for relay lanes: 33-48 outbound, 49-64 inbound.
const (
	OutboundLaneBase = 33
	InboundLaneBase  = 49
	MaxPeers         = 10
)

// Peer is one registered relay destination.
type Peer struct {
	ID           string
	BaseURL      string
	SecretHash   []byte // bcrypt hash of the peer's shared secret
	OutboundLane int    // position on engine-a, OutboundLaneBase..+9
	InboundLane  int    // position on engine-a, InboundLaneBase..+9
	RegisteredAt time.Time
	LastPingAt   time.Time
	Alive        bool
}

// InboundAddress reports the canonical slot address for this peer's
// inbound lane.
func (p Peer) InboundAddress() string {
	return addressOf(p.InboundLane)
}

// OutboundAddress reports the canonical slot address for this peer's
// outbound lane.
func (p Peer) OutboundAddress() string {
	return addressOf(p.OutboundLane)
}

func addressOf(position int) string {
	return "a" + itoa(position)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Subscription records that a local slot's output should be relayed to a
// peer's inbound lane on the next relay tick.
type Subscription struct {
	LocalAddress string
	PeerID       string
}

// InboundRangeEnd is the last position in the inbound lane block.
const InboundRangeEnd = 64

// InInboundRange reports whether position falls within the inbound lane
// block (49-64).
func InInboundRange(position int) bool {
	return position >= InboundLaneBase && position <= InboundRangeEnd
}
