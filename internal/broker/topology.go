/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package broker

import (
	"strings"

	"github.com/friendsincode/nmstereo/internal/config"
)

// Kind selects how a channel routes messages to consumers.
type Kind int

const (
	// PointToPoint delivers each message to exactly one consumer and keeps it until acked.
	PointToPoint Kind = iota
	// Fanout copies each message to every live subscription.
	Fanout
)

func (k Kind) String() string {
	if k == Fanout {
		return "fanout"
	}
	return "point-to-point"
}

// Channel is a durable logical destination on the broker.
type Channel struct {
	Subject string
	Kind    Kind
}

// Stream returns the broker-side stream name backing the channel.
func (c Channel) Stream() string {
	return StreamName(c.Subject)
}

// StreamName derives a stream name from a subject, e.g. nmstereo.receive becomes NMSTEREO_RECEIVE.
func StreamName(subject string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(subject))
}

// Binding attaches a consumer to a channel. An empty Durable on a fanout
// channel yields an anonymous subscription that disappears with its consumer.
type Binding struct {
	Channel Channel
	Durable string
}

// Topology lists every channel the pipeline uses.
type Topology struct {
	Decode    Channel
	Receive   Channel
	Confirm   Channel
	Broadcast Channel
}

// NewTopology builds the topology from configured subjects.
func NewTopology(cfg *config.Config) Topology {
	return Topology{
		Decode:    Channel{Subject: cfg.DecodeSubject, Kind: PointToPoint},
		Receive:   Channel{Subject: cfg.ReceiveSubject, Kind: PointToPoint},
		Confirm:   Channel{Subject: cfg.ConfirmSubject, Kind: PointToPoint},
		Broadcast: Channel{Subject: cfg.BroadcastSubject, Kind: Fanout},
	}
}

// DefaultTopology uses the default subjects.
func DefaultTopology() Topology {
	return Topology{
		Decode:    Channel{Subject: "nmstereo.decode", Kind: PointToPoint},
		Receive:   Channel{Subject: "nmstereo.receive", Kind: PointToPoint},
		Confirm:   Channel{Subject: "nmstereo.confirm", Kind: PointToPoint},
		Broadcast: Channel{Subject: "nmstereo.broadcast", Kind: Fanout},
	}
}

// Channels returns the channels in declaration order.
func (t Topology) Channels() []Channel {
	return []Channel{t.Decode, t.Receive, t.Confirm, t.Broadcast}
}

// Consumer names shared by every instance of a role.
const (
	DurableDecoder            = "decoder"
	DurableBroadcasterReceive = "broadcaster-receive"
	DurableBroadcasterConfirm = "broadcaster-confirm"
)
