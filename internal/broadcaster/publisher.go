package broadcaster

import (
	"context"

	"github.com/friendsincode/nmstereo/internal/broker"
	"github.com/friendsincode/nmstereo/internal/models"
)

// SessionPublisher publishes broadcast messages through a broker session.
type SessionPublisher struct {
	session *broker.Session
	channel broker.Channel
}

// NewSessionPublisher publishes on the session's broadcast channel.
func NewSessionPublisher(session *broker.Session) *SessionPublisher {
	return &SessionPublisher{session: session, channel: session.Topology().Broadcast}
}

// Publish sends {id, track, from} as JSON to every stereo client.
func (p *SessionPublisher) Publish(ctx context.Context, item *models.PlaylistItem) error {
	msg, err := broker.JSONMessage(p.channel.Subject, models.NewBroadcastMessage(item))
	if err != nil {
		return err
	}
	return p.session.Publish(ctx, msg)
}
