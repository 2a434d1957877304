/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package broadcaster

import (
	"context"
	"fmt"

	"github.com/friendsincode/nmstereo/internal/broker"
	"github.com/friendsincode/nmstereo/internal/playlist"
	"github.com/rs/zerolog"
)

// Term holds what one broadcaster run needs.
type Term struct {
	Store       playlist.Store
	OpenSession func(ctx context.Context) (*broker.Session, error)
	Notifier    Notifier
	Events      EventSink
	Config      Config
	Logger      zerolog.Logger

	// OnService, when set, observes the service of each run.
	OnService func(*Service)
	// OnSession, when set, observes the broker session of each run.
	OnSession func(*broker.Session)
}

// Run opens a session, restores state, and consumes until ctx ends or the
// broker drops the connection. The latter returns broker.ErrClosed.
func (t Term) Run(ctx context.Context) error {
	session, err := t.OpenSession(ctx)
	if err != nil {
		return fmt.Errorf("open broker session: %w", err)
	}
	defer session.Close()
	if t.OnSession != nil {
		t.OnSession(session)
		defer t.OnSession(nil)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	service := New(t.Store, NewSessionPublisher(session), t.Notifier, t.Events, t.Config, t.Logger)
	go service.Run(runCtx)
	if t.OnService != nil {
		t.OnService(service)
		defer t.OnService(nil)
	}

	if err := service.Load(runCtx); err != nil {
		return err
	}
	if err := NewConsumers(service, session, t.Logger).Start(runCtx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case <-session.Done():
		return broker.ErrClosed
	}
}
