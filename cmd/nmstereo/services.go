/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"

	"github.com/friendsincode/nmstereo/internal/cache"
	"github.com/friendsincode/nmstereo/internal/config"
	"github.com/friendsincode/nmstereo/internal/eventbus"
	"github.com/friendsincode/nmstereo/internal/events"
	"github.com/friendsincode/nmstereo/internal/notify"
	"github.com/friendsincode/nmstereo/internal/resolver"
	"github.com/friendsincode/nmstereo/internal/stereo"
)

// newEventBus selects the live event bus. The returned close is never nil.
func newEventBus(nodeID string) (eventbus.Bus, func() error, error) {
	switch cfg.EventBus {
	case config.EventBusRedis:
		redisCfg := eventbus.DefaultRedisConfig()
		redisCfg.Addr = cfg.RedisAddr
		redisCfg.Password = cfg.RedisPassword
		redisCfg.DB = cfg.RedisDB
		bus := eventbus.NewRedisBus(redisCfg, nodeID, logger)
		return bus, bus.Close, nil
	case config.EventBusNATS:
		natsCfg := eventbus.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Token = cfg.NATSToken
		bus, err := eventbus.NewNATSBus(natsCfg, nodeID, logger)
		if err != nil {
			return nil, nil, err
		}
		return bus, bus.Close, nil
	default:
		return events.NewBus(), func() error { return nil }, nil
	}
}

// nodeID names this process on the event bus.
func nodeID() string {
	if cfg.InstanceID != "" {
		return cfg.InstanceID
	}
	return eventbus.NewNodeID()
}

// newNotifier fans now playing out to live listeners and, when configured, a webhook.
func newNotifier(bus events.Publisher) notify.Notifier {
	notifiers := notify.Multi{notify.NewBusNotifier(bus)}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret, logger))
		logger.Info().Str("url", cfg.WebhookURL).Msg("now playing webhook enabled")
	}
	return notifiers
}

// newResolver builds the track resolver with its optional Redis cache.
func newResolver() (*resolver.Resolver, func() error) {
	trackCache := cache.Disabled(logger)
	if cfg.CacheEnabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.RedisAddr = cfg.RedisAddr
		cacheCfg.RedisPassword = cfg.RedisPassword
		cacheCfg.RedisDB = cfg.RedisDB
		cacheCfg.TrackTTL = cfg.TrackMetaTTL
		trackCache = cache.New(cacheCfg, logger)
	}
	catalog := resolver.NewHTTPCatalog(cfg.CatalogURL, cfg.CatalogTimeout)
	return resolver.New(catalog, trackCache, logger), trackCache.Close
}

// newPlayer returns the player for the stereo client.
func newPlayer(dryRun bool) (stereo.Player, error) {
	if dryRun {
		return stereo.NewLogPlayer(logger), nil
	}
	player, err := stereo.NewCommandPlayer(cfg.PlayerCommand, logger)
	if err != nil {
		return nil, fmt.Errorf("player: %w", err)
	}
	return player, nil
}
