// Package dashboard pushes owner-scoped stream status snapshots to Redis so
// dashboards can follow jobs without polling the control API.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"livecast/internal/livestream"
	"livecast/internal/observability/logging"
	"livecast/internal/observability/metrics"
)

const (
	DefaultInterval  = time.Second
	DefaultTTL       = 5 * time.Second
	DefaultKeyPrefix = "livecast:status:"
)

// Source yields every job currently known to the manager.
type Source interface {
	SnapshotAll() []livestream.View
}

// Client is the subset of Redis the publisher needs.
type Client interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Close() error
}

// Config wires a Publisher.
type Config struct {
	Source    Source
	Client    Client
	Interval  time.Duration
	TTL       time.Duration
	KeyPrefix string
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Publisher periodically publishes each owner's status array to
// <prefix><owner> and stores it under the same key with a TTL. Owners whose
// last job disappeared receive one final empty array.
type Publisher struct {
	source   Source
	client   Client
	interval time.Duration
	ttl      time.Duration
	prefix   string
	logger   *slog.Logger
	metrics  *metrics.Recorder

	// owners published on the previous tick, only touched by the run loop
	known map[string]struct{}
}

// New validates cfg and builds a Publisher.
func New(cfg Config) (*Publisher, error) {
	if cfg.Source == nil || cfg.Client == nil {
		return nil, errors.New("dashboard: source and client are required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Publisher{
		source:   cfg.Source,
		client:   cfg.Client,
		interval: interval,
		ttl:      ttl,
		prefix:   prefix,
		logger:   logging.WithComponent(logger, "dashboard"),
		metrics:  recorder,
		known:    make(map[string]struct{}),
	}, nil
}

// Run publishes on every tick until ctx is cancelled. The client is closed
// on return.
func (p *Publisher) Run(ctx context.Context) error {
	defer func() {
		if err := p.client.Close(); err != nil {
			p.logger.Warn("failed to close dashboard client", "error", err)
		}
	}()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.publishOnce(ctx)
		}
	}
}

// publishOnce pushes one round of snapshots and returns the number of
// owners that failed.
func (p *Publisher) publishOnce(ctx context.Context) int {
	byOwner := make(map[string][]livestream.View)
	for _, view := range p.source.SnapshotAll() {
		byOwner[view.Owner] = append(byOwner[view.Owner], view)
	}
	for owner := range p.known {
		if _, ok := byOwner[owner]; !ok {
			byOwner[owner] = []livestream.View{}
		}
	}

	owners := make([]string, 0, len(byOwner))
	for owner := range byOwner {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	next := make(map[string]struct{}, len(owners))
	failures := 0
	for _, owner := range owners {
		views := byOwner[owner]
		err := p.publishOwner(ctx, owner, views)
		if err != nil {
			failures++
			p.metrics.DashboardPublishFailed()
			p.logger.Warn("failed to publish stream status", "owner_id", owner, "error", err)
		}
		// Keep owners whose final empty push failed so it is retried.
		if len(views) > 0 || err != nil {
			next[owner] = struct{}{}
		}
	}
	p.known = next
	return failures
}

func (p *Publisher) publishOwner(ctx context.Context, owner string, views []livestream.View) error {
	payload, err := json.Marshal(views)
	if err != nil {
		return fmt.Errorf("%w: encode status: %w", livestream.ErrParse, err)
	}
	key := p.prefix + owner
	if err := p.client.Publish(ctx, key, payload); err != nil {
		return fmt.Errorf("%w: publish %s: %w", livestream.ErrIO, key, err)
	}
	if err := p.client.Set(ctx, key, payload, p.ttl); err != nil {
		return fmt.Errorf("%w: set %s: %w", livestream.ErrIO, key, err)
	}
	return nil
}
