package broadcaster

import (
	"context"
	"errors"
	"sync"

	"github.com/friendsincode/nmstereo/internal/broker"
	"github.com/rs/zerolog"
)

// Election reports leadership of this instance.
type Election interface {
	Start(ctx context.Context) error
	Stop() error
	IsLeader() bool
	LeaderCh() <-chan bool
}

// LeaderAware runs a broadcaster term only while this instance is the leader,
// so that a single actor owns the queue across replicas.
type LeaderAware struct {
	run      func(ctx context.Context) error
	election Election
	logger   zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running chan struct{}
	fatal   chan error
}

// NewLeaderAware wraps run, typically Term.Run.
func NewLeaderAware(run func(ctx context.Context) error, election Election, logger zerolog.Logger) *LeaderAware {
	return &LeaderAware{
		run:      run,
		election: election,
		logger:   logger.With().Str("component", "leader_aware_broadcaster").Logger(),
		fatal:    make(chan error, 1),
	}
}

// Start begins monitoring leadership.
func (la *LeaderAware) Start(ctx context.Context) error {
	la.ctx = ctx
	la.logger.Info().Msg("starting leader-aware broadcaster")

	if err := la.election.Start(ctx); err != nil {
		return err
	}
	go la.monitorLeadership()
	return nil
}

// Fatal delivers the error of a term that ended on its own, such as a broker disconnect.
func (la *LeaderAware) Fatal() <-chan error {
	return la.fatal
}

// Stop ends the running term and releases leadership.
func (la *LeaderAware) Stop() error {
	la.logger.Info().Msg("stopping leader-aware broadcaster")
	la.stopTerm()
	return la.election.Stop()
}

// IsLeader returns whether this instance is the leader.
func (la *LeaderAware) IsLeader() bool {
	return la.election.IsLeader()
}

func (la *LeaderAware) monitorLeadership() {
	leaderCh := la.election.LeaderCh()

	if la.election.IsLeader() {
		la.startTerm()
	}

	for {
		select {
		case <-la.ctx.Done():
			la.stopTerm()
			return
		case isLeader := <-leaderCh:
			if isLeader {
				la.logger.Info().Msg("became leader, starting broadcaster")
				la.startTerm()
			} else {
				la.logger.Warn().Msg("lost leadership, stopping broadcaster")
				la.stopTerm()
			}
		}
	}
}

func (la *LeaderAware) startTerm() {
	la.mu.Lock()
	defer la.mu.Unlock()
	if la.running != nil {
		return
	}

	ctx, cancel := context.WithCancel(la.ctx)
	done := make(chan struct{})
	la.cancel = cancel
	la.running = done

	go func() {
		defer close(done)
		err := la.run(ctx)
		switch {
		case err == nil || errors.Is(err, context.Canceled):
		case errors.Is(err, broker.ErrClosed):
			la.report(err)
		default:
			la.logger.Error().Err(err).Msg("broadcaster term failed")
			la.report(err)
		}
		la.mu.Lock()
		if la.running == done {
			la.running = nil
			la.cancel = nil
		}
		la.mu.Unlock()
	}()
}

// stopTerm cancels the running term and waits for it to release its consumers.
func (la *LeaderAware) stopTerm() {
	la.mu.Lock()
	cancel, done := la.cancel, la.running
	la.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (la *LeaderAware) report(err error) {
	select {
	case la.fatal <- err:
	default:
	}
}
