package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jsherman999/domwatch/internal/connection"
	"github.com/jsherman999/domwatch/internal/store"
)

const (
	defaultPoll        = 500 * time.Millisecond
	defaultMaxAttempts = 5
	pruneEvery         = 10 * time.Minute
	pruneAge           = time.Hour
)

// ChangeQueue is the outbox side of the store.
type ChangeQueue interface {
	ClaimNextChange(ctx context.Context) (*store.Change, error)
	FinishChange(ctx context.Context, id int64, jobErr error, retry bool) error
	PruneChanges(ctx context.Context, age time.Duration) (int64, error)
}

// Relay drains the change outbox into a transport.
type Relay struct {
	q           ChangeQueue
	pub         connection.Publisher
	poll        time.Duration
	maxAttempts int
	logger      *zap.Logger
}

func NewRelay(q ChangeQueue, pub connection.Publisher, poll time.Duration, logger *zap.Logger) *Relay {
	if poll <= 0 {
		poll = defaultPoll
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{q: q, pub: pub, poll: poll, maxAttempts: defaultMaxAttempts, logger: logger.With(zap.String("component", "relay"))}
}

// Run relays until ctx is cancelled. It drains everything queued before
// sleeping for the poll interval.
func (r *Relay) Run(ctx context.Context) error {
	lastPrune := time.Now()
	for {
		worked, err := r.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.logger.Warn("relay step failed", zap.Error(err))
		}
		if worked {
			continue
		}

		if time.Since(lastPrune) > pruneEvery {
			lastPrune = time.Now()
			if n, err := r.q.PruneChanges(ctx, pruneAge); err != nil {
				r.logger.Warn("prune failed", zap.Error(err))
			} else if n > 0 {
				r.logger.Debug("pruned changes", zap.Int64("count", n))
			}
		}

		t := time.NewTimer(r.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// RunOnce relays at most one change and reports whether one was published.
// A failed publish is requeued until maxAttempts, so Run backs off instead of
// spinning on it.
func (r *Relay) RunOnce(ctx context.Context) (bool, error) {
	c, err := r.q.ClaimNextChange(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	pubErr := r.pub.Publish(ctx, c.Event)
	retry := pubErr != nil && c.Attempts < r.maxAttempts
	if pubErr != nil {
		r.logger.Warn("publish failed",
			zap.Int64("change", c.ID),
			zap.String("module", c.Module),
			zap.Int("attempt", c.Attempts),
			zap.Bool("retry", retry),
			zap.Error(pubErr))
	} else {
		r.logger.Debug("relayed change", zap.Int64("change", c.ID), zap.String("module", c.Module))
	}
	if err := r.q.FinishChange(ctx, c.ID, pubErr, retry); err != nil {
		return false, err
	}
	return pubErr == nil, nil
}
