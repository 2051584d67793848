// Package status publishes hub occupancy to the shared status store, where
// the admission service reads it to pace its queue.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds every status store write.
const DefaultTimeout = 5 * time.Second

// Store is the external status store.
type Store interface {
	SetCurrentUsers(ctx context.Context, currentUsers int) error
	SetCapacity(ctx context.Context, softCap, maxCap int) error
}

// Recorder receives occupancy and publish failures for metrics.
type Recorder interface {
	SetCurrentUsers(n int)
	RecordPublishError()
}

// Snapshot is the occupancy view written to the status store.
type Snapshot struct {
	CurrentUsers int `json:"current_users"`
	SoftCap      int `json:"soft_cap"`
	MaxCap       int `json:"max_cap"`
}

// ResolveCaps applies the capacity fallbacks: a missing soft cap falls back
// to the max cap (at least 1) and a missing max cap falls back to the soft cap.
func ResolveCaps(softCap, maxCap int) (int, int) {
	soft := softCap
	if soft <= 0 {
		soft = max(maxCap, 1)
	}
	hard := maxCap
	if hard <= 0 {
		hard = soft
	}
	return soft, hard
}

// Publisher writes occupancy snapshots. Capacity fields are rewritten only
// when they differ from the last successful write.
type Publisher struct {
	store    Store
	recorder Recorder
	logger   zerolog.Logger
	timeout  time.Duration

	softCap int
	maxCap  int

	mu            sync.Mutex
	capsPublished bool
	lastSoftCap   int
	lastMaxCap    int
}

// NewPublisher creates a publisher for the configured caps.
func NewPublisher(store Store, softCap, maxCap int, recorder Recorder, logger zerolog.Logger, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	soft, hard := ResolveCaps(softCap, maxCap)
	return &Publisher{
		store:    store,
		recorder: recorder,
		logger:   logger.With().Str("component", "status").Logger(),
		timeout:  timeout,
		softCap:  soft,
		maxCap:   hard,
	}
}

// Snapshot combines currentUsers with the configured caps.
func (p *Publisher) Snapshot(currentUsers int) Snapshot {
	return Snapshot{CurrentUsers: currentUsers, SoftCap: p.softCap, MaxCap: p.maxCap}
}

// Publish writes currentUsers, and the caps if they changed.
//
// Store failures are logged and swallowed. A cancelled ctx is returned.
func (p *Publisher) Publish(ctx context.Context, currentUsers int) error {
	return p.PublishCount(ctx, func() int { return currentUsers })
}

// PublishCount is Publish with the count read under the publisher's lock,
// so concurrent callers reach the store in the order they observed it.
func (p *Publisher) PublishCount(ctx context.Context, count func() int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	currentUsers := count()

	if p.recorder != nil {
		p.recorder.SetCurrentUsers(currentUsers)
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.store.SetCurrentUsers(writeCtx, currentUsers); err != nil {
		return p.failed(ctx, err, "current_users")
	}

	if p.capsPublished && p.lastSoftCap == p.softCap && p.lastMaxCap == p.maxCap {
		return nil
	}

	if err := p.store.SetCapacity(writeCtx, p.softCap, p.maxCap); err != nil {
		return p.failed(ctx, err, "capacity")
	}
	p.capsPublished = true
	p.lastSoftCap = p.softCap
	p.lastMaxCap = p.maxCap
	return nil
}

func (p *Publisher) failed(ctx context.Context, err error, field string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if p.recorder != nil {
		p.recorder.RecordPublishError()
	}
	p.logger.Warn().Err(err).Str("field", field).Msg("failed to publish server status")
	return nil
}

// Run republishes count() every interval until ctx is cancelled. It lets
// the status store converge after a missed write. A non-positive interval
// disables the loop.
func (p *Publisher) Run(ctx context.Context, interval time.Duration, count func() int) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.PublishCount(ctx, count); err != nil && ctx.Err() != nil {
				return nil
			}
		}
	}
}
