package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fiscalhub/fiscsync/types"
)

type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
	BreakerStopped
)

// Breaker trips after consecutive backend failures so a degraded server
// is not hammered by refetches. Disabled breakers permit everything.
type Breaker struct {
	config    *types.BreakerConfig
	logger    types.Logger
	state     atomic.Value
	failures  atomic.Int32
	successes atomic.Int32
	lastFail  atomic.Int64
	mu        sync.Mutex
}

func NewBreaker(config *types.BreakerConfig, logger types.Logger) *Breaker {
	if config == nil || !config.Enabled {
		b := &Breaker{
			config: &types.BreakerConfig{Enabled: false},
			logger: logger,
		}
		b.state.Store(BreakerStopped)
		return b
	}

	b := &Breaker{
		config: config,
		logger: logger,
	}
	b.state.Store(BreakerClosed)

	return b
}

func (b *Breaker) CanExecute() bool {
	if !b.config.Enabled {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.getState() {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if time.Since(time.Unix(b.lastFail.Load(), 0)) > b.config.RecoveryTimeout {
			b.toHalfOpen()
			return true
		}
		return false
	default:
		return false
	}
}

func (b *Breaker) RecordSuccess() {
	if !b.config.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.getState() {
	case BreakerClosed:
		b.failures.Store(0)
	case BreakerHalfOpen:
		if b.successes.Add(1) >= int32(b.config.HalfOpenRequests) {
			b.toClosed()
		}
	}
}

func (b *Breaker) RecordFailure() {
	if !b.config.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFail.Store(time.Now().Unix())

	switch b.getState() {
	case BreakerClosed:
		if b.failures.Add(1) >= int32(b.config.FailureThreshold) {
			b.toOpen()
		}
	case BreakerHalfOpen:
		b.toOpen()
	}
}

func (b *Breaker) StateString() string {
	if !b.config.Enabled {
		return "disabled"
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.getState() {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "stopped"
	}
}

func (b *Breaker) Stop() error {
	if !b.config.Enabled {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.getState() == BreakerStopped {
		return types.ErrServiceIsNotRunning
	}

	b.state.Store(BreakerStopped)
	return nil
}

func (b *Breaker) getState() BreakerState {
	if state := b.state.Load(); state != nil {
		return state.(BreakerState)
	}
	return BreakerClosed
}

func (b *Breaker) toClosed() {
	b.state.Store(BreakerClosed)
	b.failures.Store(0)
	b.successes.Store(0)
	b.lastFail.Store(0)
	b.logger.Info("Circuit breaker closed")
}

func (b *Breaker) toOpen() {
	b.state.Store(BreakerOpen)
	b.successes.Store(0)
	b.logger.Warn("Circuit breaker opened",
		zap.Int32("failures", b.failures.Load()),
		zap.Int("threshold", b.config.FailureThreshold))
}

func (b *Breaker) toHalfOpen() {
	b.state.Store(BreakerHalfOpen)
	b.successes.Store(0)
	b.logger.Info("Circuit breaker half-open")
}
