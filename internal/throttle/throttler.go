// Package throttle gates outbound EDGAR requests. It enforces a minimum
// interval between requests and turns upstream 429 responses into a
// time-boxed full stop whose length escalates on consecutive violations.
//
// A Throttler is owned by the worker that builds it; there is no package
// state. All timing goes through an injected ingest.Clock so tests can drive
// it deterministically.
package throttle

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/se7ensam/orion-AI/internal/ingest"
	"github.com/se7ensam/orion-AI/internal/metrics"
)

// State is the observable throttler state.
type State int

const (
	// StateReady means a request may be issued immediately.
	StateReady State = iota
	// StateWaiting means the minimum interval has not yet elapsed.
	StateWaiting
	// StateBlocked means a rate-limit block is in effect.
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateWaiting:
		return "WAITING"
	case StateBlocked:
		return "BLOCKED"
	default:
		return "UNKNOWN"
	}
}

// Config controls pacing and block lengths.
type Config struct {
	MinInterval      time.Duration
	BlockDuration    time.Duration
	EscalationFactor float64
	MaxBlockDuration time.Duration
}

// DefaultConfig matches the EDGAR fair-access limit of ten requests per second.
func DefaultConfig() Config {
	return Config{
		MinInterval:      100 * time.Millisecond,
		BlockDuration:    10 * time.Minute,
		EscalationFactor: 2,
		MaxBlockDuration: time.Hour,
	}
}

// Coordinator shares block expiries between processes.
type Coordinator interface {
	Block(ctx context.Context, until time.Time) error
	BlockedUntil(ctx context.Context) (time.Time, error)
}

// Option customizes a Throttler.
type Option func(*Throttler)

// WithCoordinator shares blocks through c.
func WithCoordinator(c Coordinator) Option {
	return func(t *Throttler) { t.coord = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Throttler) {
		if l != nil {
			t.logger = l
		}
	}
}

const coordinatorTimeout = 2 * time.Second

// Throttler paces requests and enforces rate-limit blocks.
type Throttler struct {
	cfg     Config
	clock   ingest.Clock
	limiter *rate.Limiter
	coord   Coordinator
	logger  *zap.Logger

	mu           sync.Mutex
	nextSlot     time.Time
	blockedUntil time.Time
	violations   int
}

// New builds a Throttler. Zero config fields fall back to DefaultConfig.
func New(cfg Config, clock ingest.Clock, opts ...Option) *Throttler {
	def := DefaultConfig()
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = def.BlockDuration
	}
	if cfg.EscalationFactor < 1 {
		cfg.EscalationFactor = def.EscalationFactor
	}
	if cfg.MaxBlockDuration <= 0 {
		cfg.MaxBlockDuration = def.MaxBlockDuration
	}
	if cfg.MaxBlockDuration < cfg.BlockDuration {
		cfg.MaxBlockDuration = cfg.BlockDuration
	}
	t := &Throttler{
		cfg:     cfg,
		clock:   clock,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	metrics.Init()
	return t
}

// CanRequest blocks until a request may be issued and reserves the slot. It
// never fails: an active block is slept through, then the minimum interval
// since the previous grant is honoured.
func (t *Throttler) CanRequest() {
	for {
		until := t.syncBlock()
		now := t.clock.Now()
		if !now.Before(until) {
			break
		}
		wait := until.Sub(now)
		t.logger.Info("rate-limit block in effect, waiting",
			zap.Time("blocked_until", until),
			zap.Duration("delay", wait),
		)
		metrics.ObserveThrottleWait("block", wait)
		t.clock.Sleep(wait)
	}

	t.mu.Lock()
	now := t.clock.Now()
	delay := t.limiter.ReserveN(now, 1).DelayFrom(now)
	t.nextSlot = now.Add(delay).Add(t.cfg.MinInterval)
	t.mu.Unlock()

	if delay > 0 {
		metrics.ObserveThrottleWait("interval", delay)
		t.clock.Sleep(delay)
	}
}

// HandleRateLimitError records a 429 and enters (or extends) a block. It
// returns the length of the block applied.
func (t *Throttler) HandleRateLimitError() time.Duration {
	t.mu.Lock()
	t.violations++
	d := t.blockFor(t.violations)
	until := t.clock.Now().Add(d)
	if until.After(t.blockedUntil) {
		t.blockedUntil = until
	}
	until = t.blockedUntil
	violations := t.violations
	t.mu.Unlock()

	metrics.ObserveRateLimitBlock()
	t.logger.Warn("upstream rate limit hit, blocking requests",
		zap.Duration("block", d),
		zap.Time("blocked_until", until),
		zap.Int("consecutive_violations", violations),
	)

	if t.coord != nil {
		ctx, cancel := context.WithTimeout(context.Background(), coordinatorTimeout)
		defer cancel()
		if err := t.coord.Block(ctx, until); err != nil {
			t.logger.Warn("share rate-limit block failed", zap.Error(err))
		}
	}
	return d
}

// RecordSuccess resets the consecutive violation counter.
func (t *Throttler) RecordSuccess() {
	t.mu.Lock()
	t.violations = 0
	t.mu.Unlock()
}

// IsBlocked reports whether a locally known block is in effect.
func (t *Throttler) IsBlocked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clock.Now().Before(t.blockedUntil)
}

// CheckBlocked merges the coordinator's shared expiry into local state, then
// reports whether a block is in effect. Unlike IsBlocked it sees blocks
// started by peer workers.
func (t *Throttler) CheckBlocked() bool {
	until := t.syncBlock()
	return t.clock.Now().Before(until)
}

// BlockedUntil returns the current block expiry, zero if never blocked.
func (t *Throttler) BlockedUntil() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blockedUntil
}

// Violations returns the consecutive violation count.
func (t *Throttler) Violations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.violations
}

// State reports READY, WAITING or BLOCKED.
func (t *Throttler) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	switch {
	case now.Before(t.blockedUntil):
		return StateBlocked
	case now.Before(t.nextSlot):
		return StateWaiting
	default:
		return StateReady
	}
}

// blockFor returns BlockDuration * factor^(n-1), capped at MaxBlockDuration.
func (t *Throttler) blockFor(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	scaled := float64(t.cfg.BlockDuration) * math.Pow(t.cfg.EscalationFactor, float64(n-1))
	if scaled > float64(t.cfg.MaxBlockDuration) || math.IsInf(scaled, 1) {
		return t.cfg.MaxBlockDuration
	}
	return time.Duration(scaled)
}

// syncBlock merges the coordinator's expiry into local state and returns it.
func (t *Throttler) syncBlock() time.Time {
	if t.coord != nil {
		ctx, cancel := context.WithTimeout(context.Background(), coordinatorTimeout)
		remote, err := t.coord.BlockedUntil(ctx)
		cancel()
		if err != nil {
			t.logger.Warn("read shared rate-limit block failed", zap.Error(err))
		} else {
			t.mu.Lock()
			if remote.After(t.blockedUntil) {
				t.blockedUntil = remote
			}
			t.mu.Unlock()
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blockedUntil
}
