package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quotewatch/internal/quote"
	"quotewatch/internal/schedule"
	"quotewatch/internal/source"
)

// UpdateError is the single typed failure published per cycle. Reason is a
// short machine-checkable string (see source.Reason), Status the upstream
// HTTP status when one was seen.
type UpdateError struct {
	Reason string
	Status int
	Err    error
}

func (e *UpdateError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("update failed (%s, status %d): %v", e.Reason, e.Status, e.Err)
	}
	return fmt.Sprintf("update failed (%s): %v", e.Reason, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// Update is what subscribers receive after every cycle: exactly one of
// Record and Err is set.
type Update struct {
	Record *quote.Record
	Err    *UpdateError
	At     time.Time
}

// Intervals is the trade/non-trade refresh pair from config. The effective
// interval is always one of the two, never interpolated.
type Intervals struct {
	Trade    time.Duration
	NonTrade time.Duration
}

type Config struct {
	Instrument source.Instrument
	Source     source.Source
	Intervals  Intervals
	Hours      schedule.Table

	// FetchTimeout bounds every cycle's network work. Defaults to 10s.
	FetchTimeout time.Duration
	Logger       zerolog.Logger
	// OnUpdate, when set, is invoked synchronously after every cycle.
	OnUpdate func(Update)
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Coordinator owns one instrument's poll loop: it applies the schedule
// policy each cycle, invokes the source, recovers any failure into an
// UpdateError and retains only the most recent record.
type Coordinator struct {
	cfg Config
	log zerolog.Logger

	mu        sync.RWMutex
	latest    *quote.Record
	lastErr   *UpdateError
	applied   time.Duration
	backoff   time.Duration
	refreshCh chan struct{}
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Source == nil {
		return nil, errors.New("coordinator: nil source")
	}
	if cfg.Instrument.Symbol == "" {
		return nil, errors.New("coordinator: empty instrument symbol")
	}
	if cfg.Intervals.Trade <= 0 || cfg.Intervals.NonTrade <= 0 {
		return nil, errors.New("coordinator: both refresh intervals must be positive")
	}
	if err := cfg.Hours.Validate(); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger.With().
		Str("source", cfg.Source.Name()).
		Str("symbol", cfg.Instrument.Symbol).
		Logger()
	return &Coordinator{cfg: cfg, log: log, refreshCh: make(chan struct{}, 1)}, nil
}

// Start performs one immediate fetch synchronously (initialization is not
// complete until the first refresh resolves), then launches the periodic
// loop. The returned error reports the first cycle's typed failure; the
// loop runs regardless.
func (c *Coordinator) Start(ctx context.Context) error {
	first := c.cycle(ctx)
	go c.run(ctx)
	if first != nil {
		return first
	}
	return nil
}

// RefreshNow queues an out-of-band fetch, used when options change. If a
// cycle is already running it fires at the next opportunity; the timer is
// re-armed afterwards.
func (c *Coordinator) RefreshNow() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// Latest returns the last successfully published record, or false if no
// fetch has succeeded yet.
func (c *Coordinator) Latest() (*quote.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest, c.latest != nil
}

// LastError returns the most recent cycle failure, nil after a success.
func (c *Coordinator) LastError() *UpdateError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Interval reports the currently applied refresh interval.
func (c *Coordinator) Interval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.applied
}

func (c *Coordinator) run(ctx context.Context) {
	for {
		timer := time.NewTimer(c.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.refreshCh:
			timer.Stop()
		case <-timer.C:
		}
		c.cycle(ctx)
	}
}

// nextDelay recomputes the effective interval via the schedule policy.
// A changed interval is reprogrammed here, between cycles, so an in-flight
// cycle is never affected. A pending rate-limit hint can stretch the
// single next tick but never mutates the interval state.
func (c *Coordinator) nextDelay() time.Duration {
	interval := schedule.IntervalFor(
		c.cfg.Now(),
		c.cfg.Instrument.HoursKey,
		c.cfg.Intervals.Trade,
		c.cfg.Intervals.NonTrade,
		c.cfg.Hours,
	)

	c.mu.Lock()
	if interval != c.applied {
		c.log.Info().
			Dur("old", c.applied).
			Dur("new", interval).
			Msg("refresh interval reprogrammed")
		c.applied = interval
	}
	delay := interval
	if c.backoff > delay {
		delay = c.backoff
	}
	c.backoff = 0
	c.mu.Unlock()
	return delay
}

// cycle runs one fetch to completion. Every adapter error is recovered
// here; the loop never crashes and keeps its cadence.
func (c *Coordinator) cycle(ctx context.Context) *UpdateError {
	fctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	rec, err := c.cfg.Source.Fetch(fctx, c.cfg.Instrument)
	cancel()
	at := c.cfg.Now()

	if err != nil {
		uerr := &UpdateError{
			Reason: source.Reason(err),
			Status: source.StatusOf(err),
			Err:    err,
		}
		c.mu.Lock()
		c.lastErr = uerr
		if hint, ok := source.RetryAfterHint(err); ok {
			c.backoff = hint
		}
		c.mu.Unlock()

		c.log.Error().
			Str("reason", uerr.Reason).
			Int("status", uerr.Status).
			Err(err).
			Msg("refresh failed")
		c.notify(Update{Err: uerr, At: at})
		return uerr
	}

	rec.Timestamp = at
	c.mu.Lock()
	c.latest = rec
	c.lastErr = nil
	c.mu.Unlock()

	c.log.Debug().
		Float64("price", rec.Price).
		Str("currency", rec.Currency).
		Msg("refresh ok")
	c.notify(Update{Record: rec, At: at})
	return nil
}

func (c *Coordinator) notify(u Update) {
	if c.cfg.OnUpdate != nil {
		c.cfg.OnUpdate(u)
	}
}
