// Package retry runs operations under a bounded exponential backoff that
// only retries failures classified as retryable.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Class is the retry classification of an error.
type Class int

const (
	Retryable Class = iota
	Fatal
)

func (c Class) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "retryable"
}

// Classifier maps an error to a Class.
type Classifier func(error) Class

// DefaultClassifier treats context cancellation as fatal and everything
// else as retryable.
func DefaultClassifier(err error) Class {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Fatal
	}
	return Retryable
}

// Observer is notified about every failed attempt.
type Observer interface {
	OnRetry(op string, attempt int, class Class, delay time.Duration)
}

type Policy struct {
	Name        string
	MaxAttempts int
	// Base is the multiplier of the exponential term. The delay before
	// attempt n+1 is Base*2^(n-1), clamped to [MinDelay, MaxDelay].
	Base     time.Duration
	MinDelay time.Duration
	MaxDelay time.Duration
	Classify Classifier
	Observer Observer
	Logger   *slog.Logger
	// Sleep replaces the wall-clock wait between attempts when set.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy mirrors the pipeline defaults: 3 attempts, delays clamped
// to 4s..10s.
func DefaultPolicy() *Policy {
	return &Policy{
		Name:        "default",
		MaxAttempts: 3,
		Base:        time.Second,
		MinDelay:    4 * time.Second,
		MaxDelay:    10 * time.Second,
	}
}

// State records one Do call.
type State struct {
	Attempts  int
	LastClass Class
	LastErr   error
	NextDelay time.Duration
	Delays    []time.Duration
}

// schedule builds the backoff for one Do call: Base*2^(n-1) without
// jitter, clamped to [MinDelay, MaxDelay].
func (p *Policy) schedule() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Base
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	if p.MaxDelay > 0 {
		exp.MaxInterval = p.MaxDelay
	}
	exp.Reset()
	return &floorBackOff{BackOff: exp, min: p.MinDelay}
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.schedule()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Do calls fn until it succeeds, fails fatally, or attempts run out. The
// last error is returned on failure.
func Do[T any](ctx context.Context, p *Policy, fn func(context.Context) (T, error)) (T, State, error) {
	if p == nil {
		p = DefaultPolicy()
	}
	classify := p.Classify
	if classify == nil {
		classify = DefaultClassifier
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var state State

	operation := func() (T, error) {
		state.Attempts++
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		state.LastErr = err
		state.LastClass = classify(err)
		if state.LastClass == Fatal {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	notify := func(err error, delay time.Duration) {
		state.NextDelay = delay
		state.Delays = append(state.Delays, delay)
		if p.Observer != nil {
			p.Observer.OnRetry(p.Name, state.Attempts, state.LastClass, delay)
		}
		logger.Info("retrying operation",
			"op", p.Name,
			"attempt", state.Attempts,
			"delay", delay,
			"error", err)
	}

	var timer backoff.Timer
	if p.Sleep != nil {
		timer = &sleepTimer{ctx: ctx, sleep: p.Sleep}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.schedule(), uint64(maxAttempts-1)), ctx)
	result, err := backoff.RetryNotifyWithTimerAndData(operation, b, notify, timer)
	state.NextDelay = 0
	if err == nil {
		return result, state, nil
	}

	var zero T
	if state.LastClass == Fatal {
		logger.Warn("operation failed fatally",
			"op", p.Name,
			"attempt", state.Attempts,
			"error", err)
	} else {
		logger.Warn("operation failed after retries",
			"op", p.Name,
			"attempts", state.Attempts,
			"error", err)
	}
	return zero, state, err
}

// floorBackOff raises every delay to at least min.
type floorBackOff struct {
	backoff.BackOff
	min time.Duration
}

func (f *floorBackOff) NextBackOff() time.Duration {
	d := f.BackOff.NextBackOff()
	if d != backoff.Stop && d < f.min {
		return f.min
	}
	return d
}

// sleepTimer runs Policy.Sleep in place of a wall-clock timer and fires
// once it returns.
type sleepTimer struct {
	ctx   context.Context
	sleep func(context.Context, time.Duration) error
	c     chan time.Time
}

func (t *sleepTimer) Start(d time.Duration) {
	t.c = make(chan time.Time, 1)
	_ = t.sleep(t.ctx, d)
	t.c <- time.Now()
}

func (t *sleepTimer) Stop() {}

func (t *sleepTimer) C() <-chan time.Time {
	return t.c
}
