package uniswap

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// ErrRateLimitExceeded is returned once every retry of a rate limited call failed.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

const (
	DefaultMaxRetries    = 3
	DefaultBackoffFactor = 2.0
)

// ContractCaller is the subset of ethclient.Client the reader needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Limiter enforces a minimum delay between the starts of consecutive calls.
// One Limiter is one lane: every call sharing it is spaced by delay.
type Limiter struct {
	delay time.Duration

	mu       sync.Mutex
	lastCall time.Time
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a limiter. A zero delay disables waiting.
func NewLimiter(delay time.Duration) *Limiter {
	return &Limiter{
		delay: delay,
		now:   time.Now,
		sleep: sleepContext,
	}
}

// Delay returns the configured spacing.
func (l *Limiter) Delay() time.Duration {
	return l.delay
}

// Wait blocks until the next call may start and records its start time.
// The lock is held while sleeping so that concurrent callers queue up.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elapsed := l.now().Sub(l.lastCall); elapsed < l.delay {
		if err := l.sleep(ctx, l.delay-elapsed); err != nil {
			return err
		}
	}

	l.lastCall = l.now()
	return nil
}

// ReaderConfig tunes the retry policy of a Reader.
type ReaderConfig struct {
	MaxRetries    int
	BackoffFactor float64
}

// Reader issues read-only contract calls through a Limiter and retries
// calls rejected by the node's rate limiter.
type Reader struct {
	caller        ContractCaller
	limiter       *Limiter
	maxRetries    int
	backoffFactor float64
	logger        *zap.SugaredLogger
	sleep         func(ctx context.Context, d time.Duration) error
}

// NewReader creates a Reader. Zero config values fall back to the defaults.
func NewReader(caller ContractCaller, limiter *Limiter, cfg ReaderConfig, logger *zap.SugaredLogger) *Reader {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = DefaultBackoffFactor
	}
	if limiter == nil {
		limiter = NewLimiter(0)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Reader{
		caller:        caller,
		limiter:       limiter,
		maxRetries:    cfg.MaxRetries,
		backoffFactor: cfg.BackoffFactor,
		logger:        logger,
		sleep:         sleepContext,
	}
}

// Do runs fn after the limiter allows it. Rate limit failures are retried
// with exponential backoff, any other error is returned as is.
func (r *Reader) Do(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRateLimitError(err) {
			return err
		}
		if attempt == r.maxRetries-1 {
			return fmt.Errorf("%w after %d attempts: %v", ErrRateLimitExceeded, r.maxRetries, err)
		}

		wait := time.Duration(float64(r.limiter.Delay()) * math.Pow(r.backoffFactor, float64(attempt)))
		r.logger.Warnw("Rate limit reached, backing off", "attempt", attempt+1, "wait", wait)
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w: no attempts made", ErrRateLimitExceeded)
}

// CallContract packs method with args, performs an eth_call against
// contract and returns the unpacked outputs.
func (r *Reader) CallContract(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	var resp []byte
	err = r.Do(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = r.caller.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("unpack %s: empty result", method)
	}
	return values, nil
}

// IsRateLimitError reports whether err is the node rejecting a call with
// HTTP 429 / Too Many Requests.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "Too Many Requests")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
