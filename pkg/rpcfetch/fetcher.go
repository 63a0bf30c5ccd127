package rpcfetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/fortiblox/svmsim/pkg/svm/programs/bpfloader"
)

// Default configuration values.
const (
	// DefaultRequestTimeout is the default timeout for RPC requests.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultBatchSize is the number of keys per getMultipleAccounts call.
	DefaultBatchSize = MaxMultipleAccounts

	// DefaultConcurrency is the number of batches in flight.
	DefaultConcurrency = 4

	// DefaultRequestDelay spaces out batch requests for rate-limited
	// public endpoints.
	DefaultRequestDelay = 100 * time.Millisecond

	// DefaultMaxRetries is the default number of retries for failed requests.
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the initial delay between retries.
	DefaultRetryDelay = 200 * time.Millisecond

	// DefaultMaxRetryDelay is the maximum delay between retries.
	DefaultMaxRetryDelay = 5 * time.Second
)

// Config holds configuration for the SnapshotFetcher.
type Config struct {
	// RequestTimeout is the timeout for individual RPC requests.
	RequestTimeout time.Duration

	// Commitment is the commitment level of account queries.
	Commitment string

	// BatchSize is the number of keys per request, at most
	// MaxMultipleAccounts.
	BatchSize int

	// Concurrency is the number of requests in flight.
	Concurrency int

	// RequestDelay is the pause between starting two requests. Negative
	// disables it.
	RequestDelay time.Duration

	// MaxRetries is the number of retries for failed requests.
	MaxRetries int

	// RetryDelay is the initial delay between retries.
	RetryDelay time.Duration

	// MaxRetryDelay is the maximum delay between retries.
	MaxRetryDelay time.Duration

	// FollowProgramData also fetches the programdata account of every
	// upgradeable program fetched.
	FollowProgramData bool

	// Logger receives progress output (default: slog.Default()).
	Logger *slog.Logger
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:    DefaultRequestTimeout,
		Commitment:        "confirmed",
		BatchSize:         DefaultBatchSize,
		Concurrency:       DefaultConcurrency,
		RequestDelay:      DefaultRequestDelay,
		MaxRetries:        DefaultMaxRetries,
		RetryDelay:        DefaultRetryDelay,
		MaxRetryDelay:     DefaultMaxRetryDelay,
		FollowProgramData: true,
	}
}

// WithDefaults applies default values for any unset fields.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.Commitment == "" {
		c.Commitment = defaults.Commitment
	}
	if c.BatchSize <= 0 || c.BatchSize > MaxMultipleAccounts {
		c.BatchSize = defaults.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.RequestDelay == 0 {
		c.RequestDelay = defaults.RequestDelay
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaults.RetryDelay
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = defaults.MaxRetryDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	return c
}

// SnapshotFetcher pulls account states from RPC endpoints into a snapshot.
type SnapshotFetcher struct {
	config Config
	client *RPCClient
}

// NewSnapshotFetcher creates a fetcher over pool.
func NewSnapshotFetcher(pool Pool, config Config) (*SnapshotFetcher, error) {
	config = config.WithDefaults()

	if pool == nil {
		return nil, ErrNoEndpoints
	}

	client := NewRPCClient(pool, config.RequestTimeout)
	client.SetCommitment(config.Commitment)

	return &SnapshotFetcher{config: config, client: client}, nil
}

// Client returns the underlying RPC client.
func (f *SnapshotFetcher) Client() *RPCClient { return f.client }

// Fetch returns the accounts at keys in request order, followed by the
// programdata accounts they pull in. Duplicate keys are fetched once and
// missing accounts are skipped.
func (f *SnapshotFetcher) Fetch(ctx context.Context, keys []types.Pubkey) ([]accounts.KeyedAccount, error) {
	start := time.Now()
	keys = dedupe(keys)

	out, err := f.fetchAll(ctx, keys)
	if err != nil {
		return nil, err
	}

	if f.config.FollowProgramData {
		seen := make(map[types.Pubkey]bool, len(keys))
		for _, k := range keys {
			seen[k] = true
		}
		var extra []types.Pubkey
		for _, ka := range out {
			if !ka.Account.Executable || ka.Account.Owner != types.BPFLoaderUpgradeableAddr {
				continue
			}
			pd, err := bpfloader.ProgramDataAddress(ka.Account.Data)
			if err != nil {
				f.config.Logger.Warn("program without programdata address", "program", ka.Pubkey.String(), "err", err)
				continue
			}
			if !seen[pd] {
				seen[pd] = true
				extra = append(extra, pd)
			}
		}
		if len(extra) > 0 {
			more, err := f.fetchAll(ctx, extra)
			if err != nil {
				return nil, err
			}
			out = append(out, more...)
		}
	}

	f.config.Logger.Info("accounts fetched",
		"requested", len(keys),
		"accounts", len(out),
		"elapsed", time.Since(start))
	return out, nil
}

// fetchAll fetches keys in batches, keeping key order.
func (f *SnapshotFetcher) fetchAll(ctx context.Context, keys []types.Pubkey) ([]accounts.KeyedAccount, error) {
	var batches [][]types.Pubkey
	for i := 0; i < len(keys); i += f.config.BatchSize {
		batches = append(batches, keys[i:min(i+f.config.BatchSize, len(keys))])
	}
	results := make([][]*accounts.Account, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.config.Concurrency)

	var pace sync.Mutex
	var last time.Time
	for i, batch := range batches {
		g.Go(func() error {
			if err := f.wait(gctx, &pace, &last); err != nil {
				return err
			}
			accts, err := f.fetchBatchWithRetry(gctx, batch)
			if err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
			results[i] = accts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]accounts.KeyedAccount, 0, len(keys))
	for i, batch := range batches {
		for j, key := range batch {
			acc := results[i][j]
			if acc == nil {
				f.config.Logger.Warn("account not found", "account", key.String())
				continue
			}
			out = append(out, accounts.KeyedAccount{Pubkey: key, Account: acc})
		}
	}
	return out, nil
}

// wait enforces RequestDelay between request starts across workers.
func (f *SnapshotFetcher) wait(ctx context.Context, pace *sync.Mutex, last *time.Time) error {
	if f.config.RequestDelay <= 0 {
		return ctx.Err()
	}
	pace.Lock()
	defer pace.Unlock()

	if !last.IsZero() {
		if d := f.config.RequestDelay - time.Since(*last); d > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
		}
	}
	*last = time.Now()
	return ctx.Err()
}

// fetchBatchWithRetry fetches one batch with exponential backoff.
func (f *SnapshotFetcher) fetchBatchWithRetry(ctx context.Context, batch []types.Pubkey) ([]*accounts.Account, error) {
	var lastErr error
	delay := f.config.RetryDelay

	for attempt := 0; attempt <= f.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		accts, slot, err := f.client.GetMultipleAccounts(ctx, batch)
		if err == nil {
			f.config.Logger.Debug("batch fetched", "accounts", len(batch), "slot", slot)
			return accts, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err

		if attempt < f.config.MaxRetries {
			f.config.Logger.Debug("retrying batch", "attempt", attempt+1, "delay", delay, "err", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, f.config.MaxRetryDelay)
		}
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", f.config.MaxRetries+1, lastErr)
}

// dedupe drops repeated keys, keeping first occurrences.
func dedupe(keys []types.Pubkey) []types.Pubkey {
	seen := make(map[types.Pubkey]bool, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
