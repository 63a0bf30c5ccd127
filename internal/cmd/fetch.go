package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/fortiblox/svmsim/pkg/rpcfetch"
	"github.com/fortiblox/svmsim/pkg/rpcpool"
)

type fetchOptions struct {
	*globalOptions

	rpc            []string
	out            string
	commitment     string
	batchSize      int
	concurrency    int
	maxRetries     int
	requestDelay   time.Duration
	requestTimeout time.Duration
	noProgramData  bool
	maxSlotLag     int
}

func newFetchCommand(g *globalOptions) *cobra.Command {
	opts := &fetchOptions{globalOptions: g}
	defaults := rpcfetch.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "fetch <pubkey>...",
		Short: "Fetch accounts from RPC nodes into a snapshot file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.applyFile(cmd); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return opts.run(ctx, args)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&opts.rpc, "rpc", nil, "RPC endpoint URLs, comma separated")
	flags.StringVarP(&opts.out, "out", "o", "accounts.json", "Snapshot file to write (.zst compresses)")
	flags.StringVar(&opts.commitment, "commitment", defaults.Commitment, "Commitment level: processed, confirmed, finalized")
	flags.IntVar(&opts.batchSize, "batch-size", defaults.BatchSize, "Accounts per getMultipleAccounts call")
	flags.IntVar(&opts.concurrency, "concurrency", defaults.Concurrency, "Batches in flight")
	flags.IntVar(&opts.maxRetries, "max-retries", defaults.MaxRetries, "Retries per batch")
	flags.DurationVar(&opts.requestDelay, "request-delay", defaults.RequestDelay, "Minimum spacing between requests")
	flags.DurationVar(&opts.requestTimeout, "request-timeout", defaults.RequestTimeout, "Per-request timeout")
	flags.BoolVar(&opts.noProgramData, "no-programdata", false, "Do not follow upgradeable programs to their programdata accounts")
	flags.IntVar(&opts.maxSlotLag, "max-slot-lag", int(rpcpool.DefaultSlotThreshold), "With several endpoints, skip those this many slots behind the freshest (0 disables)")
	return cmd
}

func (o *fetchOptions) applyFile(cmd *cobra.Command) error {
	flags := cmd.Flags()
	fc := o.file.Fetch
	overrideStrings(flags, "rpc", &o.rpc, fc.RPC)
	overrideString(flags, "commitment", &o.commitment, fc.Commitment)
	overrideInt(flags, "batch-size", &o.batchSize, fc.BatchSize)
	overrideInt(flags, "concurrency", &o.concurrency, fc.Concurrency)
	overrideInt(flags, "max-retries", &o.maxRetries, fc.MaxRetries)
	overrideInt(flags, "max-slot-lag", &o.maxSlotLag, fc.MaxSlotLag)
	if err := overrideDuration(flags, "request-delay", &o.requestDelay, fc.RequestDelayRaw); err != nil {
		return err
	}
	return overrideDuration(flags, "request-timeout", &o.requestTimeout, fc.RequestTimeoutRaw)
}

func (o *fetchOptions) run(ctx context.Context, args []string) error {
	if len(o.rpc) == 0 {
		return errors.New("--rpc is required")
	}
	keys, err := parsePubkeys(args)
	if err != nil {
		return err
	}

	config := rpcfetch.Config{
		RequestTimeout:    o.requestTimeout,
		Commitment:        o.commitment,
		BatchSize:         o.batchSize,
		Concurrency:       o.concurrency,
		RequestDelay:      o.requestDelay,
		MaxRetries:        o.maxRetries,
		FollowProgramData: !o.noProgramData,
		Logger:            o.logger,
	}
	pool, err := o.pool(ctx)
	if err != nil {
		return err
	}
	fetcher, err := rpcfetch.NewSnapshotFetcher(pool, config)
	if err != nil {
		return err
	}

	accts, err := fetcher.Fetch(ctx, keys)
	if err != nil {
		return fmt.Errorf("fetch accounts: %w", err)
	}
	if err := accounts.WriteSnapshotFile(o.out, accts); err != nil {
		return fmt.Errorf("write %s: %w", o.out, err)
	}
	o.logger.Info("snapshot written", "path", o.out, "accounts", len(accts))
	return nil
}

// pool returns a round-robin pool for one endpoint, or a slot-checked
// pool that drops lagging endpoints when several are given.
func (o *fetchOptions) pool(ctx context.Context) (rpcfetch.Pool, error) {
	if len(o.rpc) < 2 || o.maxSlotLag <= 0 {
		return rpcfetch.NewSimplePool(o.rpc), nil
	}

	cfg := rpcpool.DefaultConfig()
	cfg.SlotThreshold = uint64(o.maxSlotLag)
	cfg.Commitment = o.commitment
	cfg.RequestTimeout = o.requestTimeout
	cfg.Logger = o.logger
	pool, err := rpcpool.New(o.rpc, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Check(ctx); err != nil {
		return nil, fmt.Errorf("check endpoints: %w", err)
	}
	for _, info := range pool.EndpointStatus() {
		if !info.Healthy {
			o.logger.Warn("skipping endpoint", "url", info.URL, "slot", info.Slot, "reference", pool.ReferenceSlot())
		}
	}
	return pool, nil
}
