package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fortiblox/svmsim/pkg/journal"
	"github.com/fortiblox/svmsim/pkg/rpc"
	"github.com/fortiblox/svmsim/pkg/simulator"
)

type serveOptions struct {
	*globalOptions

	accountsPath   string
	dbPath         string
	addr           string
	journalPath    string
	allowedOrigins []string
	noCORS         bool
	logRequests    bool
}

func newServeCommand(g *globalOptions) *cobra.Command {
	opts := &serveOptions{globalOptions: g}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve simulateTransaction and account queries over JSON-RPC",
		Long: `Serve a Solana-compatible JSON-RPC endpoint backed by an account snapshot.

Every simulateTransaction request runs against the same snapshot, so
clients such as wallets and SDKs can preview transactions offline.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.applyFile(cmd)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return opts.run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.accountsPath, "accounts", "a", "", "Account snapshot file (JSON, optionally .zst)")
	flags.StringVar(&opts.dbPath, "db", "", "Badger snapshot cache directory")
	flags.StringVar(&opts.addr, "addr", rpc.DefaultConfig().Addr, "Listen address")
	flags.StringVar(&opts.journalPath, "journal", "", "Append every simulation to this journal file")
	flags.StringSliceVar(&opts.allowedOrigins, "allowed-origin", nil, "CORS origins to allow (default all)")
	flags.BoolVar(&opts.noCORS, "no-cors", false, "Disable CORS headers")
	flags.BoolVar(&opts.logRequests, "log-requests", false, "Log every request at debug level")
	return cmd
}

func (o *serveOptions) applyFile(cmd *cobra.Command) {
	flags := cmd.Flags()
	overrideString(flags, "accounts", &o.accountsPath, o.file.Serve.Accounts)
	overrideString(flags, "addr", &o.addr, o.file.Serve.Addr)
	overrideStrings(flags, "allowed-origin", &o.allowedOrigins, o.file.Serve.AllowedOrigins)
	overrideString(flags, "db", &o.dbPath, o.file.DB)
	overrideString(flags, "journal", &o.journalPath, o.file.Journal)
}

func (o *serveOptions) run(ctx context.Context) error {
	accts, err := loadAccounts(o.accountsPath, o.dbPath, o.logger)
	if err != nil {
		return err
	}

	simCfg := simulator.DefaultConfig()
	simCfg.Logger = o.logger
	sim := simulator.NewWithAccounts(accts, simCfg)

	var runs *journal.Store
	if o.journalPath != "" {
		runs, err = journal.Open(journal.DefaultConfig(o.journalPath))
		if err != nil {
			return err
		}
		defer runs.Close()
	}

	cfg := rpc.DefaultConfig()
	cfg.Addr = o.addr
	cfg.EnableCORS = !o.noCORS
	cfg.AllowedOrigins = o.allowedOrigins
	cfg.LogRequests = o.logRequests
	cfg.Logger = o.logger

	o.logger.Info("serving snapshot", "accounts", len(accts), "addr", o.addr)
	return rpc.New(cfg, sim, runs).Start(ctx)
}
