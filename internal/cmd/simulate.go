package cmd

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"

	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/fortiblox/svmsim/pkg/journal"
	"github.com/fortiblox/svmsim/pkg/simulator"
	"github.com/fortiblox/svmsim/pkg/txn"
)

var errNoAccounts = errors.New("one of --accounts or --db is required")

type simulateOptions struct {
	*globalOptions

	accountsPath string
	txPath       string
	encoding     string
	cpi          bool
	verify       bool
	dbPath       string
	journalPath  string
	postPath     string
}

func newSimulateCommand(g *globalOptions) *cobra.Command {
	opts := &simulateOptions{globalOptions: g}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Simulate one transaction and print the result as JSON",
		Long: `Simulate one wire-encoded transaction against an account snapshot.

The snapshot comes from --accounts, from a badger cache given with --db, or
from both, in which case the file is imported into the cache first. The
snapshot itself is never modified.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.applyFile(cmd)
			return opts.run(cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.accountsPath, "accounts", "a", "", "Account snapshot file (JSON, optionally .zst)")
	flags.StringVarP(&opts.txPath, "tx", "t", "-", "File holding the encoded transaction, or - for stdin")
	flags.StringVarP(&opts.encoding, "encoding", "e", "base64", "Transaction encoding: base64, base58")
	flags.BoolVar(&opts.cpi, "cpi", false, "Record inner instructions")
	flags.BoolVar(&opts.verify, "verify-signatures", false, "Reject transactions whose signatures do not verify")
	flags.StringVar(&opts.dbPath, "db", "", "Badger snapshot cache directory")
	flags.StringVar(&opts.journalPath, "journal", "", "Append the run to this journal file")
	flags.StringVar(&opts.postPath, "write-post", "", "Write the snapshot with post-simulation accounts applied to this file")
	return cmd
}

func (o *simulateOptions) applyFile(cmd *cobra.Command) {
	flags := cmd.Flags()
	overrideString(flags, "accounts", &o.accountsPath, o.file.Simulate.Accounts)
	overrideString(flags, "encoding", &o.encoding, o.file.Simulate.Encoding)
	overrideBool(flags, "cpi", &o.cpi, o.file.Simulate.CPI)
	overrideString(flags, "db", &o.dbPath, o.file.DB)
	overrideString(flags, "journal", &o.journalPath, o.file.Journal)
}

func (o *simulateOptions) run(stdin io.Reader, stdout io.Writer) error {
	accts, err := loadAccounts(o.accountsPath, o.dbPath, o.logger)
	if err != nil {
		return err
	}

	raw, err := readInput(o.txPath, stdin)
	if err != nil {
		return fmt.Errorf("read transaction: %w", err)
	}
	tx, err := decodeTransaction(raw, o.encoding)
	if err != nil {
		return err
	}
	if o.verify {
		if err := tx.Transaction().VerifySignatures(); err != nil {
			return err
		}
	}

	cfg := simulator.DefaultConfig()
	cfg.Logger = o.logger
	sim := simulator.NewWithAccounts(accts, cfg)

	res, err := sim.Simulate(tx, o.cpi)
	if err != nil {
		return err
	}
	if res.Err != nil {
		o.logger.Info("transaction failed", "signature", tx.Signature().String(), "err", res.Err)
	}

	if o.journalPath != "" {
		if err := o.record(tx, accts, res); err != nil {
			return err
		}
	}
	if o.postPath != "" {
		post := accounts.NewSnapshotStore(accts)
		post.StoreAccounts(res.PostSimulationAccounts)
		if err := accounts.WriteSnapshotFile(o.postPath, post.Accounts()); err != nil {
			return fmt.Errorf("write post accounts: %w", err)
		}
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, string(out))
	return err
}

// loadAccounts reads the snapshot file, the badger cache, or imports the
// former into the latter and reads it back.
func loadAccounts(accountsPath, dbPath string, logger *slog.Logger) ([]accounts.KeyedAccount, error) {
	switch {
	case dbPath != "":
		db, err := openAccountsDB(dbPath, logger)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		if accountsPath != "" {
			if err := importSnapshot(db, accountsPath, logger); err != nil {
				return nil, err
			}
		}
		accts, err := accounts.LoadAll(db)
		if err != nil {
			return nil, fmt.Errorf("load accounts from %s: %w", dbPath, err)
		}
		return accts, nil
	case accountsPath != "":
		accts, err := accounts.ReadSnapshotFile(accountsPath)
		if err != nil {
			return nil, fmt.Errorf("load accounts: %w", err)
		}
		return accts, nil
	default:
		return nil, errNoAccounts
	}
}

// record appends the run to the journal.
func (o *simulateOptions) record(tx *txn.SanitizedTransaction, snapshot []accounts.KeyedAccount, res *simulator.SimulationResult) error {
	store, err := journal.Open(journal.DefaultConfig(o.journalPath))
	if err != nil {
		return err
	}
	defer store.Close()

	rec := journal.NewRunRecord(tx, snapshot, res)
	if err := store.Put(rec); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	o.logger.Debug("run recorded", "id", rec.ID.String(), "journal", o.journalPath)
	return nil
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" || path == "" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

// decodeTransaction parses and sanitizes a text-encoded wire transaction.
func decodeTransaction(raw []byte, encoding string) (*txn.SanitizedTransaction, error) {
	text := string(bytes.TrimSpace(raw))
	if text == "" {
		return nil, errors.New("empty transaction")
	}

	var wire []byte
	var err error
	switch encoding {
	case "base64":
		wire, err = base64.StdEncoding.DecodeString(text)
	case "base58":
		wire, err = base58.Decode(text)
	default:
		return nil, fmt.Errorf("unsupported transaction encoding %q", encoding)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s transaction: %w", encoding, err)
	}

	tx, err := txn.DecodeTransaction(wire)
	if err != nil {
		return nil, fmt.Errorf("parse transaction: %w", err)
	}
	sanitized, err := txn.NewSanitizedTransaction(tx)
	if err != nil {
		return nil, fmt.Errorf("sanitize transaction: %w", err)
	}
	return sanitized, nil
}

func openAccountsDB(path string, logger *slog.Logger) (*accounts.BadgerDB, error) {
	cfg := accounts.DefaultBadgerDBConfig(path)
	cfg.Logger = badgerLogger{l: logger}
	db, err := accounts.NewBadgerDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("open account cache %s: %w", path, err)
	}
	return db, nil
}

func importSnapshot(db *accounts.BadgerDB, path string, logger *slog.Logger) error {
	accts, err := accounts.ReadSnapshotFile(path)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	if err := db.ImportSnapshot(path, accts); err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}
	logger.Info("snapshot imported", "source", path, "accounts", len(accts))
	return nil
}
