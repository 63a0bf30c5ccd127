package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/spf13/cobra"
)

type importOptions struct {
	*globalOptions

	accountsPath string
	dbPath       string
	dryRun       bool
}

func newImportCommand(g *globalOptions) *cobra.Command {
	opts := &importOptions{globalOptions: g}

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load a snapshot file into the badger account cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrideString(cmd.Flags(), "db", &opts.dbPath, opts.file.DB)
			if opts.accountsPath == "" {
				return errors.New("--accounts is required")
			}
			if opts.dryRun {
				return opts.check(cmd.OutOrStdout())
			}
			if opts.dbPath == "" {
				return errors.New("--db is required unless --dry-run is set")
			}

			db, err := openAccountsDB(opts.dbPath, opts.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := importSnapshot(db, opts.accountsPath, opts.logger); err != nil {
				return err
			}
			info, err := db.Info()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %d accounts from %s\n", info.Accounts, info.Source)
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.accountsPath, "accounts", "a", "", "Account snapshot file (JSON, optionally .zst)")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "Badger snapshot cache directory")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Decode the snapshot into memory and report it without writing a cache")
	return cmd
}

// check runs the import against an in-memory DB and prints the account
// count and state digest the cache would hold.
func (o *importOptions) check(w io.Writer) error {
	accts, err := accounts.ReadSnapshotFile(o.accountsPath)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	db := accounts.NewMemoryDB()
	defer db.Close()
	if err := accounts.StoreAll(db, accts); err != nil {
		return err
	}
	stored, err := accounts.LoadAll(db)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "would import %d accounts from %s (state %s)\n",
		len(stored), o.accountsPath, accounts.StateDigest(stored))
	return err
}
