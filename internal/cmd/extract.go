package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/fortiblox/svmsim/pkg/snapshot"
)

type extractOptions struct {
	*globalOptions

	keys   []string
	owners []string
	out    string
	dbPath string
}

func newExtractCommand(g *globalOptions) *cobra.Command {
	opts := &extractOptions{globalOptions: g}

	cmd := &cobra.Command{
		Use:   "extract <archive|dir>...",
		Short: "Cut an account snapshot out of validator snapshot archives",
		Long: `Read Solana validator snapshot archives and write the selected accounts
as a snapshot file.

Pass a full snapshot and optionally an incremental one built on it, or a
directory to use the newest such pair. Accounts are selected by --key and
--owner; with neither, every live account is written.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrideString(cmd.Flags(), "db", &opts.dbPath, opts.file.DB)
			return opts.run(cmd, args)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&opts.keys, "key", nil, "Account addresses to extract")
	flags.StringSliceVar(&opts.owners, "owner", nil, "Extract every account owned by these programs")
	flags.StringVarP(&opts.out, "out", "o", "accounts.json", "Snapshot file to write (.zst compresses)")
	flags.StringVar(&opts.dbPath, "db", "", "Also import the accounts into this badger cache")
	return cmd
}

func (o *extractOptions) run(cmd *cobra.Command, args []string) error {
	keys, err := parsePubkeys(o.keys)
	if err != nil {
		return err
	}
	owners, err := parsePubkeys(o.owners)
	if err != nil {
		return err
	}

	paths, err := archivePaths(args)
	if err != nil {
		return err
	}

	res, err := snapshot.Extract(paths, snapshot.NewFilter(keys, owners), o.logger)
	if err != nil {
		return err
	}
	if len(keys) > 0 && len(res.Accounts) < len(keys) {
		o.logger.Warn("some requested accounts were not found", "requested", len(keys), "found", len(res.Accounts))
	}

	if err := accounts.WriteSnapshotFile(o.out, res.Accounts); err != nil {
		return fmt.Errorf("write %s: %w", o.out, err)
	}
	if o.dbPath != "" {
		db, err := openAccountsDB(o.dbPath, o.logger)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.ImportSnapshot(o.out, res.Accounts); err != nil {
			return fmt.Errorf("import %s: %w", o.out, err)
		}
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "extracted %d of %d scanned accounts at slot %d to %s\n",
		len(res.Accounts), res.Scanned, res.Slot, o.out)
	return err
}

// archivePaths expands directories to their newest full and incremental
// archives.
func archivePaths(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		fi, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !fi.IsDir() {
			paths = append(paths, arg)
			continue
		}
		archives, err := snapshot.LatestArchives(arg)
		if err != nil {
			return nil, err
		}
		for _, a := range archives {
			paths = append(paths, a.Path)
		}
	}
	if len(paths) == 0 {
		return nil, errors.New("no snapshot archives given")
	}
	return paths, nil
}

func parsePubkeys(strs []string) ([]types.Pubkey, error) {
	keys := make([]types.Pubkey, len(strs))
	for i, s := range strs {
		key, err := types.PubkeyFromBase58(s)
		if err != nil {
			return nil, fmt.Errorf("invalid pubkey %q: %w", s, err)
		}
		keys[i] = key
	}
	return keys, nil
}
