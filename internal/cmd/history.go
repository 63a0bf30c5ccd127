package cmd

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fortiblox/svmsim/pkg/journal"
)

type historyOptions struct {
	*globalOptions

	journalPath string
	limit       int
}

func newHistoryCommand(g *globalOptions) *cobra.Command {
	opts := &historyOptions{globalOptions: g}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded simulation runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrideString(cmd.Flags(), "journal", &opts.journalPath, opts.file.Journal)
			if opts.journalPath == "" {
				return errors.New("--journal is required")
			}
			return opts.run(cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.journalPath, "journal", "", "Journal file")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", journal.DefaultListLimit, "Maximum records to list")
	return cmd
}

func (o *historyOptions) run(w io.Writer) error {
	config := journal.DefaultConfig(o.journalPath)
	config.ReadOnly = true
	store, err := journal.Open(config)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(o.limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tSIGNATURE\tUNITS\tSTATUS")
	for _, r := range records {
		status := "ok"
		if !r.Succeeded() {
			status = r.Err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.CreatedAt.Format(time.RFC3339), r.Signature, r.UnitsConsumed, status)
	}
	return tw.Flush()
}
