package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bamsammich/ferry/internal/operation"
	"github.com/bamsammich/ferry/internal/queue"
	"github.com/bamsammich/ferry/internal/transport"
	"github.com/bamsammich/ferry/internal/ui"
)

type lsOpts struct {
	long    bool
	filters filterOpts
}

func newLsCmd(a *app) *cobra.Command {
	var o lsOpts
	cmd := &cobra.Command{
		Use:   "ls [flags] <[user@]host:dir>",
		Short: "Scan a remote directory tree and list what a download would fetch",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.ls(args[0], &o)
		},
	}
	cmd.Flags().BoolVarP(&o.long, "long", "l", false, "show type, mode, size and modification time")
	o.filters.register(cmd)
	return cmd
}

func (a *app) ls(rawDir string, o *lsOpts) error {
	loc := transport.ParseLocation(rawDir)
	chain, err := o.filters.build()
	if err != nil {
		return err
	}

	eng, err := openEngine(loc, a.settings, a.flags.insecure, a.logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	scan, err := operation.NewScan(operation.ScanConfig{
		Session:       eng.session,
		Root:          loc.Path,
		Filter:        chain,
		FutureTimeout: a.settings.Transfer.FutureTimeout,
		Logger:        a.logger,
	})
	if err != nil {
		return err
	}

	q := queue.New(queue.Config{Options: a.settings.Transfer, Logger: a.logger})
	defer q.Shutdown(true)
	if _, err := q.Enqueue(scan); err != nil {
		return err
	}
	if err := q.WaitIdle(context.Background()); err != nil {
		return err
	}
	if scan.State() != operation.StateCompleted {
		if scanErr := scan.Err(); scanErr != nil {
			return scanErr
		}
		return fmt.Errorf("scan of %s ended %s", loc, scan.State())
	}

	total := scan.TotalBytes()
	entries := scan.EjectEntries()
	printEntries(os.Stdout, loc.Path, entries, o.long)
	if !a.flags.quiet {
		fmt.Fprintf(os.Stderr, "%s entries  %s\n", ui.FormatCount(int64(len(entries))), ui.FormatBytes(total))
	}
	return nil
}

func printEntries(w io.Writer, root string, entries []transport.DirectoryEntry, long bool) {
	if !long {
		for _, e := range entries {
			fmt.Fprintln(w, displayName(root, e))
		}
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		mtime := "-"
		if t := e.MTime.Time(); !t.IsZero() {
			mtime = t.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Type, e.Mode, ui.FormatBytes(e.Size), mtime, displayName(root, e))
	}
	_ = tw.Flush()
}

func displayName(root string, e transport.DirectoryEntry) string {
	name := operation.RelPath(root, e.Path)
	switch {
	case e.IsDir():
		return name + "/"
	case e.Type == transport.TypeSymlink && e.LinkTarget != "":
		return name + " -> " + e.LinkTarget
	default:
		return name
	}
}
