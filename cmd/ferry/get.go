package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/ferry/internal/config"
	"github.com/bamsammich/ferry/internal/event"
	"github.com/bamsammich/ferry/internal/filter"
	"github.com/bamsammich/ferry/internal/journal"
	"github.com/bamsammich/ferry/internal/operation"
	"github.com/bamsammich/ferry/internal/queue"
	"github.com/bamsammich/ferry/internal/stats"
	"github.com/bamsammich/ferry/internal/transport"
	"github.com/bamsammich/ferry/internal/ui"
)

// filterFlag is a custom pflag.Value that preserves CLI ordering of
// --exclude and --include rules by appending to a shared filter.Chain.
type filterFlag struct {
	chain   *filter.Chain
	include bool
}

var _ pflag.Value = (*filterFlag)(nil)

func (*filterFlag) String() string { return "" }
func (*filterFlag) Type() string   { return "pattern" }

func (f *filterFlag) Set(val string) error {
	if f.include {
		return f.chain.Include(val)
	}
	return f.chain.Exclude(val)
}

// filterOpts are the scan filter flags shared by get and ls.
type filterOpts struct {
	chain      *filter.Chain
	filterFile string
	minSize    string
	maxSize    string
}

func (f *filterOpts) register(cmd *cobra.Command) {
	f.chain = filter.NewChain()
	cmd.Flags().Var(&filterFlag{chain: f.chain}, "exclude", "exclude entries matching PATTERN (repeatable)")
	cmd.Flags().Var(&filterFlag{chain: f.chain, include: true}, "include", "include entries matching PATTERN (repeatable)")
	cmd.Flags().StringVar(&f.filterFile, "filter", "", "read filter rules from FILE")
	cmd.Flags().StringVar(&f.minSize, "min-size", "", "skip files smaller than SIZE (e.g. 1M, 100K)")
	cmd.Flags().StringVar(&f.maxSize, "max-size", "", "skip files larger than SIZE (e.g. 1G, 500M)")
}

// build returns the chain, or nil when no rule was given.
func (f *filterOpts) build() (*filter.Chain, error) {
	if f.filterFile != "" {
		if err := f.chain.LoadFile(f.filterFile); err != nil {
			return nil, fmt.Errorf("load filter file: %w", err)
		}
	}
	var minSize, maxSize int64
	var err error
	if f.minSize != "" {
		if minSize, err = filter.ParseSize(f.minSize); err != nil {
			return nil, fmt.Errorf("invalid --min-size: %w", err)
		}
	}
	if f.maxSize != "" {
		if maxSize, err = filter.ParseSize(f.maxSize); err != nil {
			return nil, fmt.Errorf("invalid --max-size: %w", err)
		}
	}
	f.chain.SetSizeBounds(minSize, maxSize)
	if f.chain.Empty() {
		return nil, nil
	}
	return f.chain, nil
}

type getOpts struct {
	recursive   bool
	archive     string
	level       int
	keepPartial bool
	options     []string
	bwlimit     string
	journal     bool
	filters     filterOpts
}

func newGetCmd(a *app) *cobra.Command {
	var o getOpts
	cmd := &cobra.Command{
		Use:   "get [flags] <[user@]host:path> <local>",
		Short: "Download a file or, with -r or --archive, a directory tree",
		Example: `  ferry get alice@example.com:/var/log/syslog .
  ferry get -r -o try_continue host:/srv/data ./data
  ferry get --archive tar.zst host:/etc etc-backup`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("journal") {
				o.journal = a.settings.Journal
			}
			return a.get(cmd, args[0], args[1], &o)
		},
	}

	cmd.Flags().BoolVarP(&o.recursive, "recursive", "r", false, "download directories recursively")
	cmd.Flags().StringVar(&o.archive, "archive", "", "stream the tree into one archive (tar, tar.gz, tar.zst, zip, zip-store)")
	cmd.Flags().IntVar(&o.level, "archive-level", 0, "archive compression level (0: compressor default)")
	cmd.Flags().BoolVar(&o.keepPartial, "keep-partial", false, "keep partial files when canceled or failed")
	cmd.Flags().StringArrayVarP(&o.options, "option", "o", nil, "transfer option KEY[=VALUE] (repeatable; e.g. overwrite, try_continue, permissions=0640)")
	cmd.Flags().StringVar(&o.bwlimit, "bwlimit", "", "bandwidth limit (e.g. 10M, 512KiB)")
	cmd.Flags().BoolVar(&o.journal, "journal", false, "record finished files so an interrupted tree download can resume")
	o.filters.register(cmd)
	return cmd
}

//nolint:gocyclo,revive // cyclomatic,cognitive-complexity: orchestrates one whole download
func (a *app) get(cmd *cobra.Command, rawSrc, rawDst string, o *getOpts) error {
	src := transport.ParseLocation(rawSrc)
	if dst := transport.ParseLocation(rawDst); dst.IsRemote() {
		return errors.New("the destination must be local")
	}

	opts := a.settings.Transfer
	for _, kv := range o.options {
		if err := opts.ParseOption(kv); err != nil {
			return fmt.Errorf("--option %s: %w", kv, err)
		}
	}
	if o.keepPartial {
		opts.CleanupOnFailure = false
	}
	bwlimit := a.settings.BWLimit
	if cmd.Flags().Changed("bwlimit") {
		var err error
		if bwlimit, err = config.ParseBWLimit(o.bwlimit); err != nil {
			return fmt.Errorf("invalid --bwlimit: %w", err)
		}
	}
	opts.Limiter = operation.NewBWLimiter(bwlimit)

	var archive *operation.ArchiveOptions
	if o.archive != "" {
		ao, err := operation.ParseArchiveFormat(o.archive)
		if err != nil {
			return err
		}
		ao.Level = o.level
		archive = &ao
	}
	chain, err := o.filters.build()
	if err != nil {
		return err
	}

	eng, err := openEngine(src, a.settings, a.flags.insecure, a.logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	root, err := eng.stat(src.Path, a.settings)
	if err != nil {
		return err
	}
	tree := root.IsDir()
	if tree && !o.recursive && archive == nil {
		return fmt.Errorf("%s is a directory (use -r or --archive)", src)
	}
	local := localTarget(rawDst, src.Path, tree, archive)

	var jdb *journal.DB
	if o.journal && tree && archive == nil {
		if jdb, err = journal.Open(journal.DefaultPath()); err != nil {
			return err
		}
		defer jdb.Close()
	}

	collector := stats.NewCollector()
	events := make(chan event.Event, 256)
	q := queue.New(queue.Config{
		Options: opts,
		Journal: jdb,
		Events:  events,
		Stats:   collector,
		Logger:  a.logger,
	})

	presenter := ui.NewPresenter(ui.Config{
		Writer:     os.Stdout,
		ErrWriter:  os.Stderr,
		Stats:      collector,
		Root:       path.Dir(src.Path),
		IsTTY:      ui.IsTTY(os.Stderr),
		Width:      ui.TermWidth(os.Stderr),
		Quiet:      a.flags.quiet,
		NoProgress: a.flags.noProgress,
	})
	var presenterErr error
	var presenterWg sync.WaitGroup
	presenterWg.Add(1)
	go func() {
		defer presenterWg.Done()
		presenterErr = presenter.Run(events)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.logger.Info("interrupted, canceling", "keep_partial", o.keepPartial)
			q.CancelAll(!o.keepPartial)
		case <-finished:
		}
	}()

	if tree {
		_, _, err = q.EnqueueBulkDownload(queue.BulkRequest{
			Session: eng.session,
			Remote:  src.Path,
			Local:   local,
			Filter:  chain,
			Archive: archive,
		})
	} else {
		_, err = q.EnqueueDownload(queue.DownloadRequest{
			Session: eng.session,
			Remote:  src.Path,
			Local:   local,
		})
	}
	if err == nil {
		err = q.WaitIdle(context.Background())
	}

	close(finished)
	infos := q.Snapshot()
	q.Shutdown(!o.keepPartial)
	stop()
	close(events)
	presenterWg.Wait()
	if presenterErr != nil {
		fmt.Fprintf(os.Stderr, "presenter: %v\n", presenterErr)
	}
	if err != nil {
		return err
	}

	if !a.flags.quiet {
		if summary := presenter.Summary(); summary != "" {
			fmt.Fprintln(os.Stderr, summary)
		}
	}
	return exitFor(infos)
}

// localTarget picks the local path for a download of remote. A file or
// archive dropped into an existing directory takes the remote base name; a
// tree fills dst itself unless dst ends in a separator.
func localTarget(dst, remote string, tree bool, archive *operation.ArchiveOptions) string {
	base := path.Base(remote)
	if archive != nil {
		base += archive.Extension()
	}
	fi, err := os.Stat(dst)
	switch {
	case err == nil && fi.IsDir() && (!tree || archive != nil):
		return filepath.Join(dst, base)
	case err == nil && fi.IsDir() && strings.HasSuffix(dst, string(filepath.Separator)):
		return filepath.Join(dst, base)
	default:
		return dst
	}
}

// exitFor maps operation outcomes to an exit code: 0 when everything
// completed, 1 on any failure, 130 when the run was canceled. An
// operation the queue abandoned after an error counts as failed even
// though it ended Canceled.
func exitFor(infos []queue.Info) error {
	canceled := false
	for _, info := range infos {
		switch {
		case info.Err != nil:
			return &exitError{code: 1}
		case info.State == operation.StateCompleted:
		case info.State == operation.StateCanceled:
			canceled = true
		default:
			return &exitError{code: 1}
		}
	}
	if canceled {
		return &exitError{code: 130}
	}
	return nil
}
