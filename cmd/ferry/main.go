package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bamsammich/ferry/internal/config"
	"github.com/bamsammich/ferry/internal/ui"
)

var version = "dev"

func main() {
	os.Exit(run())
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	logLevel   string
	logFile    string
	configFile string
	quiet      bool
	noProgress bool
	sshKeyFile string
	sshPort    int
	insecure   bool
}

// app carries state built by the root command before a subcommand runs.
type app struct {
	flags    globalFlags
	settings config.Settings
	logger   *slog.Logger
	closeLog func()
}

func run() int {
	a := &app{closeLog: func() {}}
	defer func() { a.closeLog() }()

	if err := newRootCmd(a).Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ferry",
		Short:         "Download files and trees over SFTP without blocking",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.flags.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	pf.StringVar(&a.flags.logFile, "log-file", "", "also write a structured JSON log to FILE")
	pf.StringVar(&a.flags.configFile, "config", "", "config file (default: $XDG_CONFIG_HOME/ferry/config.toml)")
	pf.BoolVarP(&a.flags.quiet, "quiet", "q", false, "suppress all output except errors")
	pf.BoolVar(&a.flags.noProgress, "no-progress", false, "disable the live progress display")
	pf.StringVar(&a.flags.sshKeyFile, "ssh-key", "", "SSH private key file (default: auto-detect)")
	pf.IntVar(&a.flags.sshPort, "ssh-port", 0, "SSH port (default: from location, config, or 22)")
	pf.BoolVar(&a.flags.insecure, "insecure-host-key", false, "skip SSH host key verification")

	rootCmd.AddCommand(newGetCmd(a))
	rootCmd.AddCommand(newLsCmd(a))
	rootCmd.AddCommand(newDocsCmd())
	return rootCmd
}

// setup configures logging and resolves the config file.
func (a *app) setup(cmd *cobra.Command) error {
	level, err := parseLevel(a.flags.logLevel)
	if err != nil {
		return err
	}
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	var logHandler slog.Handler = textHandler
	if a.flags.logFile != "" {
		lf, lfErr := os.Create(a.flags.logFile)
		if lfErr != nil {
			return fmt.Errorf("open log file: %w", lfErr)
		}
		a.closeLog = func() { _ = lf.Close() }
		jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{Level: slog.LevelDebug})
		logHandler = ui.NewMultiHandler(textHandler, jsonHandler)
	}
	a.logger = slog.New(logHandler)
	slog.SetDefault(a.logger)

	var cfg config.Config
	if a.flags.configFile != "" {
		cfg, err = config.LoadFile(a.flags.configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	a.settings, err = cfg.Resolve()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if cmd.Flags().Changed("ssh-key") {
		a.settings.KeyFile = a.flags.sshKeyFile
	}
	if cmd.Flags().Changed("ssh-port") {
		a.settings.SSHPort = a.flags.sshPort
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q", s)
	}
	return level, nil
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
