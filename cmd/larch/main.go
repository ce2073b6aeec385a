// Command larch is a one-way IMAP mailbox synchronizer: it copies every
// (or a chosen subset of) a source account's mailboxes into a
// destination account, tracking what it has already copied in a local
// SQLite catalog so repeated runs are incremental.
//
// Grounded on pepperpark-gomap/cmd/gomap/main.go: cobra command
// construction, the --version flag pattern, and the password-prompt
// idiom via golang.org/x/term, generalized from gomap's copy/send/receive
// subcommand tree into a single root command (larch has exactly one job)
// and from discrete --src-host/--dst-host flags into the URI-plus-YAML-
// section configuration spec.md §6 describes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/larchsync/larch/internal/account"
	"github.com/larchsync/larch/internal/catalog"
	"github.com/larchsync/larch/internal/config"
	"github.com/larchsync/larch/internal/copier"
	"github.com/larchsync/larch/internal/logx"
	"github.com/larchsync/larch/internal/pool"
	"github.com/larchsync/larch/internal/session"
)

// accountTaskID is the lease owner doRun uses to hold the one long-lived
// Session each pool keeps aside for account discovery (List), separate
// from the per-mailbox leases the Copier takes out during the run.
const accountTaskID = "account"

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath   string
		databasePath string
		dryRun       bool
		verbosity    string
		showVersion  bool
	)

	rootCmd := &cobra.Command{
		Use:           "larch [section]",
		Short:         "larch copies mailboxes one-way between two IMAP accounts",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Flags().StringVar(&configPath, "config", "larch.yaml", "Path to the YAML config file")
	rootCmd.Flags().StringVar(&databasePath, "database", "", "Path to the SQLite catalog file (overrides config)")
	rootCmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "Report what would happen without copying or deleting anything")
	rootCmd.Flags().StringVar(&verbosity, "verbosity", "", "Log verbosity: fatal, error, warn, info, debug, imap (overrides config)")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "V", false, "Print version and exit")

	exitCode := 0
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if showVersion {
			printVersion()
			return nil
		}
		section := "default"
		if len(args) == 1 {
			section = args[0]
		}

		var overrides config.Overrides
		if databasePath != "" {
			overrides.Database = &databasePath
		}
		if cmd.Flags().Changed("dry-run") {
			overrides.DryRun = &dryRun
		}
		if verbosity != "" {
			overrides.Verbosity = &verbosity
		}

		code, err := doRun(configPath, section, overrides)
		exitCode = code
		return err
	}

	if err := rootCmd.Execute(); err != nil {
		if exitCode == 0 {
			// exitCode is only still 0 here when cobra itself rejected the
			// invocation (bad flags/args) before RunE ran.
			exitCode = 2
		}
		fmt.Fprintln(os.Stderr, "larch:", err)
	}
	return exitCode
}

func printVersion() {
	fmt.Printf("larch %s", version)
	if commit != "" {
		fmt.Printf(" (%s)", commit)
	}
	if date != "" {
		fmt.Printf(" built %s", date)
	}
	fmt.Println()
}

// doRun loads the config, wires the two Sessions/Accounts/Catalog, runs
// the Copier to completion (or until a signal arrives), and prints the
// final counters in spec.md §8's "N copied, N failed, N untouched out of
// N total" form. It returns the process exit code alongside any error
// that should be logged.
func doRun(configPath, section string, overrides config.Overrides) (int, error) {
	cfg, err := config.Load(configPath, section, overrides)
	if err != nil {
		return 2, err
	}

	log := logx.New(cfg.Verbosity, cfg.LogFormat, os.Stderr)

	if err := promptMissingCredentials(cfg); err != nil {
		return 2, err
	}

	cat, err := catalog.Open(cfg.Database)
	if err != nil {
		return 1, fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandler(cancel, log)

	sessOptsFrom := session.DefaultOptions()
	sessOptsFrom.TLSVerify = cfg.SSLVerify
	sessOptsFrom.CABundle = cfg.SSLCerts
	sessOptsFrom.MaxRetries = cfg.MaxRetries
	sessOptsFrom.DryRun = cfg.DryRun

	sessOptsTo := sessOptsFrom
	sessOptsTo.CreateMailbox = cfg.CreateFolders

	poolOptsFrom := pool.PoolOptions{MaxConnections: cfg.PoolMaxConnections, Timeout: cfg.PoolTimeout, Sleep: cfg.PoolSleep}
	poolOptsTo := poolOptsFrom

	srcPool := pool.New(cfg.From, sessOptsFrom, poolOptsFrom, log)
	dstPool := pool.New(cfg.To, sessOptsTo, poolOptsTo, log)
	defer srcPool.Disconnect()
	defer dstPool.Disconnect()

	srcAcctURI := *cfg.From
	srcAcctURI.Mailbox = ""
	dstAcctURI := *cfg.To
	dstAcctURI.Mailbox = ""

	srcAcctSess, err := srcPool.Hold(ctx, accountTaskID, &srcAcctURI)
	if err != nil {
		return 1, fmt.Errorf("hold source account session: %w", err)
	}
	defer srcPool.Release(accountTaskID, &srcAcctURI)
	dstAcctSess, err := dstPool.Hold(ctx, accountTaskID, &dstAcctURI)
	if err != nil {
		return 1, fmt.Errorf("hold destination account session: %w", err)
	}
	defer dstPool.Release(accountTaskID, &dstAcctURI)

	srcAcct, err := account.Open(srcAcctSess, cat)
	if err != nil {
		return 1, fmt.Errorf("open source account: %w", err)
	}
	dstAcct, err := account.Open(dstAcctSess, cat)
	if err != nil {
		return 1, fmt.Errorf("open destination account: %w", err)
	}

	copyOpts := copier.Options{
		Recursive:      !cfg.NoRecurse,
		CreateFolders:  cfg.CreateFolders,
		SubscribedOnly: cfg.AllSubscribed,
		All:            cfg.All,
		FromFolder:     cfg.FromFolder,
		ToFolder:       cfg.ToFolder,
		Delete:         cfg.Delete,
		Expunge:        cfg.Expunge,
		SyncFlags:      cfg.SyncFlags,
		DryRun:         cfg.DryRun,
		FromFastScan:   cfg.FromFastScan,
		ToFastScan:     cfg.ToFastScan,
		Exclusions:     cfg.Exclusions,
		DestMailbox:    cfg.To.Mailbox,
	}
	cp := copier.New(srcPool, dstPool, cfg.From, cfg.To, srcAcct, dstAcct, cat, copyOpts, log)

	errs := runWithProgress(ctx, cp)

	c := cp.Counters()
	untouched := c.Total - c.Copied - c.Failed
	fmt.Printf("%d copied, %d failed, %d untouched out of %d total\n", c.Copied, c.Failed, untouched, c.Total)
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, " -", e)
		}
		return 1, fmt.Errorf("completed with %d error(s)", len(errs))
	}
	if ctx.Err() != nil {
		return 1, ctx.Err()
	}
	return 0, nil
}

// promptMissingCredentials prompts on stderr, without echo, for either
// URI's password when the YAML config omitted it — the teacher's
// src-pass-prompt/dst-pass-prompt flags collapsed into "prompt whenever
// the URI's password is empty", since a URI with no password is always
// either a mistake or an intentional prompt request.
func promptMissingCredentials(cfg *config.Config) error {
	if cfg.From.Pass == "" {
		pass, err := readPassword("Source password: ")
		if err != nil {
			return fmt.Errorf("read source password: %w", err)
		}
		cfg.From.Pass = pass
	}
	if cfg.To.Pass == "" {
		pass, err := readPassword("Destination password: ")
		if err != nil {
			return fmt.Errorf("read destination password: %w", err)
		}
		cfg.To.Pass = pass
	}
	return nil
}

func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// installSignalHandler cancels ctx and logs on SIGINT/SIGQUIT/SIGTERM,
// per spec.md §6's "Interrupted (SIG…)" line.
func installSignalHandler(cancel context.CancelFunc, log logx.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		name := sig.String()
		switch sig {
		case syscall.SIGINT:
			name = "SIGINT"
		case syscall.SIGQUIT:
			name = "SIGQUIT"
		case syscall.SIGTERM:
			name = "SIGTERM"
		}
		log.Log(logx.Warn, fmt.Sprintf("Interrupted (%s)", name))
		cancel()
	}()
}
