package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvidal/printbox/internal/config"
	"github.com/lvidal/printbox/internal/credential"
	"github.com/lvidal/printbox/internal/eventlog"
	"github.com/lvidal/printbox/internal/mailbox"
	"github.com/lvidal/printbox/internal/notify"
	"github.com/lvidal/printbox/internal/pdf"
	"github.com/lvidal/printbox/internal/pipeline"
	"github.com/lvidal/printbox/internal/printer"
	"github.com/lvidal/printbox/internal/quota"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	var configPath string

	rootCmd := &cobra.Command{
		Use:   "printbox",
		Short: "Mail-to-print pipeline for a shared printer",
		Long: "printbox polls a shared mailbox for PDF attachments, enforces " +
			"per-sender page quotas, and dispatches documents to a CUPS printer.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config", "", "config file (default "+config.DefaultPath()+")",
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Process the inbox once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(
				context.Background(), os.Interrupt, syscall.SIGTERM,
			)
			defer cancel()

			sum, err := buildPipeline(cfg, logger).RunOnce(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("printed %d, denied %d, skipped %d, errors %d\n",
				sum.Printed, sum.Denied, sum.Skipped, sum.Errors)
			return nil
		},
	}
	rootCmd.AddCommand(runCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll the inbox continuously within operating hours",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(
				context.Background(), os.Interrupt, syscall.SIGTERM,
			)
			defer cancel()

			interval := time.Duration(cfg.Poll.IntervalSec) * time.Second
			err = buildPipeline(cfg, logger).Run(
				ctx, interval, cfg.Poll.StartHour, cfg.Poll.EndHour,
			)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	rootCmd.AddCommand(watchCmd)

	printersCmd := &cobra.Command{
		Use:   "printers",
		Short: "List the printers CUPS knows about",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigNoCreds(configPath)
			if err != nil {
				return err
			}

			cups := printer.NewCUPS(cfg.Printer.Media, logger)
			names, err := cups.Printers(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				marker := " "
				if name == cfg.Printer.Name {
					marker = "*"
				}
				fmt.Printf("%s %s\n", marker, name)
			}
			return nil
		},
	}
	printersSetCmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Persist the default printer name to the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultPath()
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			cfg.Printer.Name = args[0]
			return config.Save(path, cfg)
		},
	}
	printersCmd.AddCommand(printersSetCmd)
	rootCmd.AddCommand(printersCmd)

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the current print queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigNoCreds(configPath)
			if err != nil {
				return err
			}

			cups := printer.NewCUPS(cfg.Printer.Media, logger)
			out, err := cups.Queue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	rootCmd.AddCommand(queueCmd)

	var logLines int
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Show the last event log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigNoCreds(configPath)
			if err != nil {
				return err
			}

			entries, err := eventlog.New(cfg.Paths.LogFile).Tail(logLines)
			if err != nil {
				return err
			}
			for _, e := range entries {
				line := fmt.Sprintf("%s  %-28s", e.Timestamp, e.Status)
				if e.Sender != "" {
					line += "  " + e.Sender
				}
				if e.File != "" {
					line += "  " + e.File
				}
				if e.Error != "" {
					line += "  (" + e.Error + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	logCmd.Flags().IntVarP(&logLines, "lines", "n", 10, "number of entries to show")
	rootCmd.AddCommand(logCmd)

	quotaCmd := &cobra.Command{Use: "quota", Short: "Inspect or set sender quotas"}

	quotaGetCmd := &cobra.Command{
		Use:   "get <sender>",
		Short: "Show a sender's remaining pages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigNoCreds(configPath)
			if err != nil {
				return err
			}

			ledger, err := quota.Load(cfg.Paths.QuotasFile)
			if err != nil {
				return err
			}

			remaining, tracked := ledger.Remaining(args[0])
			if !tracked {
				fmt.Printf("%s: untracked (unlimited)\n", strings.ToLower(args[0]))
				return nil
			}
			fmt.Printf("%s: %d pages remaining\n", strings.ToLower(args[0]), remaining)
			return nil
		},
	}
	quotaCmd.AddCommand(quotaGetCmd)

	quotaListCmd := &cobra.Command{
		Use:   "list",
		Short: "List all tracked senders and their balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigNoCreds(configPath)
			if err != nil {
				return err
			}

			ledger, err := quota.Load(cfg.Paths.QuotasFile)
			if err != nil {
				return err
			}

			for _, sender := range ledger.Senders() {
				remaining, _ := ledger.Remaining(sender)
				fmt.Printf("%-40s %d\n", sender, remaining)
			}
			return nil
		},
	}
	quotaCmd.AddCommand(quotaListCmd)

	quotaSetCmd := &cobra.Command{
		Use:   "set <sender> <pages>",
		Short: "Set a sender's remaining pages",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pages, err := strconv.Atoi(args[1])
			if err != nil || pages < 0 {
				return fmt.Errorf("pages must be a non-negative integer, got %q", args[1])
			}

			cfg, err := loadConfigNoCreds(configPath)
			if err != nil {
				return err
			}

			ledger, err := quota.Load(cfg.Paths.QuotasFile)
			if err != nil {
				return err
			}

			ledger.Set(args[0], pages)
			return ledger.Save()
		},
	}
	quotaCmd.AddCommand(quotaSetCmd)
	rootCmd.AddCommand(quotaCmd)

	credentialCmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage the mailbox password in the OS keyring",
	}

	credentialSetCmd := &cobra.Command{
		Use:   "set",
		Short: "Store the mailbox app password (read from stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print("App password: ")
			reader := bufio.NewReader(os.Stdin)
			password, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}
			password = strings.TrimRight(password, "\r\n")
			if password == "" {
				return fmt.Errorf("empty password")
			}
			return credential.Set(credential.MailboxPasswordKey, password)
		},
	}
	credentialCmd.AddCommand(credentialSetCmd)

	credentialDeleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove the stored mailbox app password",
		RunE: func(cmd *cobra.Command, args []string) error {
			return credential.Delete(credential.MailboxPasswordKey)
		},
	}
	credentialCmd.AddCommand(credentialDeleteCmd)
	rootCmd.AddCommand(credentialCmd)

	if err := rootCmd.Execute(); err != nil {
		if mailbox.IsAuthError(err) {
			logger.Error("mailbox login rejected; update the stored app password "+
				"with `printbox credential set`", zap.Error(err))
		} else {
			logger.Error("command failed", zap.Error(err))
		}
		os.Exit(1)
	}
}

// loadConfigNoCreds loads and validates the config without resolving
// the mailbox password; read-only subcommands do not need it.
func loadConfigNoCreds(path string) (*config.Config, error) {
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfig loads, validates, and fills in the mailbox password from
// the OS keyring when the config file omits it.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := loadConfigNoCreds(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Mailbox.Password == "" {
		password, err := credential.Get(credential.MailboxPasswordKey)
		if err != nil {
			return nil, fmt.Errorf(
				"mailbox password is not in the config and the keyring lookup failed "+
					"(run `printbox credential set`): %w", err,
			)
		}
		cfg.Mailbox.Password = password
	}

	return cfg, nil
}

// buildPipeline wires the pipeline's collaborators from the config.
func buildPipeline(cfg *config.Config, logger *zap.Logger) *pipeline.Pipeline {
	mb := mailbox.NewClient(
		cfg.Mailbox.Host, cfg.Mailbox.Port,
		cfg.Mailbox.Username, cfg.Mailbox.Password,
		cfg.Mailbox.TLS, logger,
	)

	return pipeline.New(pipeline.Options{
		PrinterName: cfg.Printer.Name,
		WorkDir:     cfg.Paths.WorkDir,
		QuotasPath:  cfg.Paths.QuotasFile,
		Dial: func(ctx context.Context) (pipeline.Session, error) {
			return mb.Dial(ctx)
		},
		Spooler:     printer.NewCUPS(cfg.Printer.Media, logger),
		Transformer: pdf.NewTransformer(),
		Notifier: notify.NewMailer(
			cfg.SMTP.Host, cfg.SMTP.Port,
			cfg.Mailbox.Username, cfg.Mailbox.Password,
			cfg.SMTP.TLS, logger,
		),
		Events: eventlog.New(cfg.Paths.LogFile),
		Logger: logger,
	})
}
