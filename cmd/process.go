package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teemow/inboxmeet/internal/config"
	"github.com/teemow/inboxmeet/internal/server"
)

type processOptions struct {
	account  string
	query    string
	max      int64
	watch    bool
	interval time.Duration
	noLabel  bool
}

func newProcessCmd() *cobra.Command {
	var opts processOptions

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Scan the inbox for meeting requests",
		Long: `Scan your Gmail inbox for meeting proposals and replies to open negotiations.
Each message is handed to the negotiation engine: free slots are sent to you for
confirmation, conflicts are answered with alternatives.

Messages are labelled once handled so the next scan skips them. Use --watch to
keep scanning at --interval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			applyProcessFlags(&cfg, &opts)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			sc, err := server.NewServerContext(ctx, cfg, server.WithLogger(newLogger()))
			if err != nil {
				return err
			}
			defer func() { _ = sc.Shutdown() }()

			acct, err := sc.AccountFor(cfg.Account)
			if err != nil {
				return fmt.Errorf("failed to load account %s: %w", cfg.Account, err)
			}
			return runProcess(ctx, acct, cfg, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.account, "account", "", "Google account name to use (default: the configured account)")
	cmd.Flags().StringVar(&opts.query, "query", "", "Gmail search query selecting the messages to scan (default: from configuration)")
	cmd.Flags().Int64Var(&opts.max, "max", 0, "Maximum number of messages per scan (default: from configuration)")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "Keep scanning until interrupted")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "Time between scans with --watch (default: the configured poll interval)")
	cmd.Flags().BoolVar(&opts.noLabel, "no-label", false, "Do not label handled messages")

	return cmd
}

func applyProcessFlags(cfg *config.Config, opts *processOptions) {
	if opts.account != "" {
		cfg.Account = opts.account
	}
	if opts.query != "" {
		cfg.Inbox.Query = opts.query
	}
	if opts.max > 0 {
		cfg.Inbox.MaxMessages = opts.max
	}
	if opts.noLabel {
		cfg.Inbox.MarkProcessed = false
	}
	if opts.interval <= 0 {
		opts.interval = cfg.Inbox.PollInterval
	}
	if opts.interval <= 0 {
		opts.interval = config.Default().Inbox.PollInterval
	}
}

// runProcess scans the account inbox once, or until ctx is done with watch.
func runProcess(ctx context.Context, acct *server.Account, cfg config.Config, opts processOptions, out io.Writer) error {
	logger := log.New(out, "", log.LstdFlags)

	poller := server.NewPoller(acct, server.PollOptions{
		Query:         cfg.Inbox.Query,
		Max:           cfg.Inbox.MaxMessages,
		Concurrency:   cfg.Inbox.Concurrency,
		MarkProcessed: cfg.Inbox.MarkProcessed,
	}, server.WithPollLogger(newLogger()), server.WithResultHandler(func(r server.MessageResult) {
		logger.Print(describeResult(r))
	}))

	for {
		s, err := poller.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			return err
		}
		logger.Printf("Scanned %d messages: %s", s.Listed, describeActions(s))

		if !opts.watch || ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(opts.interval):
		}
	}
}

func describeResult(r server.MessageResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Message %s", r.MessageID)
	if r.Outcome.Action != "" {
		fmt.Fprintf(&sb, " = %s", r.Outcome.Action)
	}
	if n := r.Outcome.Negotiation; n != nil {
		fmt.Fprintf(&sb, " (negotiation %s, %s)", n.ID, n.State)
	}
	if r.Err != nil {
		fmt.Fprintf(&sb, ": %v", r.Err)
	}
	return sb.String()
}

func describeActions(s server.PollSummary) string {
	if s.Handled == 0 && s.Failed == 0 {
		return "nothing to do"
	}
	actions := make([]string, 0, len(s.Actions))
	for a, n := range s.Actions {
		actions = append(actions, fmt.Sprintf("%d %s", n, a))
	}
	sort.Strings(actions)
	if s.Failed > 0 {
		actions = append(actions, fmt.Sprintf("%d failed", s.Failed))
	}
	return strings.Join(actions, ", ")
}
