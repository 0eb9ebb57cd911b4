package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/teemow/inboxmeet/internal/config"
	"github.com/teemow/inboxmeet/internal/ics"
	"github.com/teemow/inboxmeet/internal/server"
	"github.com/teemow/inboxmeet/internal/tracker"
)

func newMeetingsCmd() *cobra.Command {
	var account string

	cmd := &cobra.Command{
		Use:   "meetings",
		Short: "Inspect tracked meetings",
		Long: `Inspect the meetings tracked for an account. List and export read the
tracker store directly, so no Google authorization is needed. Cancel deletes
the calendar event and needs an authorized account.`,
	}
	cmd.PersistentFlags().StringVar(&account, "account", "", "Account whose meetings to read (default: the configured account)")

	cmd.AddCommand(newMeetingsListCmd(&account))
	cmd.AddCommand(newMeetingsExportCmd(&account))
	cmd.AddCommand(newMeetingsCancelCmd(&account))
	return cmd
}

func newMeetingsListCmd(account *string) *cobra.Command {
	var (
		all   bool
		stale bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked meetings ordered by start time",
		RunE: func(cmd *cobra.Command, args []string) error {
			meetings, err := loadMeetings(cmd.Context(), *account)
			if err != nil {
				return err
			}
			return printMeetings(cmd.OutOrStdout(), filterMeetings(meetings, all, stale))
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include declined, expired and cancelled meetings")
	cmd.Flags().BoolVar(&stale, "stale", false, "Only show confirmed meetings missing from the calendar")
	return cmd
}

func newMeetingsExportCmd(account *string) *cobra.Command {
	var (
		output string
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export tracked meetings as iCalendar",
		RunE: func(cmd *cobra.Command, args []string) error {
			meetings, err := loadMeetings(cmd.Context(), *account)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				w = f
			}

			err = ics.Export(w, meetings, ics.Options{IncludeInactive: all})
			if errors.Is(err, ics.ErrNoMeetings) {
				fmt.Fprintln(cmd.ErrOrStderr(), "No meetings to export.")
				return nil
			}
			if err != nil {
				return err
			}
			if output != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Meetings written to: %s\n", output)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: stdout)")
	cmd.Flags().BoolVar(&all, "all", false, "Include declined, expired and cancelled meetings as cancelled events")
	return cmd
}

func newMeetingsCancelCmd(account *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <meeting-id>",
		Short: "Cancel a confirmed meeting and delete its calendar event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if *account != "" {
				cfg.Account = *account
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			sc, err := server.NewServerContext(ctx, cfg, server.WithLogger(newLogger()))
			if err != nil {
				return err
			}
			defer func() { _ = sc.Shutdown() }()

			acct, err := sc.AccountFor(cfg.Account)
			if err != nil {
				return fmt.Errorf("failed to load account %s: %w", cfg.Account, err)
			}
			return cancelMeeting(ctx, acct, args[0], cmd.OutOrStdout())
		},
	}
}

func cancelMeeting(ctx context.Context, acct *server.Account, id string, out io.Writer) error {
	m, err := acct.Engine.CancelMeeting(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to cancel meeting %s: %w", id, err)
	}
	_, err = fmt.Fprintf(out, "Cancelled %s: %s, %s\n", m.ID, meetingSubject(m), m.Interval.Start.Format(time.RFC3339))
	return err
}

func meetingSubject(m tracker.Meeting) string {
	if m.Subject != "" {
		return m.Subject
	}
	return "(no subject)"
}

// loadMeetings reads every meeting tracked for account.
func loadMeetings(ctx context.Context, account string) ([]tracker.Meeting, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if account == "" {
		account = cfg.Account
	}
	return readTracker(ctx, cfg, account)
}

func readTracker(ctx context.Context, cfg config.Config, account string) ([]tracker.Meeting, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	store, release, err := tracker.OpenStore(cfg.TrackerStoreConfig(), account)
	if err != nil {
		return nil, fmt.Errorf("failed to open meeting store: %w", err)
	}
	defer release()

	tr, err := tracker.New(ctx, store, tracker.WithLogger(newLogger()), tracker.WithRetention(cfg.Store.Retention))
	if err != nil {
		return nil, fmt.Errorf("failed to load meetings: %w", err)
	}
	return tr.List(), nil
}

func filterMeetings(meetings []tracker.Meeting, all, stale bool) []tracker.Meeting {
	out := make([]tracker.Meeting, 0, len(meetings))
	for _, m := range meetings {
		switch {
		case stale && !m.Stale:
		case !all && !m.State.Active():
		default:
			out = append(out, m)
		}
	}
	return out
}

func printMeetings(w io.Writer, meetings []tracker.Meeting) error {
	if len(meetings) == 0 {
		_, err := fmt.Fprintln(w, "No meetings.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tEND\tSTATE\tSUBJECT\tPARTICIPANTS")
	for _, m := range meetings {
		state := string(m.State)
		if m.Stale {
			state += " (stale)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			m.Interval.Start.Format(time.RFC3339),
			m.Interval.End.Format(time.RFC3339),
			state, m.Subject, strings.Join(m.Participants, ", "))
	}
	return tw.Flush()
}
