package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tablequeue/internal/apperr"
	"tablequeue/internal/queue"
	"tablequeue/internal/syncpoller"
)

func requireUser() error {
	if userID == "" {
		return errors.New("--user is required")
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func watchCmd() *cobra.Command {
	var (
		interval    time.Duration
		autoConfirm bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll the queue and report position changes and table offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := newClient()
			var p *syncpoller.Poller
			p = syncpoller.New(c, userID, interval, func(ev syncpoller.Event) {
				e := ev.Entry
				switch ev.Kind {
				case syncpoller.HoldOffered:
					fmt.Printf("table %s is held for you until %s\n", e.HeldTableID, formatDeadline(e.NotificationExpiresAt))
					if autoConfirm {
						p.SetDialogOpen(true)
						defer p.SetDialogOpen(false)
						res, err := c.Confirm(ctx, e.ID)
						if err != nil {
							logger.Error().Err(err).Str("entry_id", e.ID).Msg("confirm failed")
							return
						}
						fmt.Printf("confirmed: table %d, %s %s\n", res.TableNumber, res.Date, res.TimeSlotLabel)
					}
				case syncpoller.AutoExpired:
					fmt.Println("your table offer expired and was passed on")
				case syncpoller.Resolved:
					fmt.Printf("entry %s left the queue\n", e.ID)
				case syncpoller.Updated:
					fmt.Printf("%s %s: position %d, about %d min\n", e.QueueDate, e.TimeSlotDisplay, e.Position, e.EstimatedWaitMinutes)
				}
			}, &logger)

			p.Start(ctx)
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", syncpoller.DefaultInterval, "poll interval")
	cmd.Flags().BoolVar(&autoConfirm, "auto-confirm", false, "accept any offered table immediately")
	return cmd
}

func formatDeadline(t *time.Time) string {
	if t == nil {
		return "unknown"
	}
	return t.Local().Format(time.Kitchen)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current queue status of the user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(); err != nil {
				return err
			}
			res, err := newClient().Poll(cmd.Context(), userID)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func joinCmd() *cobra.Command {
	var req queue.JoinRequest
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join the waiting queue for a slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(); err != nil {
				return err
			}
			req.UserID = userID
			res, err := newClient().Join(cmd.Context(), req)
			var conflict *apperr.ConflictError
			if errors.As(err, &conflict) {
				return fmt.Errorf("%s (options: %v)", conflict.Message, conflict.Choices)
			}
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Name, "name", "", "guest name")
	f.IntVar(&req.Guests, "guests", 2, "party size")
	f.StringVar(&req.Contact, "contact", "", "phone or email")
	f.StringVar(&req.NotificationMethod, "notify", "sms", "sms or email")
	f.StringVar(&req.Hall, "hall", "Any", "AC, Main, VIP or Any")
	f.StringVar(&req.Segment, "segment", "Any", "Front, Middle, Back or Any")
	f.StringVar(&req.QueueDate, "date", "", "queue date (YYYY-MM-DD)")
	f.StringVar(&req.TimeSlot, "slot", "", "time slot, e.g. 07:30-08:50")
	return cmd
}

func entryCmd(use, short string, run func(ctx context.Context, id string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <entry-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func confirmCmd() *cobra.Command {
	return entryCmd("confirm", "Accept the table offered to an entry", func(ctx context.Context, id string) (any, error) {
		return newClient().Confirm(ctx, id)
	})
}

func declineCmd() *cobra.Command {
	return entryCmd("decline", "Turn down the table offered to an entry", func(ctx context.Context, id string) (any, error) {
		return map[string]bool{"ok": true}, newClient().Decline(ctx, id)
	})
}

func cancelCmd() *cobra.Command {
	return entryCmd("cancel", "Leave the queue", func(ctx context.Context, id string) (any, error) {
		return map[string]bool{"ok": true}, newClient().Cancel(ctx, id)
	})
}

func slotsCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "List bookable slots and the floor plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			slots, err := c.Slots(cmd.Context(), date)
			if err != nil {
				return err
			}
			tables, err := c.Tables(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"slots": slots, "tables": tables})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "date (YYYY-MM-DD), default today")
	return cmd
}
