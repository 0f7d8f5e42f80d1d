package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"donation-reconciler/pkg/db/pagination"
	"donation-reconciler/services/orchestrator"
	"donation-reconciler/services/reconciliation"
	"donation-reconciler/services/webhook"
)

var modeShort = map[reconciliation.Mode]string{
	reconciliation.ModeGenerateMissingReceipts: "Issue receipts for confirmed donations that have none",
	reconciliation.ModeResendFailedEmails:      "Retry receipt emails that have automatic attempts left",
}

func sweepCmds() []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(reconciliation.Modes))
	for _, mode := range reconciliation.Modes {
		cmds = append(cmds, &cobra.Command{
			Use:   string(mode),
			Short: modeShort[mode],
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withService(cmd.Context(), func(ctx context.Context, svc *orchestrator.Service) error {
					res, err := svc.Reconcile(ctx, string(mode))
					if err != nil {
						return err
					}
					if err := printJSON(res); err != nil {
						return err
					}
					return sweepError(mode, res)
				})
			},
		})
	}
	return cmds
}

// sweepIncompleteError reports a sweep that ran but left failed items behind.
type sweepIncompleteError struct {
	mode    reconciliation.Mode
	failed  int
	scanned int
}

func (e *sweepIncompleteError) Error() string {
	return fmt.Sprintf("%s: %d of %d items failed", e.mode, e.failed, e.scanned)
}

func sweepError(mode reconciliation.Mode, res *reconciliation.Result) error {
	if res.OK() {
		return nil
	}
	return &sweepIncompleteError{mode: mode, failed: res.Failed, scanned: res.Scanned}
}

const (
	exitOK         = 0
	exitError      = 1
	exitIncomplete = 2
)

// exitCode separates a sweep with item failures from a command that could not run.
func exitCode(err error) int {
	var incomplete *sweepIncompleteError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &incomplete):
		return exitIncomplete
	default:
		return exitError
	}
}

func resendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resend [receipt_id]",
		Short: "Send a receipt email now, ignoring the automatic attempt cap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *orchestrator.Service) error {
				out, err := svc.Resend(ctx, args[0])
				if out != nil {
					if perr := printJSON(out); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}

func stuckCmd() *cobra.Command {
	var page pagination.Pagination
	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "List unsent receipts whose automatic attempts are exhausted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *orchestrator.Service) error {
				items, info, err := svc.ListStuck(ctx, page)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"data": items, "page_info": info})
			})
		},
	}

	cmd.Flags().IntVarP(&page.Limit, "limit", "n", pagination.DefaultLimit, "Maximum results")
	cmd.Flags().StringVar(&page.Cursor, "cursor", "", "Cursor from a previous page")

	return cmd
}

var errChainBroken = errors.New("transition chain does not verify")

func verifyChainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-chain [donation_id]",
		Short: "Recompute the hash chain of a donation's status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *orchestrator.Service) error {
				ok, err := svc.VerifyChain(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printJSON(map[string]any{"donation_id": args[0], "valid": ok}); err != nil {
					return err
				}
				if !ok {
					return errChainBroken
				}
				return nil
			})
		},
	}
}

func conflictsCmd() *cobra.Command {
	var (
		outcome string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List webhook deliveries rejected as out-of-order status transitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *orchestrator.Service) error {
				events, err := svc.ListEvents(ctx, outcome, limit)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"data": events})
			})
		},
	}

	cmd.Flags().StringVar(&outcome, "outcome", string(webhook.OutcomeConflict), "Recorded outcome to list")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum results")

	return cmd
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history [donation_id]",
		Short: "Print the status journal of a donation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *orchestrator.Service) error {
				entries, err := svc.History(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"data": entries})
			})
		},
	}
}

func attemptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attempts [receipt_id]",
		Short: "Print every email attempt made for a receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *orchestrator.Service) error {
				attempts, err := svc.Attempts(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"data": attempts})
			})
		},
	}
}
