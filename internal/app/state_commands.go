package app

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/defi-autopilot/internal/alerting"
	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/logger"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/records"
	"github.com/ggonzalez94/defi-autopilot/internal/safety"
	"github.com/ggonzalez94/defi-autopilot/internal/schema"
)

type safetyStatus struct {
	KillSwitch safety.KillSwitch `json:"kill_switch"`
	DailySpend safety.DailySpend `json:"daily_spend"`
	MaxPerTx   float64           `json:"max_per_tx_usd"`
	MaxDaily   float64           `json:"max_daily_usd"`
}

func (s *runtimeState) newKillSwitchCommand() *cobra.Command {
	root := &cobra.Command{Use: "killswitch", Short: "Inspect or flip the emergency kill switch"}

	var reason string
	on := &cobra.Command{
		Use:   "on",
		Short: "Engage the kill switch; every execution is rejected until released",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.setKillSwitch(cmd, true, reason)
		},
	}
	on.Flags().StringVar(&reason, "reason", "", "Why the switch was engaged")
	_ = on.MarkFlagRequired("reason")
	schema.Mark(on)

	off := &cobra.Command{
		Use:   "off",
		Short: "Release the kill switch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.setKillSwitch(cmd, false, "")
		},
	}
	schema.Mark(off)

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the kill switch, daily spend and limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := s.safetyStatus(cmd.Context())
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), st, nil, nil, false)
		},
	}

	root.AddCommand(on, off, status)
	return root
}

func (s *runtimeState) setKillSwitch(cmd *cobra.Command, active bool, reason string) error {
	ctx := cmd.Context()
	store, err := s.svc.safetyStore(ctx)
	if err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if err := store.SetKillSwitch(ctx, active, reason); err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "set kill switch", err)
	}
	logger.Audit().Warn("kill switch changed", "active", active, "reason", reason, "source", "cli")

	severity, msg := alerting.SeverityInfo, "kill switch released"
	if active {
		severity, msg = alerting.SeverityCritical, "kill switch engaged"
	}
	event := alerting.Event{Kind: alerting.KindKillSwitch, Severity: severity, Message: msg, Metadata: map[string]string{"reason": reason, "source": "cli"}}
	if err := s.svc.alerting().Notify(ctx, event); err != nil {
		logger.L().Warn("kill switch alert failed", "err", err)
	}

	st, err := s.safetyStatus(ctx)
	if err != nil {
		return err
	}
	return s.emitSuccess(trimRootPath(cmd.CommandPath()), st, nil, nil, false)
}

func (s *runtimeState) safetyStatus(ctx context.Context) (safetyStatus, error) {
	store, err := s.svc.safetyStore(ctx)
	if err != nil {
		return safetyStatus{}, err
	}
	ks, err := store.KillSwitch(ctx)
	if err != nil {
		return safetyStatus{}, clierr.Wrap(clierr.CodeUnavailable, "read kill switch", err)
	}
	spend, err := store.LoadDailySpend(ctx)
	if err != nil {
		return safetyStatus{}, clierr.Wrap(clierr.CodeUnavailable, "read daily spend", err)
	}
	return safetyStatus{
		KillSwitch: ks,
		DailySpend: spend,
		MaxPerTx:   s.settings.Safety.MaxPerTxUSD,
		MaxDaily:   s.settings.Safety.MaxDailyUSD,
	}, nil
}

func (s *runtimeState) newRecordsCommand() *cobra.Command {
	root := &cobra.Command{Use: "records", Short: "Transaction record commands"}
	var status, txType, chain string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent transaction records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return clierr.New(clierr.CodeUsage, "--limit must be non-negative")
			}
			store, err := s.svc.recordStore(cmd.Context())
			if err != nil {
				return err
			}
			items, err := store.List(cmd.Context(), records.Filter{
				Status: model.RecordStatus(strings.ToLower(strings.TrimSpace(status))),
				Type:   model.TxType(strings.ToLower(strings.TrimSpace(txType))),
				Chain:  strings.TrimSpace(chain),
				Limit:  limit,
			})
			if err != nil {
				return clierr.Wrap(clierr.CodeUnavailable, "list records", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil, nil, false)
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status (pending|submitted|failed|rejected)")
	list.Flags().StringVar(&txType, "type", "", "Filter by transaction type")
	list.Flags().StringVar(&chain, "chain", "", "Filter by chain")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum records to return")
	root.AddCommand(list)
	return root
}

func (s *runtimeState) newPendingCommand() *cobra.Command {
	root := &cobra.Command{Use: "pending", Short: "Cold-wallet signature requests"}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List transactions waiting for an external signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := s.svc.recordStore(cmd.Context())
			if err != nil {
				return err
			}
			items, err := store.ListPending(cmd.Context(), model.PendingSignatureStatus(strings.ToLower(strings.TrimSpace(status))), limit)
			if err != nil {
				return clierr.Wrap(clierr.CodeUnavailable, "list pending signatures", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil, nil, false)
		},
	}
	list.Flags().StringVar(&status, "status", string(model.SignaturePending), "Filter by status (pending|signed|expired)")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum requests to return")

	var txHash string
	fulfill := &cobra.Command{
		Use:   "fulfill <pending-id>",
		Short: "Attach the broadcast hash of an externally signed transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := s.svc.recordStore(cmd.Context())
			if err != nil {
				return err
			}
			p, err := records.Fulfill(cmd.Context(), store, args[0], txHash, s.runner.now())
			if err != nil {
				return err
			}
			logger.Audit().Info("pending signature fulfilled", "pending_id", p.ID, "record_id", p.RecordID, "tx_hash", p.TxHash, "source", "cli")
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), p, nil, nil, false)
		},
	}
	fulfill.Flags().StringVar(&txHash, "tx-hash", "", "Transaction hash of the signed transaction")
	_ = fulfill.MarkFlagRequired("tx-hash")
	schema.Mark(fulfill)

	root.AddCommand(list, fulfill)
	return root
}
