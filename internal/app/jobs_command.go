package app

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/queue"
	"github.com/ggonzalez94/defi-autopilot/internal/schema"
)

type jobFlags struct {
	job       string
	jobFile   string
	action    string
	chain     string
	protocol  string
	pool      string
	amountUSD string
	params    string
	enqueue   bool
}

type enqueueResult struct {
	ID  string             `json:"id"`
	Job model.ExecutionJob `json:"job"`
}

func (s *runtimeState) newExecuteCommand() *cobra.Command {
	var f jobFlags
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Run one strategy action through the safety gate",
		Long: "Runs an enter, exit, harvest, compound or rebalance job. The job comes from --job/--job-file " +
			"(an execution job or strategy signal as JSON) or from the individual flags.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			job, err := f.build(s.runner.now())
			if err != nil {
				return err
			}
			path := trimRootPath(cmd.CommandPath())

			if f.enqueue {
				jobs, _, err := s.svc.queueBackend()
				if err != nil {
					return err
				}
				env := queue.NewEnvelope(job, s.runner.now())
				if err := jobs.Publish(ctx, env); err != nil {
					return clierr.Wrap(clierr.CodeUnavailable, "publish job", err)
				}
				return s.emitSuccess(path, enqueueResult{ID: env.ID, Job: job}, nil, nil, false)
			}

			operator, err := s.svc.jobOperator(ctx)
			if err != nil {
				return err
			}
			outcome, err := operator.Execute(ctx, job)
			if err != nil {
				return err
			}
			return s.emitSuccess(path, outcome, nil, nil, false)
		},
	}
	cmd.Flags().StringVar(&f.job, "job", "", "Execution job or strategy signal as JSON")
	cmd.Flags().StringVar(&f.jobFile, "job-file", "", "Path to a JSON execution job")
	cmd.Flags().StringVar(&f.action, "action", "", "Action (enter|exit|harvest|compound|rebalance)")
	cmd.Flags().StringVar(&f.chain, "chain", "", "Chain identifier")
	cmd.Flags().StringVar(&f.protocol, "protocol", "", "Protocol id (e.g. aave-v3)")
	cmd.Flags().StringVar(&f.pool, "pool", "", "Pool id or address")
	cmd.Flags().StringVar(&f.amountUSD, "amount-usd", "", "Notional in USD")
	cmd.Flags().StringVar(&f.params, "params", "", "Action parameters as a JSON object")
	cmd.Flags().BoolVar(&f.enqueue, "enqueue", false, "Publish the job to the queue instead of running it")
	schema.Mark(cmd)
	return cmd
}

func (f jobFlags) build(now time.Time) (model.ExecutionJob, error) {
	raw := strings.TrimSpace(f.job)
	if f.jobFile != "" {
		if raw != "" {
			return model.ExecutionJob{}, clierr.New(clierr.CodeUsage, "use either --job or --job-file, not both")
		}
		buf, err := os.ReadFile(f.jobFile)
		if err != nil {
			return model.ExecutionJob{}, clierr.Wrap(clierr.CodeUsage, "read job file", err)
		}
		raw = string(buf)
	}
	if raw != "" {
		return queue.DecodeJob([]byte(raw), now)
	}

	action := model.Action(strings.ToLower(strings.TrimSpace(f.action)))
	if !action.Valid() {
		return model.ExecutionJob{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid --action %q", f.action))
	}
	chain, err := id.ParseChain(f.chain)
	if err != nil {
		return model.ExecutionJob{}, err
	}
	if strings.TrimSpace(f.protocol) == "" || strings.TrimSpace(f.pool) == "" {
		return model.ExecutionJob{}, clierr.New(clierr.CodeUsage, "--protocol and --pool are required")
	}
	job := model.ExecutionJob{
		SignalID:   "cli-" + newRequestID()[:12],
		StrategyID: "manual",
		Action:     action,
		PoolID:     strings.TrimSpace(f.pool),
		Chain:      chain.Slug,
		ProtocolID: strings.ToLower(strings.TrimSpace(f.protocol)),
		Timestamp:  now.UnixMilli(),
	}
	if strings.TrimSpace(f.amountUSD) != "" {
		amt, err := decimal.NewFromString(strings.TrimSpace(f.amountUSD))
		if err != nil || amt.IsNegative() {
			return model.ExecutionJob{}, clierr.New(clierr.CodeUsage, "--amount-usd must be a non-negative number")
		}
		job.AmountUSD = amt
	}
	if strings.TrimSpace(f.params) != "" {
		if err := json.Unmarshal([]byte(f.params), &job.Params); err != nil {
			return model.ExecutionJob{}, clierr.Wrap(clierr.CodeUsage, "parse --params", err)
		}
	}
	return job, nil
}

func (s *runtimeState) newCollectCommand() *cobra.Command {
	var chainsArg string
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Harvest pending rewards and consolidate them into the target token",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			raw := s.settings.AutoPilot.Chains
			if chainsArg != "" {
				raw = splitCSV(chainsArg)
			}
			chains, err := parseChains(raw)
			if err != nil {
				return err
			}
			cfg, err := s.svc.collectorConfig()
			if err != nil {
				return err
			}
			c, err := s.svc.fundCollector(ctx)
			if err != nil {
				return err
			}
			result, err := c.CollectAll(ctx, chains, cfg)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), result, result.Errors, nil, len(result.Errors) > 0)
		},
	}
	cmd.Flags().StringVar(&chainsArg, "chains", "", "Chains to scan (comma-separated, defaults to autopilot.chains)")
	schema.Mark(cmd)
	return cmd
}
