package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/defi-autopilot/internal/adapters"
	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/providers"
)

func (s *runtimeState) newQuoteCommand() *cobra.Command {
	root := &cobra.Command{Use: "quote", Short: "Read-only swap and bridge quotes"}
	root.AddCommand(s.newQuoteSwapCommand())
	root.AddCommand(s.newQuoteBridgeCommand())
	return root
}

func (s *runtimeState) newQuoteSwapCommand() *cobra.Command {
	var chainArg, fromArg, toArg, amountBase, amountDecimal, sender string
	var slippage int64
	cmd := &cobra.Command{
		Use:   "swap",
		Short: "Query every configured DEX router and rank quotes by net output",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			chain, err := id.ParseChain(chainArg)
			if err != nil {
				return err
			}
			tokenIn, err := s.resolveToken(ctx, chain, fromArg)
			if err != nil {
				return err
			}
			tokenOut, err := s.resolveToken(ctx, chain, toArg)
			if err != nil {
				return err
			}
			base, _, err := id.NormalizeAmount(amountBase, amountDecimal, tokenIn.Decimals)
			if err != nil {
				return err
			}
			if slippage < 0 {
				slippage = int64(s.settings.Aggregator.SlippageBps)
			}
			req := providers.SwapRequest{
				Chain:       chain,
				TokenIn:     tokenIn,
				TokenOut:    tokenOut,
				AmountIn:    base,
				Sender:      s.senderFor(chain, sender),
				SlippageBps: slippage,
			}
			multi := s.svc.aggregator().GetBestQuoteMultiSource(ctx, req)

			statuses := make([]model.ProviderStatus, 0, len(multi.All)+len(multi.Failed))
			var warnings []string
			for _, q := range multi.All {
				if !q.Estimated {
					statuses = append(statuses, model.ProviderStatus{Name: q.Source, Status: "ok"})
				}
			}
			for _, f := range multi.Failed {
				statuses = append(statuses, model.ProviderStatus{Name: f.Source, Status: "error"})
				warnings = append(warnings, fmt.Sprintf("%s: %s", f.Source, f.Error))
			}
			if multi.Best == nil {
				s.captureCommandDiagnostics(warnings, statuses, true)
				return clierr.New(clierr.CodeUnavailable, "no swap router returned a quote")
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), multi, warnings, statuses, len(multi.Failed) > 0)
		},
	}
	cmd.Flags().StringVar(&chainArg, "chain", "", "Chain identifier")
	cmd.Flags().StringVar(&fromArg, "from", "", "Input token symbol, address or CAIP-19 id")
	cmd.Flags().StringVar(&toArg, "to", "", "Output token symbol, address or CAIP-19 id")
	cmd.Flags().StringVar(&amountBase, "amount", "", "Amount in base units")
	cmd.Flags().StringVar(&amountDecimal, "amount-decimal", "", "Amount in decimal units")
	cmd.Flags().StringVar(&sender, "sender", "", "Sender address (defaults to the configured wallet)")
	cmd.Flags().Int64Var(&slippage, "slippage-bps", -1, "Slippage tolerance in basis points")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func (s *runtimeState) newQuoteBridgeCommand() *cobra.Command {
	var fromChainArg, toChainArg, assetArg, toAssetArg, amountBase, amountDecimal, sender, recipient string
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Score cross-chain routes by cost, speed and bridge safety",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fromChain, err := id.ParseChain(fromChainArg)
			if err != nil {
				return err
			}
			toChain, err := id.ParseChain(toChainArg)
			if err != nil {
				return err
			}
			fromToken, err := s.resolveToken(ctx, fromChain, assetArg)
			if err != nil {
				return err
			}
			if strings.TrimSpace(toAssetArg) == "" {
				if fromToken.Symbol == "" {
					return clierr.New(clierr.CodeUsage, "--to-asset is required when the source asset has no known symbol")
				}
				toAssetArg = fromToken.Symbol
			}
			toToken, err := s.resolveToken(ctx, toChain, toAssetArg)
			if err != nil {
				return err
			}
			base, _, err := id.NormalizeAmount(amountBase, amountDecimal, fromToken.Decimals)
			if err != nil {
				return err
			}
			from := s.senderFor(fromChain, sender)
			to := recipient
			if strings.TrimSpace(to) == "" {
				to = s.senderFor(toChain, "")
			}
			routes, err := s.svc.quoteRouter().GetOptimalRoute(ctx, providers.RouteRequest{
				FromChain:   fromChain,
				ToChain:     toChain,
				FromToken:   fromToken,
				ToToken:     toToken,
				AmountIn:    base,
				Sender:      from,
				Recipient:   to,
				SlippageBps: int64(s.settings.Router.SlippageBps),
			})
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), routes, nil, nil, false)
		},
	}
	cmd.Flags().StringVar(&fromChainArg, "from", "", "Source chain identifier")
	cmd.Flags().StringVar(&toChainArg, "to", "", "Destination chain identifier")
	cmd.Flags().StringVar(&assetArg, "asset", "", "Asset on the source chain")
	cmd.Flags().StringVar(&toAssetArg, "to-asset", "", "Asset on the destination chain (defaults to the same symbol)")
	cmd.Flags().StringVar(&amountBase, "amount", "", "Amount in base units")
	cmd.Flags().StringVar(&amountDecimal, "amount-decimal", "", "Amount in decimal units")
	cmd.Flags().StringVar(&sender, "sender", "", "Sender address (defaults to the configured wallet)")
	cmd.Flags().StringVar(&recipient, "recipient", "", "Recipient address (defaults to the sender)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("asset")
	return cmd
}

// senderFor prefers the explicit flag, then the configured wallet, and
// otherwise leaves the sender empty so routers quote without one.
func (s *runtimeState) senderFor(chain id.Chain, explicit string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	addr, err := s.svc.walletManager().Address(chain)
	if err != nil {
		return ""
	}
	return addr
}

// resolveToken accepts the chain's gas symbol, a known symbol, an address or a
// CAIP-19 id. Unknown EVM tokens have their decimals read on chain.
func (s *runtimeState) resolveToken(ctx context.Context, chain id.Chain, input string) (model.Token, error) {
	raw := strings.TrimSpace(input)
	if native, ok := id.NativeAsset(chain); ok && strings.EqualFold(raw, native.Symbol) {
		addr := id.NativeEVMAddress
		if !chain.IsEVM() {
			addr = native.Wrapped
		}
		return model.Token{ChainID: chain.CAIP2, Address: addr, Symbol: native.Symbol, Decimals: native.Decimals}, nil
	}
	asset, err := id.ParseAsset(raw, chain)
	if err != nil {
		return model.Token{}, err
	}
	tok := model.Token{ChainID: chain.CAIP2, Address: asset.Address, Symbol: asset.Symbol, Decimals: asset.Decimals}
	if tok.Decimals > 0 || !chain.IsEVM() {
		return tok, nil
	}
	caller, err := s.svc.evmCaller(ctx, chain)
	if err != nil {
		return model.Token{}, clierr.Wrap(clierr.CodeUnavailable, "connect rpc for token metadata", err)
	}
	return adapters.TokenInfo(ctx, caller, chain, asset.Address)
}
