package execution

import (
	"errors"
	"testing"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
)

func TestClassifySimulation(t *testing.T) {
	cases := map[string]string{
		"execution reverted: INSUFFICIENT_LIQUIDITY":          FailureSimulationRevert,
		"gas required exceeds allowance (30000000)":           FailureSimulationGas,
		"Move abort in 0x1::coin: EINSUFFICIENT_BALANCE(0x6)": FailureSimulationRevert,
		"OUT_OF_GAS":                                          FailureSimulationGas,
	}
	for msg, want := range cases {
		if got := classifySimulation(msg); got != want {
			t.Fatalf("classifySimulation(%q) = %s, want %s", msg, got, want)
		}
	}
}

func TestClassifyExecution(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{errors.New("execution reverted: UniswapV2Router: INSUFFICIENT_OUTPUT_AMOUNT"), FailureExecutionSlip},
		{errors.New("execution reverted: Too little received"), FailureExecutionSlip},
		{errors.New("transaction 0xabc reverted on-chain"), FailureExecutionRevert},
		{errors.New("insufficient funds for gas * price + value"), FailureExecutionGas},
		{clierr.New(clierr.CodeActionTimeout, "receipt wait"), FailureExecutionTimeout},
		{errors.New("context deadline exceeded"), FailureExecutionTimeout},
		{errors.New("nonce too low"), FailureExecution},
	}
	for _, tc := range cases {
		if got := classifyExecution(tc.err); got != tc.want {
			t.Fatalf("classifyExecution(%q) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
