package execution

import (
	"context"
	"errors"
	"strings"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
)

// Failure classes stored as the prefix of TransactionRecord.FailureReason.
const (
	FailureSimulationGas    = "simulation_gas"
	FailureSimulationRevert = "simulation_revert"
	FailureExecutionGas     = "execution_gas"
	FailureExecutionRevert  = "execution_revert"
	FailureExecutionSlip    = "execution_slippage"
	FailureExecutionTimeout = "execution_timeout"
	FailureExecution        = "execution"
)

var gasMarkers = []string{
	"out of gas",
	"gas required exceeds",
	"intrinsic gas",
	"insufficient funds for gas",
	"gas limit",
	"max_gas_amount",
	"out_of_gas",
	"computational budget exceeded",
	"insufficient funds for fee",
}

var slippageMarkers = []string{
	"slippage",
	"too little received",
	"insufficient output amount",
	"insufficient_output_amount",
	"return amount is not enough",
	"min return",
	"price impact",
	"exceeds_slippage",
}

var timeoutMarkers = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"blockhash not found",
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}

func classifySimulation(message string) string {
	if containsAny(strings.ToLower(message), gasMarkers) {
		return FailureSimulationGas
	}
	return FailureSimulationRevert
}

// classifyExecution inspects a dispatch error. Slippage is tested before revert
// because router slippage guards surface as reverts.
func classifyExecution(err error) string {
	if err == nil {
		return FailureExecution
	}
	if clierr.Is(err, clierr.CodeActionTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return FailureExecutionTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, slippageMarkers):
		return FailureExecutionSlip
	case containsAny(msg, timeoutMarkers):
		return FailureExecutionTimeout
	case containsAny(msg, gasMarkers):
		return FailureExecutionGas
	case strings.Contains(msg, "revert"), strings.Contains(msg, "move_abort"), strings.Contains(msg, "custom program error"):
		return FailureExecutionRevert
	default:
		return FailureExecution
	}
}

func failureReason(class, message string) string {
	return class + ": " + message
}
