package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/biequity/reconciler/internal/fault"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	CodeRevert            = "REVERT"
	CodeNonce             = "NONCE"
	CodeAlreadyKnown      = "ALREADY_KNOWN"
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodeUnderpriced       = "UNDERPRICED"
)

// classify maps node and contract errors into the shared taxonomy: reverts
// and funding problems are terminal, nonce races and everything else transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case isRevert(msg, err):
		if reason := revertReason(err); reason != "" {
			err = fmt.Errorf("%w (reason: %s)", err, reason)
		}
		return fault.Terminal(op, err).WithCode(CodeRevert)
	case isAlreadyKnown(msg):
		return fault.Transient(op, err).WithCode(CodeAlreadyKnown)
	case isNonceError(msg):
		return fault.Transient(op, err).WithCode(CodeNonce)
	case isUnderpriced(msg):
		return fault.Transient(op, err).WithCode(CodeUnderpriced)
	case strings.Contains(msg, "insufficient funds"):
		return fault.Terminal(op, err).WithCode(CodeInsufficientFunds)
	}
	return fault.Transient(op, err)
}

// CodeOf returns the machine code of a classified chain error.
func CodeOf(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

func isNonceError(msg string) bool {
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "replacement transaction underpriced") ||
		strings.Contains(msg, "invalid nonce")
}

// isRevert matches the node's revert message or an RPC error carrying revert
// data. Other messages that merely mention a revert stay retryable.
func isRevert(msg string, err error) bool {
	if strings.Contains(msg, "execution reverted") {
		return true
	}
	_, ok := revertData(err)
	return ok
}

// isUnderpriced matches a signed transaction whose fee cap the pool refuses,
// typically because the base fee has risen past it.
func isUnderpriced(msg string) bool {
	return strings.Contains(msg, "less than block base fee") ||
		strings.Contains(msg, "transaction underpriced") ||
		strings.Contains(msg, "max fee per gas less than")
}

func isAlreadyKnown(msg string) bool {
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func revertData(err error) ([]byte, bool) {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil, false
	}
	hexData, ok := de.ErrorData().(string)
	if !ok {
		return nil, false
	}
	data, decErr := hexutil.Decode(hexData)
	if decErr != nil || len(data) < 4 {
		return nil, false
	}
	return data, true
}

func revertReason(err error) string {
	data, ok := revertData(err)
	if !ok {
		return ""
	}
	reason, unpackErr := abi.UnpackRevert(data)
	if unpackErr != nil {
		return ""
	}
	return reason
}
