// Package classifier maps signing and RPC errors to the categories that
// drive retry and dead-letter decisions.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Category is a coarse error class.
type Category string

const (
	Network                Category = "NETWORK"
	Timeout                Category = "TIMEOUT"
	NonceTooLow            Category = "NONCE_TOO_LOW"
	NonceTooHigh           Category = "NONCE_TOO_HIGH"
	InsufficientFunds      Category = "INSUFFICIENT_FUNDS"
	GasPriceTooLow         Category = "GAS_PRICE_TOO_LOW"
	GasLimitExceeded       Category = "GAS_LIMIT_EXCEEDED"
	ReplacementUnderpriced Category = "REPLACEMENT_UNDERPRICED"
	ExecutionReverted      Category = "EXECUTION_REVERTED"
	OutOfGas               Category = "OUT_OF_GAS"
	InvalidTransaction     Category = "INVALID_TRANSACTION"
	Unknown                Category = "UNKNOWN"
)

// Permanent reports whether the category can never succeed on retry.
func (c Category) Permanent() bool {
	switch c {
	case InsufficientFunds, InvalidTransaction, ExecutionReverted, Unknown:
		return true
	}
	return false
}

// Classification is the classifier's verdict on one error.
type Classification struct {
	Type    Category `json:"type"`
	Code    int      `json:"code,omitempty"`
	Details string   `json:"details,omitempty"`
}

// rpcError is the shape go-ethereum's JSON-RPC errors expose.
type rpcError interface {
	Error() string
	ErrorCode() int
}

// substringRules are checked in order against the lowercased message; the
// first hit wins, so more specific patterns come first.
var substringRules = []struct {
	pattern  string
	category Category
}{
	{"replacement transaction underpriced", ReplacementUnderpriced},
	{"nonce too low", NonceTooLow},
	{"nonce too high", NonceTooHigh},
	{"insufficient funds", InsufficientFunds},
	{"transaction underpriced", GasPriceTooLow},
	{"max fee per gas less than block base fee", GasPriceTooLow},
	{"exceeds block gas limit", GasLimitExceeded},
	{"gas limit reached", GasLimitExceeded},
	{"intrinsic gas too low", InvalidTransaction},
	{"invalid transaction", InvalidTransaction},
	{"invalid sender", InvalidTransaction},
	{"execution reverted", ExecutionReverted},
	{"out of gas", OutOfGas},
	{"context deadline exceeded", Timeout},
	{"timeout", Timeout},
	{"connection refused", Network},
	{"connection reset", Network},
	{"no such host", Network},
	{"eof", Network},
	{"broken pipe", Network},
	{"502", Network},
	{"503", Network},
	{"too many requests", Network},
}

// jsonRPCCodes maps the numeric codes nodes attach when the message text is
// unhelpful.
var jsonRPCCodes = map[int]Category{
	-32000: Unknown, // generic server error, message usually decides first
	-32005: Network, // rate limited
	3:      ExecutionReverted,
}

// Classify inspects err and returns its category with whatever code and
// detail the transport exposed. nil maps to Unknown with empty details.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Type: Unknown}
	}
	cls := Classification{Type: Unknown, Details: err.Error()}

	if errors.Is(err, context.DeadlineExceeded) {
		cls.Type = Timeout
		return cls
	}
	if errors.Is(err, context.Canceled) {
		cls.Type = Network
		return cls
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range substringRules {
		if strings.Contains(msg, rule.pattern) {
			cls.Type = rule.category
			break
		}
	}

	var rpcErr rpcError
	if errors.As(err, &rpcErr) {
		cls.Code = rpcErr.ErrorCode()
		if cls.Type == Unknown {
			if cat, ok := jsonRPCCodes[cls.Code]; ok {
				cls.Type = cat
			}
		}
	}
	return cls
}

// String renders the classification for logs.
func (c Classification) String() string {
	if c.Code != 0 {
		return fmt.Sprintf("%s (code %d)", c.Type, c.Code)
	}
	return string(c.Type)
}
