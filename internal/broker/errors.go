package broker

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind tags a broker failure with how the pipeline should react.
type ErrorKind string

const (
	KindConnection      ErrorKind = "CONNECTION"
	KindTransport       ErrorKind = "TRANSPORT"
	KindTimeout         ErrorKind = "TIMEOUT"
	KindRateLimited     ErrorKind = "RATE_LIMITED"
	KindCredentials     ErrorKind = "CREDENTIALS"
	KindSymbolNotFound  ErrorKind = "SYMBOL_NOT_FOUND"
	KindNotTradable     ErrorKind = "SYMBOL_NOT_TRADABLE"
	KindInvalidStops    ErrorKind = "INVALID_STOPS"
	KindInvalidFilling  ErrorKind = "INVALID_FILL"
	KindInvalidVolume   ErrorKind = "INVALID_VOLUME"
	KindNoMoney         ErrorKind = "NO_MONEY"
	KindMarketClosed    ErrorKind = "MARKET_CLOSED"
	KindProtectionUnset ErrorKind = "PROTECTION_NOT_SET"
	KindUnknown         ErrorKind = "UNKNOWN"
)

// OrderError is the tagged error used across the adapter boundary. Adapters
// return rejections as OrderResult values; OrderError carries the kind so the
// pipeline's retry loop can pattern-match without string parsing.
type OrderError struct {
	Kind      ErrorKind
	Retryable bool
	Message   string
	Retcode   int
}

func (e *OrderError) Error() string {
	if e.Retcode != 0 {
		return fmt.Sprintf("%s (retcode %d): %s", e.Kind, e.Retcode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewOrderError builds a tagged error with retryability derived from the kind.
func NewOrderError(kind ErrorKind, retcode int, msg string) *OrderError {
	return &OrderError{Kind: kind, Retryable: kindRetryable(kind), Message: msg, Retcode: retcode}
}

func kindRetryable(kind ErrorKind) bool {
	switch kind {
	case KindNoMoney, KindInvalidStops, KindInvalidFilling, KindConnection, KindTimeout, KindUnknown:
		return true
	default:
		return false
	}
}

// KindOf extracts the ErrorKind from an error chain, defaulting to UNKNOWN.
func KindOf(err error) ErrorKind {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindUnknown
}

// MT5-family trade server return codes, the taxonomy the gateway and terminal
// adapters translate into kinds.
const (
	RetcodeDone           = 10009
	RetcodeRequote        = 10004
	RetcodeReject         = 10006
	RetcodeInvalidRequest = 10013
	RetcodeInvalidVolume  = 10014
	RetcodeInvalidPrice   = 10015
	RetcodeInvalidStops   = 10016
	RetcodeTradeDisabled  = 10017
	RetcodeMarketClosed   = 10018
	RetcodeNoMoney        = 10019
	RetcodePriceOff       = 10021
	RetcodeTimeout        = 10012
	RetcodeInvalidFill    = 10030
	RetcodeNoConnection   = 10031
	RetcodeLimitVolume    = 10034
)

// ClassifyRetcode maps an MT5-family return code to the error taxonomy.
func ClassifyRetcode(code int) ErrorKind {
	switch code {
	case RetcodeInvalidStops:
		return KindInvalidStops
	case RetcodeNoMoney:
		return KindNoMoney
	case RetcodeInvalidFill:
		return KindInvalidFilling
	case RetcodeInvalidVolume, RetcodeLimitVolume:
		return KindInvalidVolume
	case RetcodeMarketClosed:
		return KindMarketClosed
	case RetcodeTradeDisabled:
		return KindNotTradable
	case RetcodeNoConnection:
		return KindConnection
	case RetcodeTimeout:
		return KindTimeout
	case RetcodeRequote, RetcodePriceOff, RetcodeInvalidPrice:
		return KindUnknown // retry once unmodified; adapter may requote
	default:
		return KindUnknown
	}
}

// ClassifyMessage maps a broker's textual rejection to the taxonomy. Used by
// adapters whose platforms do not expose numeric retcodes.
func ClassifyMessage(msg string) ErrorKind {
	m := strings.ToLower(msg)
	switch {
	case contains(m, "invalid stop", "stops level", "invalid sl", "invalid s/l", "stop loss"):
		return KindInvalidStops
	case contains(m, "insufficient", "not enough money", "no money", "margin"):
		return KindNoMoney
	case contains(m, "filling", "fill policy"):
		return KindInvalidFilling
	case contains(m, "volume", "lot size", "units"):
		return KindInvalidVolume
	case contains(m, "market closed", "market is closed", "halted"):
		return KindMarketClosed
	case contains(m, "trade disabled", "not tradable", "instrument disabled"):
		return KindNotTradable
	case contains(m, "rate limit", "too many requests"):
		return KindRateLimited
	case contains(m, "timeout", "timed out"):
		return KindTimeout
	case contains(m, "unauthorized", "forbidden", "invalid token", "authentication"):
		return KindCredentials
	case contains(m, "connection", "connect"):
		return KindConnection
	default:
		return KindUnknown
	}
}

func contains(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
