package rpc

import (
	"strings"

	"trading-core/internal/errkind"
)

// classify maps a JSON-RPC error frame to the normalized error taxonomy
// (spec.md §4.2): single-code overrides first, then numeric ranges, then a
// substring match on the message as a fallback.
func classify(e *rpcError) *errkind.Error {
	if e == nil {
		return errkind.New(errkind.UnknownErr, "nil rpc error")
	}

	switch {
	case e.Code == 10009:
		return errkind.Newf(errkind.InsufficientFunds, "%s", e.Message)
	case e.Code == 10028:
		return errkind.Newf(errkind.RateLimit, "%s", e.Message)
	case e.Code >= 10000 && e.Code <= 10999:
		return errkind.Newf(errkind.AuthenticationError, "%s", e.Message)
	case e.Code == -32602:
		return errkind.Newf(errkind.InvalidParams, "%s", e.Message)
	case e.Code == -32000 || e.Code == -32603 || e.Code == 500 || e.Code == 502 || e.Code == 503:
		return errkind.Newf(errkind.ServerError, "%s", e.Message)
	}

	lower := strings.ToLower(e.Message)
	switch {
	case strings.Contains(lower, "insufficient"):
		return errkind.Newf(errkind.InsufficientFunds, "%s", e.Message)
	case strings.Contains(lower, "rate limit"):
		return errkind.Newf(errkind.RateLimit, "%s", e.Message)
	default:
		return errkind.Newf(errkind.UnknownErr, "%s", e.Message)
	}
}

// isRetryable reports whether an RPC-layer error qualifies for the
// idempotent-read retry policy (spec.md §4.2).
func isRetryable(kind errkind.Kind) bool {
	switch kind {
	case errkind.NetworkError, errkind.TimeoutError, errkind.ServerError, errkind.WebsocketError:
		return true
	default:
		return false
	}
}
