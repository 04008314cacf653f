package broadcast

import (
	"strings"
	"time"
)

// FailureKind is the Failure Classifier's verdict for a gateway call.
type FailureKind string

const (
	OutcomeSuccess   FailureKind = "success"
	OutcomeRetry     FailureKind = "retry"
	OutcomePermanent FailureKind = "permanent"
)

// Outcome is the classifier's decision: what happened and, for a
// retry, how long to wait before the row becomes eligible again.
type Outcome struct {
	Kind   FailureKind
	After  time.Duration
	Reason string
}

// DefaultMaxAttempts is the attempt ceiling past which any retry
// verdict is escalated to permanent (spec §4.F).
const DefaultMaxAttempts = 8

// Classify turns a gateway response (and a transport error, if any)
// into success/retry/permanent, matching Telegram's status code table
// exactly (spec §4.F): 429 with retry_after or any 5xx or a transport
// error retries; 401/403/404/400 are permanent, including the specific
// "chat not found"/"user is deactivated"/"bot was blocked" 400
// descriptions; other 400s are permanent too since the payload itself
// is malformed and resending it will not help. Once attempt reaches
// maxAttempts, a retry verdict is escalated to permanent.
func Classify(resp ProviderResponse, transportErr error, attempt, maxAttempts int) Outcome {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	if transportErr != nil {
		return escalateIfExhausted(Outcome{Kind: OutcomeRetry, Reason: transportErr.Error()}, attempt, maxAttempts)
	}

	if resp.OK {
		return Outcome{Kind: OutcomeSuccess}
	}

	code := resp.ErrorCode
	desc := resp.Description

	if code == 429 && resp.RetryAfter != nil {
		return escalateIfExhausted(Outcome{
			Kind:   OutcomeRetry,
			After:  time.Duration(*resp.RetryAfter) * time.Second,
			Reason: orDefault(desc, "too many requests"),
		}, attempt, maxAttempts)
	}

	switch code {
	case 401, 404, 403:
		return Outcome{Kind: OutcomePermanent, Reason: orDefault(desc, fmt401(code))}
	case 400:
		return Outcome{Kind: OutcomePermanent, Reason: orDefault(desc, "bad request")}
	}

	if code >= 500 {
		return escalateIfExhausted(Outcome{Kind: OutcomeRetry, Reason: orDefault(desc, "telegram server error")}, attempt, maxAttempts)
	}

	// Unknown codes default to retry without an explicit After.
	return escalateIfExhausted(Outcome{Kind: OutcomeRetry, Reason: orDefault(desc, "unknown provider error")}, attempt, maxAttempts)
}

func escalateIfExhausted(o Outcome, attempt, maxAttempts int) Outcome {
	if o.Kind == OutcomeRetry && attempt >= maxAttempts {
		return Outcome{Kind: OutcomePermanent, Reason: o.Reason}
	}
	return o
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func fmt401(code int) string {
	switch code {
	case 401:
		return "unauthorized"
	case 404:
		return "not found"
	case 403:
		return "forbidden"
	default:
		return "provider error"
	}
}

// IsBlockedReason reports whether a permanent failure reason indicates
// the chat is permanently unreachable (bot blocked, chat deleted, user
// deactivated), which feeds back into the audience store (SPEC_FULL
// §4.N) so future campaigns stop re-materializing rows for it.
func IsBlockedReason(reason string) bool {
	low := strings.ToLower(reason)
	return strings.Contains(low, "chat not found") || strings.Contains(low, "user is deactivated") || strings.Contains(low, "bot was blocked")
}
