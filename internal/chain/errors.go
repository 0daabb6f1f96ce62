package chain

import "errors"

// Sentinel errors forming the domain error taxonomy. Components wrap
// these with fmt.Errorf("...: %w", err) so callers can use errors.Is
// to distinguish a math precondition violation from a transport
// failure without parsing strings.
var (
	// ErrInvalidInput marks a precondition violation in AmmMath or a
	// malformed configuration value. Programmer error: logged at WARN,
	// the candidate is discarded.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientLiquidity marks a leg that cannot produce the
	// required output. The opportunity is discarded silently, not
	// logged as an error.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	// ErrStaleData marks a snapshot beyond its TTL or block skew
	// budget. Not an error in the logging sense; surfaced as a
	// Rejected reason.
	ErrStaleData = errors.New("stale data")

	// ErrTransportTimeout, ErrTransportRefused, ErrTransportMalformed
	// are RpcPool transport failures: retried locally, then failed
	// over to the next endpoint.
	ErrTransportTimeout    = errors.New("transport timeout")
	ErrTransportRefused    = errors.New("transport refused")
	ErrTransportMalformed  = errors.New("transport malformed response")
	ErrEndpointsExhausted  = errors.New("all endpoints exhausted")

	// ErrStoreUnavailable marks a transient or persistent store
	// outage. Transient outages are buffered; persistent ones (beyond
	// storeOutageMax) escalate to the Orchestrator.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConfigError is fatal at startup.
	ErrConfigError = errors.New("configuration error")

	// ErrNotFound marks a missing record in the store (surfaced as
	// HTTP 404 by internal/api).
	ErrNotFound = errors.New("not found")
)

// QualifierReject carries the reason a candidate failed a Qualifier
// threshold check. It is not an error in the logging sense; it is
// recorded as the Rejected opportunity's Reason field.
type QualifierReject struct {
	Reason string
}

func (r *QualifierReject) Error() string { return "qualifier reject: " + r.Reason }

// GateReject carries the reasons RiskGate vetoed a qualified
// opportunity.
type GateReject struct {
	Reasons []string
}

func (r *GateReject) Error() string {
	msg := "gate reject:"
	for _, reason := range r.Reasons {
		msg += " " + reason
	}
	return msg
}
