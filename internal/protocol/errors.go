package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Session routing.
	ErrSessionFull = "E_SESSION_FULL"
	ErrRateLimit   = "E_RATE_LIMIT"

	// Rollback reconciliation.
	ErrStale      = "E_STALE"
	ErrFuture     = "E_FUTURE"
	ErrQueueFull  = "E_QUEUE_FULL"
	ErrIdentity   = "E_IDENTITY"
	ErrDivergence = "E_DIVERGENCE"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrSessionFull:     {},
	ErrRateLimit:       {},
	ErrStale:           {},
	ErrFuture:          {},
	ErrQueueFull:       {},
	ErrIdentity:        {},
	ErrDivergence:      {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
