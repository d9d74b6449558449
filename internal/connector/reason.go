package connector

type DisconnectReason string

const (
	ReasonLoggedOut           DisconnectReason = "logged_out"
	ReasonBadSession          DisconnectReason = "bad_session"
	ReasonForbidden           DisconnectReason = "forbidden"
	ReasonMultideviceMismatch DisconnectReason = "multidevice_mismatch"
	ReasonConnectionReplaced  DisconnectReason = "connection_replaced"
	ReasonConnectionClosed    DisconnectReason = "connection_closed"
	ReasonConnectionLost      DisconnectReason = "connection_lost"
	ReasonTimedOut            DisconnectReason = "timed_out"
	ReasonRestartRequired     DisconnectReason = "restart_required"
	ReasonUnavailableService  DisconnectReason = "unavailable_service"
	ReasonUnknown             DisconnectReason = "unknown"
)

var permanentReasons = map[DisconnectReason]bool{
	ReasonLoggedOut:           true,
	ReasonBadSession:          true,
	ReasonForbidden:           true,
	ReasonMultideviceMismatch: true,
	ReasonConnectionReplaced:  true,
}

// Permanent reports whether reconnecting cannot succeed without user action.
func (r DisconnectReason) Permanent() bool {
	return permanentReasons[r]
}

// ClearsCredentials reports whether the stored credentials are no longer
// valid after this disconnect.
func (r DisconnectReason) ClearsCredentials() bool {
	return r == ReasonLoggedOut || r == ReasonBadSession
}

// ReasonFromStatusCode maps the protocol's numeric disconnect codes.
func ReasonFromStatusCode(code int) DisconnectReason {
	switch code {
	case 401:
		return ReasonLoggedOut
	case 403:
		return ReasonForbidden
	case 408:
		return ReasonTimedOut
	case 411:
		return ReasonMultideviceMismatch
	case 428:
		return ReasonConnectionClosed
	case 440:
		return ReasonConnectionReplaced
	case 500:
		return ReasonBadSession
	case 503:
		return ReasonUnavailableService
	case 515:
		return ReasonRestartRequired
	default:
		return ReasonUnknown
	}
}
