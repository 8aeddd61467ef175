// Package reliability classifies upstream failures and retries transient ones.
package reliability

// IsRetryableHTTPStatus reports whether an upstream HTTP status is worth retrying.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeMessageType classifies error message types sent by the realtime
// speech engine.
func IsRetryableRealtimeMessageType(messageType string) bool {
	switch messageType {
	case "rate_limited", "resource_exhausted", "queue_overflow", "session_time_limit_exceeded", "transcriber_error", "error":
		return true
	default:
		return false
	}
}
