package proxy

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Classify maps an upstream transport error (or HTTP status) to the
// retry/friendly-error classifier table in spec.md §4.8.
func Classify(err error, statusCode int) (classifier, friendlyMessage string) {
	if statusCode >= 500 {
		return "server", friendlyMessages["server"]
	}

	if err == nil {
		return "", ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", friendlyMessages["timeout"]
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout", friendlyMessages["timeout"]
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return "connect", friendlyMessages["connect"]
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "dial tcp"):
		return "connect", friendlyMessages["connect"]
	case strings.Contains(msg, "read"):
		return "read", friendlyMessages["read"]
	case strings.Contains(msg, "EOF"):
		return "read", friendlyMessages["read"]
	default:
		return "unknown", friendlyMessages["unknown"]
	}
}

// friendlyMessageFor returns the literal message for a classifier key.
func friendlyMessageFor(classifier string) string {
	return friendlyMessages[classifier]
}
