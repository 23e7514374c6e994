// Package retry classifies SMTP send failures and computes retry backoff.
package retry

import (
	"errors"
	"net"
	"net/textproto"
	"os"
	"regexp"
	"strings"
	"syscall"
)

// DefaultDelays is the backoff schedule indexed by retry count, clamped to
// the last entry.
var DefaultDelays = []int64{60, 300, 900}

// DefaultMaxRetries bounds transient retries before the message is failed.
const DefaultMaxRetries = 3

// Strategy decides whether and when a failed send is retried.
type Strategy struct {
	MaxRetries int
	Delays     []int64
}

// NewStrategy returns a strategy with defaults filled in.
func NewStrategy(maxRetries int, delays []int64) *Strategy {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	return &Strategy{MaxRetries: maxRetries, Delays: delays}
}

// ShouldRetry reports whether a send that already failed retryCount times
// gets another attempt.
func (s *Strategy) ShouldRetry(retryCount int) bool {
	return retryCount < s.MaxRetries
}

// CalculateDelay returns the backoff in seconds for the given retry count.
// Counts past the end of the schedule reuse the last entry.
func (s *Strategy) CalculateDelay(retryCount int) int64 {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(s.Delays) {
		return s.Delays[len(s.Delays)-1]
	}
	return s.Delays[retryCount]
}

var smtpCodeRe = regexp.MustCompile(`\b([245]\d\d)\b`)

// ClassifyError splits an SMTP failure into transient (worth retrying) or
// permanent, extracting the SMTP reply code when one is present. Permanent
// failures are 5xx replies and TLS/auth errors; 4xx replies, timeouts and
// connection-level resets are transient.
func ClassifyError(err error) (transient bool, smtpCode int) {
	if err == nil {
		return false, 0
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code < 500, tpErr.Code
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true, 0
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true, 0
	}

	msg := strings.ToLower(err.Error())
	if code := smtpCodeRe.FindString(err.Error()); code != "" {
		n := int(code[0]-'0')*100 + int(code[1]-'0')*10 + int(code[2]-'0')
		if n >= 400 {
			return n < 500, n
		}
	}
	switch {
	case strings.Contains(msg, "tls"), strings.Contains(msg, "certificate"),
		strings.Contains(msg, "auth"):
		return false, 0
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "temporar"),
		strings.Contains(msg, "try again"):
		return true, 0
	}
	// Unclassified failures are treated as transient so a flaky relay gets
	// the benefit of the retry budget.
	return true, 0
}
