// Package resilience provides the failure-handling primitives for the
// processing pipeline: error classification, exponential backoff, and
// per-resource circuit breakers.
package resilience

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"regexp"
	"strings"
	"syscall"
)

// Class grades an error by how the pipeline should react to it.
type Class int

const (
	// ClassUnknown covers errors the classifier cannot grade. Treated as
	// retryable so transient faults are not given up on prematurely.
	ClassUnknown Class = iota
	// ClassRetryable marks transient faults: timeouts, connection resets,
	// rate limits, server-side errors.
	ClassRetryable
	// ClassPermanent marks faults that will not heal on retry: missing
	// files, bad requests, unknown models.
	ClassPermanent
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// StatusCarrier is implemented by errors that carry an HTTP status code,
// such as the LLM and embedding API errors.
type StatusCarrier interface {
	HTTPStatus() int
}

var (
	retryableKeywords = []string{"timeout", "timed out", "refused", "reset by peer", "503", "502", "504", "429", "too many requests", "unavailable"}
	permanentKeywords = []string{"not found", "404", "400", "invalid", "permission denied", "unauthorized", "forbidden"}

	modelNotFoundRe = regexp.MustCompile(`(?i)model\b.*\bnot\b.*\bfound`)
)

// Classify grades an arbitrary error. It is a pure, total function: any
// error value (including nil) yields a class without side effects.
//
// Precedence: typed checks first (context, net, syscall, fs, HTTP status),
// then case-insensitive keyword matching on the message, then unknown.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassRetryable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassRetryable
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return ClassRetryable
	}

	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return ClassPermanent
	}

	var sc StatusCarrier
	if errors.As(err, &sc) {
		return classifyStatus(sc.HTTPStatus())
	}

	return classifyMessage(err.Error())
}

// IsRetryable reports whether the pipeline should retry after err.
// Unknown errors fail open toward retry.
func IsRetryable(err error) bool {
	c := Classify(err)
	return c == ClassRetryable || c == ClassUnknown
}

// IsPermanent reports whether err is known to be unrecoverable.
func IsPermanent(err error) bool {
	return Classify(err) == ClassPermanent
}

func classifyStatus(status int) Class {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRetryable
	case status >= 500:
		return ClassRetryable
	case status >= 400:
		return ClassPermanent
	default:
		return ClassUnknown
	}
}

func classifyMessage(msg string) Class {
	lower := strings.ToLower(msg)

	if modelNotFoundRe.MatchString(lower) {
		return ClassPermanent
	}
	for _, kw := range retryableKeywords {
		if strings.Contains(lower, kw) {
			return ClassRetryable
		}
	}
	for _, kw := range permanentKeywords {
		if strings.Contains(lower, kw) {
			return ClassPermanent
		}
	}
	return ClassUnknown
}
