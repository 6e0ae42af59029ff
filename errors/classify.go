package errors

import (
	"fmt"
	"strings"
)

// Category buckets an analysis failure for retry policy decisions.
type Category string

const (
	CategoryTransient  Category = "transient"
	CategoryPermanent  Category = "permanent"
	CategoryUnknown    Category = "unknown"
	CategoryResource   Category = "resource"
	CategoryMaxRetries Category = "max_retries"
)

// ClassifiedError carries a failure together with its retry category and
// the retry budget that category allows.
type ClassifiedError struct {
	Category   Category
	MaxRetries int
	Err        error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s] %v", e.Category, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the category permits another attempt.
func (e *ClassifiedError) Retryable() bool {
	return e.Category == CategoryTransient || e.Category == CategoryUnknown
}

// NewClassified builds a ClassifiedError with the default retry budget
// for the category.
func NewClassified(cat Category, err error) *ClassifiedError {
	budget := 0
	switch cat {
	case CategoryTransient:
		budget = 3
	case CategoryUnknown:
		budget = 2
	}
	return &ClassifiedError{Category: cat, MaxRetries: budget, Err: err}
}

// permanentSignals are stderr substrings that mean retrying cannot help.
var permanentSignals = []string{
	"no such file",
	"file not found",
	"empty session",
	"malformed header",
	"invalid session header",
}

// rateLimitSignals get a larger retry budget than ordinary transients.
var rateLimitSignals = []string{
	"rate limit",
	"rate_limit",
	"429",
	"overloaded",
	"too many requests",
}

var networkSignals = []string{
	"connection refused",
	"connection reset",
	"timed out",
	"timeout",
	"no such host",
	"network is unreachable",
	"temporarily unavailable",
	"502",
	"503",
}

// ClassifyAnalyzer maps an analyzer subprocess outcome to a retry category.
// timedOut covers the daemon-enforced deadline; stderr and exit code cover
// everything the subprocess reported about itself.
func ClassifyAnalyzer(err error, stderr string, exitCode int, timedOut bool) *ClassifiedError {
	if timedOut {
		return &ClassifiedError{
			Category:   CategoryTransient,
			MaxRetries: 3,
			Err:        Wrap(err, ErrCodeAnalyzerTimeout, "analyzer exceeded deadline"),
		}
	}

	lower := strings.ToLower(stderr)

	for _, sig := range permanentSignals {
		if strings.Contains(lower, sig) {
			return &ClassifiedError{
				Category:   CategoryPermanent,
				MaxRetries: 0,
				Err:        Wrap(err, ErrCodeAnalyzerFailed, "analyzer reported unrecoverable input"),
			}
		}
	}

	for _, sig := range rateLimitSignals {
		if strings.Contains(lower, sig) {
			return &ClassifiedError{
				Category:   CategoryTransient,
				MaxRetries: 5,
				Err:        Wrap(err, ErrCodeRateLimited, "provider rate limited"),
			}
		}
	}

	for _, sig := range networkSignals {
		if strings.Contains(lower, sig) {
			return &ClassifiedError{
				Category:   CategoryTransient,
				MaxRetries: 3,
				Err:        Wrap(err, ErrCodeBackendOffline, "provider unreachable"),
			}
		}
	}

	return &ClassifiedError{
		Category:   CategoryUnknown,
		MaxRetries: 2,
		Err:        Wrap(err, ErrCodeAnalyzerFailed, fmt.Sprintf("analyzer exited with code %d", exitCode)),
	}
}
