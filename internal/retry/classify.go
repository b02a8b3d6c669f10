package retry

import (
	"errors"
	"net/http"
)

type Kind int

const (
	Transient Kind = iota
	RateLimited
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

func (k Kind) Retryable() bool {
	return k == Transient || k == RateLimited
}

// Classify maps err to a Kind. Unknown errors are Transient; the caller's
// attempt ceiling bounds them.
func Classify(err error) Kind {
	if err == nil {
		return Transient
	}

	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrExhausted) {
		return Permanent
	}

	var validation *ValidationError
	if errors.As(err, &validation) {
		return Permanent
	}

	var provider *ProviderError
	if errors.As(err, &provider) && provider.StatusCode > 0 {
		return classifyStatus(provider.StatusCode)
	}

	// Connection timeouts, deadline overruns and anything unrecognised.
	return Transient
}

func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusServiceUnavailable:
		return RateLimited
	case code == http.StatusRequestTimeout:
		return Transient
	case code >= 500:
		return Transient
	case code >= 400:
		return Permanent
	default:
		return Transient
	}
}
