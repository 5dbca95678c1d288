package oracle

import "errors"

// Validation failures. None of these reach a caller of the Resolver: each
// one becomes the Reason of a fallback price.
var (
	ErrMalformedUpdate   = errors.New("oracle: malformed price update")
	ErrUnsupportedUpdate = errors.New("oracle: unsupported price update version")
	ErrUntrustedSigner   = errors.New("oracle: price update signer is not trusted")
	ErrMalformedAccount  = errors.New("oracle: malformed price account")
	ErrUnknownHandle     = errors.New("oracle: unknown price account handle")
	ErrNoPrice           = errors.New("oracle: no price account for feed")
	ErrFeedMismatch      = errors.New("oracle: price account is for a different feed")
	ErrStalePrice        = errors.New("oracle: price is older than max age")
	ErrFuturePrice       = errors.New("oracle: price is timestamped in the future")
	ErrNonPositivePrice  = errors.New("oracle: price is not positive")
	ErrPriceTooSmall     = errors.New("oracle: price is below the smallest representable unit")
	ErrInvalidExponent   = errors.New("oracle: price exponent out of range")
	ErrConfidenceTooWide = errors.New("oracle: price confidence interval too wide")
)

// reason maps a validation error to a short, stable label used in resolved
// prices and metrics.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrNoPrice), errors.Is(err, ErrUnknownHandle):
		return "missing"
	case errors.Is(err, ErrStalePrice):
		return "stale"
	case errors.Is(err, ErrFuturePrice):
		return "future"
	case errors.Is(err, ErrFeedMismatch):
		return "feed_mismatch"
	case errors.Is(err, ErrNonPositivePrice):
		return "non_positive"
	case errors.Is(err, ErrPriceTooSmall):
		return "too_small"
	case errors.Is(err, ErrInvalidExponent):
		return "bad_exponent"
	case errors.Is(err, ErrConfidenceTooWide):
		return "low_confidence"
	case errors.Is(err, ErrUntrustedSigner):
		return "untrusted_signer"
	case errors.Is(err, ErrMalformedAccount), errors.Is(err, ErrMalformedUpdate), errors.Is(err, ErrUnsupportedUpdate):
		return "malformed"
	default:
		return "error"
	}
}
