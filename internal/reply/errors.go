package reply

import "errors"

// Outcome classes of one inbound turn. Only ErrUpstreamFailure and
// ErrPushDelivery describe real failures; the rest are routed outcomes.
var (
	// ErrUpstreamTimeout means the backend did not finish inside the reply
	// deadline. The turn continues in the background.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrUpstreamFailure covers non-timeout backend errors and non-success
	// statuses.
	ErrUpstreamFailure = errors.New("upstream failure")

	// ErrPushDelivery means the out-of-band push was rejected or failed.
	ErrPushDelivery = errors.New("push delivery failed")

	// ErrDecodeFailure means the inbound payload could not be parsed.
	ErrDecodeFailure = errors.New("decode failure")

	// ErrDuplicateDelivery means the message id was already handled.
	ErrDuplicateDelivery = errors.New("duplicate delivery")
)
