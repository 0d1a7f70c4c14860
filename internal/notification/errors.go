package notification

import "errors"

// ErrSendFailed is returned when a completion callback could not be
// delivered. It wraps the underlying cause and is non-fatal — the scan
// record is already terminal by the time the dispatcher runs, and a missed
// callback never rolls it back. Callers should use errors.Is for comparison.
var ErrSendFailed = errors.New("notification: send failed")
