package channel

import "errors"

// ErrTimeout is wrapped into the error returned by ReadExact when fewer
// than the requested bytes arrive within the configured timeout (§4.A's
// HandshakeTimeout case). Callers that need the raw bytes already
// observed get them back alongside this error, not instead of it.
var ErrTimeout = errors.New("channel: read timed out before n bytes arrived")
