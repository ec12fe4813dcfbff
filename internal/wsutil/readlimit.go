package wsutil

import "math"

const (
	defaultMaxEnvelopeBytes = 64 << 20

	// FrameOverheadBytes covers the JSON fields around the envelope in a
	// transport frame: version, status and the forwarded-status header.
	FrameOverheadBytes = 4 << 10
)

// ReadLimit returns the per-message websocket read limit for frames that carry
// a base64 envelope of at most maxEnvelopeBytes (a zero/negative value means
// "use defaults"). The sum saturates instead of overflowing.
func ReadLimit(maxEnvelopeBytes int) int64 {
	eb := int64(maxEnvelopeBytes)
	if eb <= 0 {
		eb = defaultMaxEnvelopeBytes
	}
	if eb > math.MaxInt64-FrameOverheadBytes {
		return math.MaxInt64
	}
	return eb + FrameOverheadBytes
}
