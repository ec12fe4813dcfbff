package defaults

const (
	// ForwardBodyBytes caps the destination body a node relays back.
	ForwardBodyBytes = 64 << 20

	// OuterBodyBytes caps the base64 envelope a client accepts from a node.
	// A ForwardBodyBytes body grows by two base64 layers (4/3 each), the
	// record JSON, the digest and the CBC padding, which stays below this.
	OuterBodyBytes = 128 << 20

	// FrameOverheadBytes is the room a stream frame needs around the envelope
	// for its JSON wrapper and response headers.
	FrameOverheadBytes = 1 << 20

	// FrameBytes caps one inbound response frame on the stream carriers.
	FrameBytes = OuterBodyBytes + FrameOverheadBytes
)

// EncodedSize returns an upper bound on the outer body carrying a forwarded
// body of n bytes plus headerBytes of record metadata.
func EncodedSize(n, headerBytes int64) int64 {
	record := base64Len(n) + headerBytes
	// sha256 digest, then PKCS#7 pads to the next block, then the IV.
	sealed := (record+32)/16*16 + 16 + 16
	return base64Len(sealed)
}

func base64Len(n int64) int64 { return (n + 2) / 3 * 4 }
