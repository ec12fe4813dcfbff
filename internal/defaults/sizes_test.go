package defaults

import "testing"

func TestOuterBodyFitsForwardBody(t *testing.T) {
	// 64 KiB of record fields and headers around the body.
	if got := EncodedSize(ForwardBodyBytes, 64<<10); got > OuterBodyBytes {
		t.Fatalf("EncodedSize(%d) = %d exceeds OuterBodyBytes %d", ForwardBodyBytes, got, OuterBodyBytes)
	}
	if FrameBytes <= OuterBodyBytes {
		t.Fatalf("FrameBytes %d must leave room around OuterBodyBytes %d", FrameBytes, OuterBodyBytes)
	}
}

func TestEncodedSize(t *testing.T) {
	for _, tc := range []struct {
		n, headers int64
		want       int64
	}{
		// empty record: digest(32) -> padded 48 -> +iv 64 -> base64 88
		{0, 0, 88},
		// 3 bytes -> 4 base64, +32 -> 36 -> padded 48 -> 64 -> 88
		{3, 0, 88},
		// 12 -> 16 base64, +32 = 48 -> padded 64 -> 80 -> base64 108
		{12, 0, 108},
	} {
		if got := EncodedSize(tc.n, tc.headers); got != tc.want {
			t.Fatalf("EncodedSize(%d, %d) = %d, want %d", tc.n, tc.headers, got, tc.want)
		}
	}
}
