package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"io"
	"testing"

	"github.com/floegence/e2erelay/payload"
	"github.com/floegence/e2erelay/relayerrors"
)

func newTestCipher(t *testing.T, secret string, opts ...Option) *Cipher {
	t.Helper()
	c, err := New([]byte(secret), opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func samplePayloads() []payload.Payload {
	return []payload.Payload{
		payload.NewForwardRequest("GET", "https://example.test/"),
		payload.NewForwardRequest("post", "http://example.test/api?q=1",
			payload.WithHeaders(map[string]string{"Content-Type": "application/json", "X-Long": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}),
			payload.WithBody([]byte(`{"hello":"world"}`)),
			payload.WithUserAgent("test/1"),
			payload.WithTLSVerify(false, false),
		),
		payload.NewHandshake(),
		payload.NewForwardResponse(200, "text/plain", map[string]string{"x-a": "1"}, []byte("ok")),
		payload.NewForwardResponse(204, "", nil, nil),
	}
}

func equalPayload(a, b payload.Payload) bool {
	switch av := a.(type) {
	case payload.ForwardRequest:
		bv, ok := b.(payload.ForwardRequest)
		return ok && av.Equal(bv)
	case payload.ForwardResponse:
		bv, ok := b.(payload.ForwardResponse)
		return ok && av.Equal(bv)
	}
	return false
}

func TestDeriveKey(t *testing.T) {
	a := DeriveKey([]byte("secret"))
	b := DeriveKey([]byte("secret"))
	if a != b {
		t.Fatalf("DeriveKey is not deterministic")
	}
	if a == DeriveKey([]byte("secret2")) {
		t.Fatalf("different secrets produced the same key")
	}
	if a != Key(sha256.Sum256([]byte("secret"))) {
		t.Fatalf("unexpected key derivation")
	}
}

func TestNewRejectsEmptySecret(t *testing.T) {
	_, err := New(nil)
	if !errors.Is(err, ErrEmptySecret) || !relayerrors.IsCipher(err) {
		t.Fatalf("expected cipher error wrapping ErrEmptySecret, got %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	c := newTestCipher(t, "shared")
	for _, p := range samplePayloads() {
		env, err := c.Encrypt(p)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		if (len(env)-IVSize)%aes.BlockSize != 0 || len(env) < IVSize+aes.BlockSize {
			t.Fatalf("unexpected envelope length %d", len(env))
		}
		got, err := c.Decrypt(env)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if !equalPayload(p, got) {
			t.Fatalf("round trip mismatch for %T", p)
		}
	}
}

func TestTamperEveryByte(t *testing.T) {
	c := newTestCipher(t, "shared")
	for _, p := range samplePayloads() {
		env, err := c.Encrypt(p)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		for i := range env {
			for _, mask := range []byte{0x01, 0x80, 0xff} {
				bad := bytes.Clone(env)
				bad[i] ^= mask
				if _, err := c.Decrypt(bad); err == nil {
					t.Fatalf("tampered byte %d (mask %#x) was accepted", i, mask)
				} else if !relayerrors.IsCipher(err) {
					t.Fatalf("expected CipherError, got %T", err)
				}
			}
		}
	}
}

func TestIVFreshness(t *testing.T) {
	c := newTestCipher(t, "shared")
	p := payload.NewForwardRequest("get", "https://example.test/")
	a, err := c.Encrypt(p)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	b, err := c.Encrypt(p)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("identical envelopes for identical payloads")
	}
	if bytes.Equal(a[:IVSize], b[:IVSize]) {
		t.Fatalf("IV reused")
	}
}

func TestWrongKey(t *testing.T) {
	env, err := newTestCipher(t, "one").Encrypt(payload.NewHandshake())
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	_, err = newTestCipher(t, "two").Decrypt(env)
	var ce *relayerrors.CipherError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CipherError, got %v", err)
	}
	if ce.Stage != relayerrors.StageDecrypt || ce.Reason != ReasonDecrypt {
		t.Fatalf("unexpected cipher error: %+v", ce)
	}
}

func TestDecryptMalformed(t *testing.T) {
	c := newTestCipher(t, "shared")
	cases := []struct {
		name string
		in   []byte
		want error
	}{
		{"empty", nil, ErrShortEnvelope},
		{"iv only", make([]byte, IVSize), ErrShortEnvelope},
		{"unaligned", make([]byte, IVSize+aes.BlockSize+3), ErrUnaligned},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Decrypt(tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

// sealRaw encrypts an arbitrary plaintext record with a valid digest, bypassing payload.Encode.
func sealRaw(t *testing.T, secret string, record []byte) []byte {
	t.Helper()
	key := DeriveKey([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	sum := sha256.Sum256(record)
	plain := pkcs7Pad(append(bytes.Clone(record), sum[:]...), aes.BlockSize)
	out := make([]byte, IVSize+len(plain))
	cipher.NewCBCEncrypter(block, out[:IVSize]).CryptBlocks(out[IVSize:], plain)
	return out
}

func TestDecryptRejectsUnknownVariant(t *testing.T) {
	c := newTestCipher(t, "shared")
	env := sealRaw(t, "shared", []byte(`{"v":1,"kind":"shell_command"}`))
	_, err := c.Decrypt(env)
	if !errors.Is(err, payload.ErrUnknownKind) || !relayerrors.IsCipher(err) {
		t.Fatalf("expected CipherError wrapping ErrUnknownKind, got %v", err)
	}

	env = sealRaw(t, "shared", []byte(`O:8:"stdClass":0:{}`))
	if _, err := c.Decrypt(env); !errors.Is(err, payload.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func TestEncryptRandomFailure(t *testing.T) {
	boom := errors.New("entropy exhausted")
	c := newTestCipher(t, "shared", WithRand(errReader{err: boom}))
	_, err := c.Encrypt(payload.NewHandshake())
	var ce *relayerrors.CipherError
	if !errors.As(err, &ce) || ce.Reason != ReasonRandom || !errors.Is(err, boom) {
		t.Fatalf("expected random failure, got %v", err)
	}

	short := newTestCipher(t, "shared", WithRand(io.LimitReader(bytes.NewReader(make([]byte, 64)), 4)))
	if _, err := short.Encrypt(payload.NewHandshake()); !errors.Is(err, ErrShortRandomRead) {
		t.Fatalf("expected ErrShortRandomRead, got %v", err)
	}
}

func TestClose(t *testing.T) {
	c := newTestCipher(t, "shared")
	env, err := c.Encrypt(payload.NewHandshake())
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if c.key != (Key{}) {
		t.Fatalf("expected key to be wiped")
	}
	if _, err := c.Encrypt(payload.NewHandshake()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := c.Decrypt(env); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestPKCS7(t *testing.T) {
	for n := 0; n <= 2*aes.BlockSize; n++ {
		in := bytes.Repeat([]byte{'a'}, n)
		padded := pkcs7Pad(bytes.Clone(in), aes.BlockSize)
		if len(padded)%aes.BlockSize != 0 || len(padded) <= n {
			t.Fatalf("bad padded length %d for %d", len(padded), n)
		}
		out, err := pkcs7Unpad(padded, aes.BlockSize)
		if err != nil || !bytes.Equal(out, in) {
			t.Fatalf("unpad mismatch for %d: %v", n, err)
		}
	}
	bad := bytes.Repeat([]byte{3}, aes.BlockSize)
	bad[len(bad)-2] = 2
	if _, err := pkcs7Unpad(bad, aes.BlockSize); !errors.Is(err, ErrBadPadding) {
		t.Fatalf("expected ErrBadPadding, got %v", err)
	}
	zero := make([]byte, aes.BlockSize)
	if _, err := pkcs7Unpad(zero, aes.BlockSize); !errors.Is(err, ErrBadPadding) {
		t.Fatalf("expected ErrBadPadding for zero pad, got %v", err)
	}
}

func FuzzDecrypt(f *testing.F) {
	key := DeriveKey([]byte("fuzz"))
	c, err := NewWithKey(key)
	if err != nil {
		f.Fatalf("NewWithKey failed: %v", err)
	}
	env, err := c.Encrypt(payload.NewForwardRequest("get", "http://a.test"))
	if err != nil {
		f.Fatalf("Encrypt failed: %v", err)
	}
	f.Add(env)
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, b []byte) {
		p, err := c.Decrypt(b)
		if err != nil {
			if !relayerrors.IsCipher(err) {
				t.Fatalf("non-cipher error %T", err)
			}
			return
		}
		switch p.(type) {
		case payload.ForwardRequest, payload.ForwardResponse:
		default:
			t.Fatalf("unexpected payload %T", p)
		}
	})
}
