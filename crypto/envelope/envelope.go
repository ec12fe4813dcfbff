// Package envelope seals relay payloads into IV-prefixed AES-256-CBC envelopes.
//
// Envelope layout:
//
//	iv(16) || AES-256-CBC(key, iv, PKCS7(record || sha256(record)))
//
// where record is the canonical payload encoding (see payload.Encode) and key
// is SHA-256 of the shared secret.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"io"
	"sync/atomic"

	"github.com/floegence/e2erelay/payload"
	"github.com/floegence/e2erelay/relayerrors"
)

const (
	// KeySize is the derived key length (AES-256).
	KeySize = 32
	// IVSize is the IV length, equal to the AES block size.
	IVSize = aes.BlockSize

	digestSize = sha256.Size
)

// Peer-safe failure reasons. They are sent verbatim as 451/454 bodies.
const (
	ReasonMalformed   = "malformed envelope"
	ReasonDecrypt     = "failed to decrypt envelope"
	ReasonRandom      = "failed to generate IV"
	ReasonEncode      = "failed to encode payload"
	ReasonClosed      = "cipher closed"
	ReasonEmptySecret = "empty secret"
)

var (
	ErrEmptySecret     = errors.New("empty shared secret")
	ErrClosed          = errors.New("cipher closed")
	ErrShortEnvelope   = errors.New("envelope too short")
	ErrUnaligned       = errors.New("envelope not block aligned")
	ErrBadPadding      = errors.New("invalid padding")
	ErrDigestMismatch  = errors.New("record digest mismatch")
	ErrShortRandomRead = errors.New("short random read")
)

// Key is the symmetric key derived from the shared secret.
type Key [KeySize]byte

// DeriveKey hashes the raw secret into a fixed-length key. It is deterministic and unsalted.
func DeriveKey(secret []byte) Key {
	return Key(sha256.Sum256(secret))
}

// Cipher encrypts and decrypts payloads under one key.
//
// A Cipher is safe for concurrent use. Close wipes the key copy it holds;
// Encrypt and Decrypt fail afterwards.
type Cipher struct {
	key    Key
	block  cipher.Block
	rand   io.Reader
	closed atomic.Bool
}

// Option customizes a Cipher.
type Option func(*Cipher)

// WithRand overrides the IV source (crypto/rand by default).
func WithRand(r io.Reader) Option {
	return func(c *Cipher) {
		if r != nil {
			c.rand = r
		}
	}
}

// New derives a key from secret and returns a Cipher using it.
func New(secret []byte, opts ...Option) (*Cipher, error) {
	if len(secret) == 0 {
		return nil, relayerrors.NewCipherError(relayerrors.StageEncrypt, ReasonEmptySecret, ErrEmptySecret)
	}
	return NewWithKey(DeriveKey(secret), opts...)
}

// NewWithKey returns a Cipher for an already derived key.
func NewWithKey(key Key, opts ...Option) (*Cipher, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, relayerrors.NewCipherError(relayerrors.StageEncrypt, "invalid key", err)
	}
	c := &Cipher{key: key, block: block, rand: rand.Reader}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Close wipes the key. It must not race with in-flight Encrypt/Decrypt calls.
func (c *Cipher) Close() error {
	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	clear(c.key[:])
	return nil
}

// Encrypt seals p into a fresh envelope with a random IV.
func (c *Cipher) Encrypt(p payload.Payload) ([]byte, error) {
	if c == nil || c.closed.Load() {
		return nil, relayerrors.NewCipherError(relayerrors.StageEncrypt, ReasonClosed, ErrClosed)
	}
	record, err := payload.Encode(p)
	if err != nil {
		return nil, relayerrors.NewCipherError(relayerrors.StageEncrypt, ReasonEncode, err)
	}
	sum := sha256.Sum256(record)
	plain := pkcs7Pad(append(record, sum[:]...), aes.BlockSize)

	out := make([]byte, IVSize+len(plain))
	iv := out[:IVSize]
	if n, err := io.ReadFull(c.rand, iv); err != nil {
		if n > 0 && errors.Is(err, io.ErrUnexpectedEOF) {
			err = ErrShortRandomRead
		}
		return nil, relayerrors.NewCipherError(relayerrors.StageEncrypt, ReasonRandom, err)
	}
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out[IVSize:], plain)
	return out, nil
}

// Decrypt opens an envelope and returns the payload it carries.
//
// Only ForwardRequest and ForwardResponse can be returned; any other record is
// rejected with a CipherError.
func (c *Cipher) Decrypt(raw []byte) (payload.Payload, error) {
	if c == nil || c.closed.Load() {
		return nil, relayerrors.NewCipherError(relayerrors.StageDecrypt, ReasonClosed, ErrClosed)
	}
	if len(raw) < IVSize+aes.BlockSize {
		return nil, relayerrors.NewCipherError(relayerrors.StageDecrypt, ReasonMalformed, ErrShortEnvelope)
	}
	if (len(raw)-IVSize)%aes.BlockSize != 0 {
		return nil, relayerrors.NewCipherError(relayerrors.StageDecrypt, ReasonMalformed, ErrUnaligned)
	}
	plain := make([]byte, len(raw)-IVSize)
	cipher.NewCBCDecrypter(c.block, raw[:IVSize]).CryptBlocks(plain, raw[IVSize:])

	// Padding, digest and decode failures share one reason so the peer-visible
	// body does not distinguish them.
	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, relayerrors.NewCipherError(relayerrors.StageDecrypt, ReasonDecrypt, err)
	}
	if len(unpadded) < digestSize {
		return nil, relayerrors.NewCipherError(relayerrors.StageDecrypt, ReasonDecrypt, ErrDigestMismatch)
	}
	record, digest := unpadded[:len(unpadded)-digestSize], unpadded[len(unpadded)-digestSize:]
	sum := sha256.Sum256(record)
	if subtle.ConstantTimeCompare(sum[:], digest) != 1 {
		return nil, relayerrors.NewCipherError(relayerrors.StageDecrypt, ReasonDecrypt, ErrDigestMismatch)
	}
	p, err := payload.Decode(record)
	if err != nil {
		return nil, relayerrors.NewCipherError(relayerrors.StageDecrypt, ReasonDecrypt, err)
	}
	switch p.(type) {
	case payload.ForwardRequest, payload.ForwardResponse:
		return p, nil
	default:
		return nil, relayerrors.NewCipherError(relayerrors.StageDecrypt, ReasonDecrypt, payload.ErrUnknownKind)
	}
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, ErrBadPadding
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, ErrBadPadding
		}
	}
	return b[:len(b)-n], nil
}
