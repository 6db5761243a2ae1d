package segments

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	iterationCount = 10000
	keyLength      = 32
	saltLength     = 16
)

// PayloadCodec transforms payload bytes on their way into and out of the store.
type PayloadCodec interface {
	Encode(plain []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
}

type plainCodec struct{}

// PlainCodec stores payloads as-is.
var PlainCodec PayloadCodec = plainCodec{}

func (plainCodec) Encode(plain []byte) ([]byte, error)  { return plain, nil }
func (plainCodec) Decode(stored []byte) ([]byte, error) { return stored, nil }

// AESPayloadCodec encrypts payloads with AES-256-GCM. Every payload gets its own
// random salt; the key is derived from the secret with PBKDF2. Stored layout is
// salt | nonce | ciphertext.
type AESPayloadCodec struct {
	secret []byte
}

func NewAESPayloadCodec(secret string) (*AESPayloadCodec, error) {
	if secret == "" {
		return nil, errors.New("payload secret must not be empty")
	}
	return &AESPayloadCodec{secret: []byte(secret)}, nil
}

func (c *AESPayloadCodec) deriveKey(salt []byte) []byte {
	return pbkdf2.Key(c.secret, salt, iterationCount, keyLength, sha256.New)
}

func (c *AESPayloadCodec) gcm(salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.deriveKey(salt))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (c *AESPayloadCodec) Encode(plain []byte) ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	gcm, err := c.gcm(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, saltLength+len(nonce)+len(plain)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plain, nil), nil
}

func (c *AESPayloadCodec) Decode(stored []byte) ([]byte, error) {
	if len(stored) < saltLength {
		return nil, errors.New("ciphertext too short")
	}
	salt, rest := stored[:saltLength], stored[saltLength:]

	gcm, err := c.gcm(salt)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := rest[:nonceSize], rest[nonceSize:]

	return gcm.Open(nil, nonce, ciphertext, nil)
}
