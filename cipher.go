package armor

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Algorithm tags an AEAD cipher in envelopes and configuration.
type Algorithm string

const (
	AlgorithmAES256GCM        Algorithm = "AES256GCM"
	AlgorithmAES128GCM        Algorithm = "AES128GCM"
	AlgorithmChaCha20Poly1305 Algorithm = "CHACHA20POLY1305"
)

// aeadCipher is the capability interface one AEAD implementation
// satisfies. The engine dispatches on the algorithm tag stored in the
// envelope, so adding an algorithm means adding an implementation here
// and nothing at the call sites.
type aeadCipher interface {
	// Algorithm returns the tag written into envelopes.
	Algorithm() Algorithm

	// KeyBytes is the raw key length the cipher consumes.
	KeyBytes() int

	// Seal encrypts plaintext, returning a fresh random IV, the
	// ciphertext body and the detached authentication tag.
	Seal(key, plaintext []byte) (iv, ciphertext, tag []byte, err error)

	// Open reverses Seal. Tag verification failure is an error.
	Open(key, iv, ciphertext, tag []byte) ([]byte, error)
}

// cipherFor resolves an algorithm tag, failing with
// CodeUnsupportedAlgorithm for tags with no implementation.
func cipherFor(alg Algorithm) (aeadCipher, error) {
	switch alg {
	case AlgorithmAES256GCM:
		return gcmCipher{alg: AlgorithmAES256GCM, keyBytes: 32}, nil
	case AlgorithmAES128GCM:
		return gcmCipher{alg: AlgorithmAES128GCM, keyBytes: 16}, nil
	case AlgorithmChaCha20Poly1305:
		return chachaCipher{}, nil
	default:
		return nil, newError(CodeUnsupportedAlgorithm, "no cipher for algorithm %q", alg)
	}
}

// gcmTagSize is fixed for both GCM and Poly1305 at 16 bytes, which lets
// the envelope carry the tag detached from the ciphertext body.
const aeadTagSize = 16

// gcmCipher implements aeadCipher over AES-GCM at a fixed key length.
type gcmCipher struct {
	alg      Algorithm
	keyBytes int
}

func (c gcmCipher) Algorithm() Algorithm { return c.alg }
func (c gcmCipher) KeyBytes() int        { return c.keyBytes }

func (c gcmCipher) Seal(key, plaintext []byte) ([]byte, []byte, []byte, error) {
	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, nil, nil, err
	}
	return sealDetached(aead, plaintext)
}

func (c gcmCipher) Open(key, iv, ciphertext, tag []byte) ([]byte, error) {
	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, err
	}
	return openDetached(aead, iv, ciphertext, tag)
}

func (c gcmCipher) newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) < c.keyBytes {
		return nil, newError(CodeKeyInvalid, "key material shorter than %d bytes", c.keyBytes)
	}
	block, err := aes.NewCipher(key[:c.keyBytes])
	if err != nil {
		return nil, operationFailed("cipher initialization", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, operationFailed("cipher initialization", err)
	}
	return aead, nil
}

// chachaCipher implements aeadCipher over ChaCha20-Poly1305 (RFC 8439).
type chachaCipher struct{}

func (chachaCipher) Algorithm() Algorithm { return AlgorithmChaCha20Poly1305 }
func (chachaCipher) KeyBytes() int        { return chacha20poly1305.KeySize }

func (c chachaCipher) Seal(key, plaintext []byte) ([]byte, []byte, []byte, error) {
	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, nil, nil, err
	}
	return sealDetached(aead, plaintext)
}

func (c chachaCipher) Open(key, iv, ciphertext, tag []byte) ([]byte, error) {
	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, err
	}
	return openDetached(aead, iv, ciphertext, tag)
}

func (c chachaCipher) newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) < chacha20poly1305.KeySize {
		return nil, newError(CodeKeyInvalid, "key material shorter than %d bytes", chacha20poly1305.KeySize)
	}
	aead, err := chacha20poly1305.New(key[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, operationFailed("cipher initialization", err)
	}
	return aead, nil
}

// sealDetached runs one AEAD seal with a fresh random nonce and splits
// the authentication tag off the sealed output.
func sealDetached(aead cipher.AEAD, plaintext []byte) (iv, ciphertext, tag []byte, err error) {
	iv = make([]byte, aead.NonceSize())
	if _, err = rand.Read(iv); err != nil {
		return nil, nil, nil, operationFailed("nonce generation", err)
	}
	sealed := aead.Seal(nil, iv, plaintext, nil)
	if len(sealed) < aeadTagSize {
		return nil, nil, nil, operationFailed("encryption", fmt.Errorf("sealed output too short: %d", len(sealed)))
	}
	split := len(sealed) - aeadTagSize
	return iv, sealed[:split], sealed[split:], nil
}

// openDetached reassembles ciphertext and tag and opens them. The AEAD
// verifies the tag; a forged or corrupted envelope never decrypts.
func openDetached(aead cipher.AEAD, iv, ciphertext, tag []byte) ([]byte, error) {
	if len(iv) != aead.NonceSize() {
		return nil, newError(CodeInvalidEnvelope, "bad IV length %d", len(iv))
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, newError(CodeInvalidEnvelope, "authentication failed")
	}
	return plaintext, nil
}
