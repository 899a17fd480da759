package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"southwinds.dev/armor/internal/misc"
)

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}

// Checksum calculates the SHA-256 checksum of data as lowercase hex.
func Checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// DeriveKey stretches a passphrase and salt into a 256-bit wrapping key
// with Argon2id and returns it in a locked buffer. The caller owns the
// buffer and must destroy it.
func DeriveKey(passphrase, salt []byte) (*memguard.LockedBuffer, error) {
	if len(salt) < misc.SaltSize {
		return nil, errors.New("derivation salt too short")
	}
	derived := argon2.IDKey(
		passphrase,
		salt,
		misc.ArgonTime,
		misc.ArgonMemory,
		misc.ArgonThreads,
		misc.ArgonKeyLen,
	)

	protected := memguard.NewBufferFromBytes(derived)
	return protected, nil
}

// WrapValue encrypts a value under a 256-bit key with ChaCha20-Poly1305.
// The nonce is prepended to the ciphertext.
func WrapValue(value, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, value, nil)

	wrapped := make([]byte, len(nonce)+len(ciphertext))
	copy(wrapped[:len(nonce)], nonce)
	copy(wrapped[len(nonce):], ciphertext)
	return wrapped, nil
}

// UnwrapValue reverses WrapValue. Authentication failure is an error.
func UnwrapValue(wrapped, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(wrapped) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("wrapped data too short")
	}

	nonce := wrapped[:aead.NonceSize()]
	ciphertext := wrapped[aead.NonceSize():]

	value, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return value, nil
}

// EncryptWithPassphrase encrypts data using a passphrase with PBKDF2 +
// ChaCha20-Poly1305. Used for backup payloads, which must stay openable
// without the store's derivation salt. Output layout: salt, nonce,
// ciphertext.
func EncryptWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, misc.Pbkdf2Iterations, 32, sha256.New)
	defer memguard.WipeBytes(key)

	wrapped, err := WrapValue(data, key)
	if err != nil {
		return nil, err
	}

	result := make([]byte, len(salt)+len(wrapped))
	copy(result[:len(salt)], salt)
	copy(result[len(salt):], wrapped)
	return result, nil
}

// DecryptWithPassphrase reverses EncryptWithPassphrase.
func DecryptWithPassphrase(encrypted []byte, passphrase string) ([]byte, error) {
	if len(encrypted) < 32+chacha20poly1305.NonceSize {
		return nil, errors.New("encrypted data too short")
	}

	salt := encrypted[:32]
	key := pbkdf2.Key([]byte(passphrase), salt, misc.Pbkdf2Iterations, 32, sha256.New)
	defer memguard.WipeBytes(key)

	return UnwrapValue(encrypted[32:], key)
}
