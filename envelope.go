package armor

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// EnvelopeVersion tags the current envelope wire format.
const EnvelopeVersion = 1

// Envelope is the self-describing ciphertext record handed to external
// collaborators in place of plaintext. Decryption needs only the envelope
// and access to the key store: the algorithm, IV and authentication tag
// all travel inside it, never alongside it.
//
// The wire form is standard base64 of the compact JSON encoding, safe for
// text protocols and database columns.
type Envelope struct {
	Version       int               `json:"version"`
	KeyID         string            `json:"key_id"`
	Algorithm     Algorithm         `json:"algorithm"`
	IV            []byte            `json:"iv"`
	AuthTag       []byte            `json:"auth_tag"`
	Data          []byte            `json:"data"`
	Timestamp     time.Time         `json:"timestamp"`
	IntegrityHash string            `json:"integrity_hash,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Envelope metadata keys written by the engine.
const (
	envMetaCompressed = "compressed"
	envMetaKeyVersion = "key_version"
)

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", operationFailed("envelope encoding", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ParseEnvelope decodes a wire-form envelope. Anything that does not
// decode to an envelope carrying a key id, an algorithm and an
// authentication tag fails with CodeInvalidEnvelope; that failure is
// permanent, unlike a missing key. Empty ciphertext is legitimate: an
// AEAD over empty plaintext produces no data bytes, only a tag.
func ParseEnvelope(encoded string) (*Envelope, error) {
	if encoded == "" {
		return nil, newError(CodeInvalidEnvelope, "empty envelope")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, newError(CodeInvalidEnvelope, "not base64 encoded")
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, newError(CodeInvalidEnvelope, "malformed envelope payload")
	}
	if env.KeyID == "" || env.Algorithm == "" || len(env.AuthTag) == 0 {
		return nil, newError(CodeInvalidEnvelope, "envelope missing required fields")
	}
	return &env, nil
}

// IsEnvelope reports whether the value parses as a recognized envelope.
// The field facade uses this to skip members that are already protected.
func IsEnvelope(value string) bool {
	_, err := ParseEnvelope(value)
	return err == nil
}
