package armor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"

	"southwinds.dev/armor/internal/crypto"
)

// Classification ranks data sensitivity. Higher classifications demand
// stronger keys at selection time.
type Classification string

const (
	ClassificationPublic       Classification = "public"
	ClassificationInternal     Classification = "internal"
	ClassificationConfidential Classification = "confidential"
	ClassificationRestricted   Classification = "restricted"
	ClassificationTopSecret    Classification = "top-secret"
)

// MinKeyBits is the smallest key size allowed to protect data of this
// classification.
func (c Classification) MinKeyBits() int {
	switch c {
	case ClassificationTopSecret, ClassificationRestricted:
		return 256
	case ClassificationConfidential:
		return 192
	}
	return 0
}

// EncryptionContext describes the data being protected so the engine can
// pick an appropriate key: sensitivity, compliance tags, geography and
// attribution for the audit trail.
type EncryptionContext struct {
	Classification         Classification `json:"classification"`
	Purpose                string         `json:"purpose,omitempty"`
	UserID                 string         `json:"user_id,omitempty"`
	OrganizationID         string         `json:"organization_id,omitempty"`
	ComplianceRequirements []string       `json:"compliance_requirements,omitempty"`
	RetentionPeriod        time.Duration  `json:"retention_period,omitempty"`
	GeographicRegion       string         `json:"geographic_region,omitempty"`
}

// EncryptOptions tunes a single encryption. The zero value takes the
// engine's defaults with an integrity hash included.
type EncryptOptions struct {
	Algorithm          Algorithm
	SkipIntegrityCheck bool
	DisableCompression bool
}

// DecryptResult carries decrypted plaintext together with what the
// engine learned on the way. IntegrityVerified is true unless the
// envelope carried an integrity hash that did not match; a mismatch is
// reported, not fatal, since the AEAD tag already authenticated the
// ciphertext.
type DecryptResult struct {
	Plaintext         []byte
	KeyID             string
	Algorithm         Algorithm
	IntegrityVerified bool
}

// Engine performs envelope encryption on top of the lifecycle manager.
// It never sees raw material outside the scope of a single operation and
// holds no per-operation state, so one Engine serves concurrent callers.
type Engine struct {
	manager *Manager
	opts    Options
}

// NewEngine wraps a manager. The engine shares the manager's options and
// audit sink.
func NewEngine(manager *Manager) *Engine {
	return &Engine{manager: manager, opts: manager.Options()}
}

// SelectKey picks the Active data-encryption key best matching the
// context: it must carry every requested compliance tag, serve the
// requested region (keys with no region restriction serve all), and meet
// the classification's size floor. Ties go to the newest key. Fails with
// CodeNoSuitableKey when nothing qualifies; callers typically create a
// key and retry.
func (e *Engine) SelectKey(ctx context.Context, ec EncryptionContext) (string, error) {
	keys, err := e.manager.GetActiveKeys(ctx, PurposeDataEncryption)
	if err != nil {
		return "", err
	}

	minBits := ec.Classification.MinKeyBits()
	for _, key := range keys {
		if key.Size < minBits {
			continue
		}
		if !containsAll(key.Compliance, ec.ComplianceRequirements) {
			continue
		}
		if ec.GeographicRegion != "" && len(key.Regions) > 0 && !contains(key.Regions, ec.GeographicRegion) {
			continue
		}
		return key.ID, nil
	}
	return "", newError(CodeNoSuitableKey, "no active key satisfies classification %q, compliance %v, region %q",
		ec.Classification, ec.ComplianceRequirements, ec.GeographicRegion)
}

// Encrypt protects data under a key selected for the context and returns
// the wire-form envelope.
func (e *Engine) Encrypt(ctx context.Context, data []byte, ec EncryptionContext) (string, error) {
	keyID, err := e.SelectKey(ctx, ec)
	if err != nil {
		return "", err
	}
	return e.encrypt(ctx, data, keyID, EncryptOptions{}, ec.UserID)
}

// EncryptWithKey protects data under an explicit key.
func (e *Engine) EncryptWithKey(ctx context.Context, data []byte, keyID string, opts EncryptOptions) (string, error) {
	return e.encrypt(ctx, data, keyID, opts, "")
}

func (e *Engine) encrypt(ctx context.Context, data []byte, keyID string, opts EncryptOptions, userID string) (string, error) {
	if e.opts.MaxPayloadSize > 0 && len(data) > e.opts.MaxPayloadSize {
		return "", newError(CodeOperationFailed, "payload exceeds %d bytes", e.opts.MaxPayloadSize)
	}

	key, err := e.manager.getKeyForEncrypt(ctx, keyID)
	if err != nil {
		e.logOperation(ctx, "encrypt", keyID, "", userID, err)
		return "", err
	}
	if err = checkRestrictions(key, e.manager.now()); err != nil {
		e.logOperation(ctx, "encrypt", keyID, "", userID, err)
		return "", err
	}

	alg := opts.Algorithm
	if alg == "" {
		alg = e.opts.DefaultAlgorithm
	}
	aead, err := cipherFor(alg)
	if err != nil {
		return "", err
	}

	payload := data
	compressed := false
	if !opts.DisableCompression && e.opts.CompressionThreshold > 0 && len(data) >= e.opts.CompressionThreshold {
		if packed, ok := compress(data); ok {
			payload = packed
			compressed = true
		}
	}

	material, err := key.material.Open()
	if err != nil {
		return "", operationFailed("key material access", err)
	}
	iv, ciphertext, tag, err := aead.Seal(material.Bytes(), payload)
	material.Destroy()
	if err != nil {
		e.logOperation(ctx, "encrypt", keyID, string(alg), userID, err)
		return "", err
	}

	env := &Envelope{
		Version:   EnvelopeVersion,
		KeyID:     key.ID,
		Algorithm: alg,
		IV:        iv,
		AuthTag:   tag,
		Data:      ciphertext,
		Timestamp: e.manager.now().UTC(),
		Metadata: map[string]string{
			envMetaKeyVersion: strconv.Itoa(key.Version),
		},
	}
	if compressed {
		env.Metadata[envMetaCompressed] = "true"
	}
	if !opts.SkipIntegrityCheck {
		env.IntegrityHash = crypto.Checksum(data)
	}

	encoded, err := env.Encode()
	if err != nil {
		return "", err
	}

	if err = e.manager.recordUsage(ctx, key.ID, "encrypt", len(data)); err != nil {
		e.logOperation(ctx, "encrypt", keyID, string(alg), userID, err)
		return "", err
	}
	e.logOperation(ctx, "encrypt", key.ID, string(alg), userID, nil)
	return encoded, nil
}

// Decrypt opens a wire-form envelope using the key it names. The context
// is recorded for audit attribution only; key selection already happened
// at encryption time.
func (e *Engine) Decrypt(ctx context.Context, encoded string, ec EncryptionContext) (*DecryptResult, error) {
	env, err := ParseEnvelope(encoded)
	if err != nil {
		return nil, err
	}
	return e.decrypt(ctx, env, env.KeyID, ec.UserID)
}

// DecryptWithKey opens a wire-form envelope under an explicit key,
// regardless of the key id the envelope names. Used during re-encryption
// when the envelope's own key is mid-rotation.
func (e *Engine) DecryptWithKey(ctx context.Context, encoded string, keyID string) (*DecryptResult, error) {
	env, err := ParseEnvelope(encoded)
	if err != nil {
		return nil, err
	}
	return e.decrypt(ctx, env, keyID, "")
}

func (e *Engine) decrypt(ctx context.Context, env *Envelope, keyID, userID string) (*DecryptResult, error) {
	key, err := e.manager.getKeyForDecrypt(ctx, keyID)
	if err != nil {
		e.logOperation(ctx, "decrypt", keyID, string(env.Algorithm), userID, err)
		return nil, err
	}

	aead, err := cipherFor(env.Algorithm)
	if err != nil {
		return nil, err
	}

	material, err := key.material.Open()
	if err != nil {
		return nil, operationFailed("key material access", err)
	}
	payload, err := aead.Open(material.Bytes(), env.IV, env.Data, env.AuthTag)
	material.Destroy()
	if err != nil {
		e.logOperation(ctx, "decrypt", keyID, string(env.Algorithm), userID, err)
		return nil, err
	}

	if env.Metadata[envMetaCompressed] == "true" {
		payload, err = decompress(payload)
		if err != nil {
			return nil, operationFailed("decompression", err)
		}
	}

	result := &DecryptResult{
		Plaintext:         payload,
		KeyID:             key.ID,
		Algorithm:         env.Algorithm,
		IntegrityVerified: true,
	}
	if env.IntegrityHash != "" && crypto.Checksum(payload) != env.IntegrityHash {
		result.IntegrityVerified = false
	}

	if err = e.manager.recordUsage(ctx, key.ID, "decrypt", len(payload)); err != nil {
		return nil, err
	}
	e.logOperation(ctx, "decrypt", key.ID, string(env.Algorithm), userID, nil)
	return result, nil
}

// ReEncrypt moves an envelope from one key to another, typically after
// rotation. Decryption happens first; if it fails the original envelope
// is left untouched and the error returned.
func (e *Engine) ReEncrypt(ctx context.Context, encoded, oldKeyID, newKeyID string) (string, error) {
	env, err := ParseEnvelope(encoded)
	if err != nil {
		return "", err
	}
	result, err := e.decrypt(ctx, env, oldKeyID, "")
	if err != nil {
		return "", err
	}
	return e.encrypt(ctx, result.Plaintext, newKeyID, EncryptOptions{
		Algorithm:          env.Algorithm,
		SkipIntegrityCheck: env.IntegrityHash == "",
	}, "")
}

// SecureDelete makes data unreadable by taking its key out of service:
// the key is disabled and dropped from the fast path. Envelopes under it
// stay decryptable only until the maintenance loop destroys the key, and
// durable backups keep their own retention, so deletion is not
// instantaneous across backups.
func (e *Engine) SecureDelete(ctx context.Context, keyID string) error {
	if err := e.manager.DisableKey(ctx, keyID); err != nil {
		return err
	}
	e.logOperation(ctx, "secure_delete", keyID, "", "", nil)
	return nil
}

// checkRestrictions enforces a key's usage bounds before new encryption.
func checkRestrictions(key *Key, now time.Time) error {
	r := key.Restrictions
	if r.NotBefore != nil && now.Before(*r.NotBefore) {
		return newError(CodeKeyInvalid, "key %s not usable before %s", key.ID, r.NotBefore.Format(time.RFC3339))
	}
	if r.NotAfter != nil && now.After(*r.NotAfter) {
		return newError(CodeKeyInvalid, "key %s not usable after %s", key.ID, r.NotAfter.Format(time.RFC3339))
	}
	ops := key.Usage.EncryptCount + key.Usage.DecryptCount
	if r.MaxOperations > 0 && ops >= r.MaxOperations {
		return newError(CodeKeyInvalid, "key %s reached its operation limit", key.ID)
	}
	if r.MaxBytes > 0 && key.Usage.BytesIn+key.Usage.BytesOut >= r.MaxBytes {
		return newError(CodeKeyInvalid, "key %s reached its byte limit", key.ID)
	}
	return nil
}

// logOperation writes a data-path audit entry when operation logging is
// enabled. Failures on the audit sink never fail the operation.
func (e *Engine) logOperation(_ context.Context, action, keyID, algorithm, userID string, opErr error) {
	if !e.opts.EnableOperationLog {
		return
	}
	metadata := map[string]interface{}{"key_id": keyID}
	if algorithm != "" {
		metadata["algorithm"] = algorithm
	}
	if userID != "" {
		metadata["user_id"] = userID
	}
	if opErr != nil {
		metadata["error"] = opErr.Error()
	}
	_ = e.manager.Audit().Log(action, opErr == nil, metadata)
}

// compress gzips data, reporting false when compression does not shrink
// the payload.
func compress(data []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, false
	}
	if _, err = w.Write(data); err != nil {
		return nil, false
	}
	if err = w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(data) {
		return nil, false
	}
	return buf.Bytes(), true
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("corrupt compressed payload: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func containsAll(have, want []string) bool {
	for _, w := range want {
		if !contains(have, w) {
			return false
		}
	}
	return true
}
