package armor

import (
	"encoding/base64"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Version:       EnvelopeVersion,
		KeyID:         "k-123",
		Algorithm:     AlgorithmAES256GCM,
		IV:            []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		AuthTag:       make([]byte, aeadTagSize),
		Data:          []byte("ciphertext"),
		Timestamp:     time.Now().UTC().Truncate(time.Second),
		IntegrityHash: "abc",
		Metadata:      map[string]string{envMetaKeyVersion: "3"},
	}

	encoded, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err = base64.StdEncoding.DecodeString(encoded); err != nil {
		t.Fatalf("wire form is not standard base64: %v", err)
	}

	parsed, err := ParseEnvelope(encoded)
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if parsed.KeyID != env.KeyID {
		t.Errorf("key id = %q, want %q", parsed.KeyID, env.KeyID)
	}
	if parsed.Algorithm != env.Algorithm {
		t.Errorf("algorithm = %q, want %q", parsed.Algorithm, env.Algorithm)
	}
	if string(parsed.Data) != string(env.Data) {
		t.Errorf("data = %q, want %q", parsed.Data, env.Data)
	}
	if parsed.Metadata[envMetaKeyVersion] != "3" {
		t.Errorf("metadata lost: %v", parsed.Metadata)
	}
}

func TestParseEnvelopeRejectsGarbage(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not base64", "!!not-base64!!"},
		{"base64 of non-json", base64.StdEncoding.EncodeToString([]byte("hello world"))},
		{"json missing fields", base64.StdEncoding.EncodeToString([]byte(`{"version":1}`))},
		{"json missing auth tag", base64.StdEncoding.EncodeToString([]byte(`{"version":1,"key_id":"k","algorithm":"AES256GCM","data":"AQID"}`))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnvelope(tt.input)
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsCode(err, CodeInvalidEnvelope) {
				t.Errorf("error code = %v, want CodeInvalidEnvelope", err)
			}
		})
	}
}

func TestIsEnvelope(t *testing.T) {
	env := &Envelope{
		Version:   EnvelopeVersion,
		KeyID:     "k-1",
		Algorithm: AlgorithmAES256GCM,
		IV:        []byte{1},
		AuthTag:   []byte{2},
		Data:      []byte{3},
	}
	encoded, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if !IsEnvelope(encoded) {
		t.Error("encoded envelope not recognized")
	}
	if IsEnvelope("plain text value") {
		t.Error("plain text recognized as envelope")
	}
	if IsEnvelope("") {
		t.Error("empty string recognized as envelope")
	}
}
