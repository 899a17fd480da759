package armor

import (
	"context"
	"testing"
)

type patientRecord struct {
	Name      string
	Email     string
	Diagnosis string
	Country   string // not sensitive
}

func patientSchema() []FieldSpec {
	return []FieldSpec{
		{
			Name:           "name",
			Classification: ClassificationConfidential,
			Get:            func(v interface{}) string { return v.(*patientRecord).Name },
			Set:            func(v interface{}, value string) { v.(*patientRecord).Name = value },
		},
		{
			Name:           "email",
			Classification: ClassificationConfidential,
			Get:            func(v interface{}) string { return v.(*patientRecord).Email },
			Set:            func(v interface{}, value string) { v.(*patientRecord).Email = value },
		},
		{
			Name:           "diagnosis",
			Classification: ClassificationRestricted,
			Compliance:     []string{"hipaa"},
			Get:            func(v interface{}) string { return v.(*patientRecord).Diagnosis },
			Set:            func(v interface{}, value string) { v.(*patientRecord).Diagnosis = value },
		},
	}
}

func newTestFieldEncryptor(t *testing.T) (*FieldEncryptor, *Manager) {
	t.Helper()
	engine, m := newTestEngine(t)
	registry := NewSchemaRegistry()
	registry.Register(&patientRecord{}, patientSchema())
	return NewFieldEncryptor(engine, registry), m
}

func TestEncryptDecryptFields(t *testing.T) {
	fe, m := newTestFieldEncryptor(t)
	ctx := context.Background()

	_, err := m.CreateKey(ctx, KeyTypeSymmetric, PurposeDataEncryption, KeyOptions{
		Size:       256,
		Compliance: []string{"hipaa"},
	})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	record := &patientRecord{
		Name:      "Ada",
		Email:     "ada@example.com",
		Diagnosis: "healthy",
		Country:   "PT",
	}

	report, err := fe.EncryptFields(ctx, record, EncryptionContext{})
	if err != nil {
		t.Fatalf("EncryptFields failed: %v", err)
	}
	if !report.Ok() {
		t.Fatalf("field failures: %v", report.Failed)
	}
	if len(report.Processed) != 3 {
		t.Errorf("processed %v, want all three sensitive fields", report.Processed)
	}
	if record.Country != "PT" {
		t.Error("non-sensitive field modified")
	}
	for field, value := range map[string]string{"name": record.Name, "email": record.Email, "diagnosis": record.Diagnosis} {
		if !IsEnvelope(value) {
			t.Errorf("field %s not encrypted: %q", field, value)
		}
	}

	status, err := fe.GetFieldEncryptionStatus(record)
	if err != nil {
		t.Fatalf("GetFieldEncryptionStatus failed: %v", err)
	}
	if status.Coverage != 100 {
		t.Errorf("coverage = %.0f, want 100", status.Coverage)
	}
	if !status.IsCompliant {
		t.Errorf("violations: %v", status.Violations)
	}

	report, err = fe.DecryptFields(ctx, record, EncryptionContext{})
	if err != nil {
		t.Fatalf("DecryptFields failed: %v", err)
	}
	if !report.Ok() {
		t.Fatalf("field failures: %v", report.Failed)
	}
	if record.Name != "Ada" || record.Email != "ada@example.com" || record.Diagnosis != "healthy" {
		t.Errorf("round trip corrupted record: %+v", record)
	}
}

func TestEncryptFieldsIsIdempotent(t *testing.T) {
	fe, m := newTestFieldEncryptor(t)
	ctx := context.Background()

	_, err := m.CreateKey(ctx, KeyTypeSymmetric, PurposeDataEncryption, KeyOptions{
		Size:       256,
		Compliance: []string{"hipaa"},
	})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	record := &patientRecord{Name: "Ada", Email: "ada@example.com", Diagnosis: "healthy"}
	if _, err = fe.EncryptFields(ctx, record, EncryptionContext{}); err != nil {
		t.Fatalf("EncryptFields failed: %v", err)
	}
	once := *record

	report, err := fe.EncryptFields(ctx, record, EncryptionContext{})
	if err != nil {
		t.Fatalf("second EncryptFields failed: %v", err)
	}
	if len(report.Processed) != 0 {
		t.Errorf("second pass re-encrypted %v", report.Processed)
	}
	if *record != once {
		t.Error("second pass changed already-protected values")
	}
}

func TestEncryptFieldsExclusionAndPartialFailure(t *testing.T) {
	fe, m := newTestFieldEncryptor(t)
	ctx := context.Background()

	// Key without the hipaa tag: the diagnosis field's merged context
	// cannot be satisfied while the others can.
	_, err := m.CreateKey(ctx, KeyTypeSymmetric, PurposeDataEncryption, KeyOptions{Size: 256})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	record := &patientRecord{Name: "Ada", Email: "ada@example.com", Diagnosis: "healthy"}
	report, err := fe.EncryptFields(ctx, record, EncryptionContext{}, "email")
	if err != nil {
		t.Fatalf("EncryptFields failed: %v", err)
	}

	if !contains(report.Skipped, "email") {
		t.Errorf("excluded field not skipped: %v", report.Skipped)
	}
	if record.Email != "ada@example.com" {
		t.Error("excluded field was modified")
	}
	if !IsEnvelope(record.Name) {
		t.Error("name not encrypted despite other failures")
	}
	if _, failed := report.Failed["diagnosis"]; !failed {
		t.Errorf("diagnosis should have failed key selection, failures: %v", report.Failed)
	}
	if record.Diagnosis != "healthy" {
		t.Error("failed field was modified")
	}
	if report.Ok() {
		t.Error("report claims success despite a failed field")
	}
}

func TestUnregisteredType(t *testing.T) {
	fe, _ := newTestFieldEncryptor(t)

	type unregistered struct{ X string }
	_, err := fe.EncryptFields(context.Background(), &unregistered{}, EncryptionContext{})
	if err == nil {
		t.Fatal("expected error for unregistered type")
	}
}

func TestJSONFieldRoundTrip(t *testing.T) {
	fe, m := newTestFieldEncryptor(t)
	ctx := context.Background()

	_, err := m.CreateKey(ctx, KeyTypeSymmetric, PurposeDataEncryption, KeyOptions{Size: 256})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	doc := map[string]interface{}{
		"id": "p-1",
		"contact": map[string]interface{}{
			"email": "ada@example.com",
		},
	}

	if err = fe.EncryptJSONField(ctx, doc, "contact.email", EncryptionContext{}); err != nil {
		t.Fatalf("EncryptJSONField failed: %v", err)
	}
	nested := doc["contact"].(map[string]interface{})
	if !IsEnvelope(nested["email"].(string)) {
		t.Errorf("nested field not encrypted: %v", nested["email"])
	}
	if doc["id"] != "p-1" {
		t.Error("untargeted field modified")
	}

	if err = fe.DecryptJSONField(ctx, doc, "contact.email", EncryptionContext{}); err != nil {
		t.Fatalf("DecryptJSONField failed: %v", err)
	}
	if nested["email"] != "ada@example.com" {
		t.Errorf("round trip = %v", nested["email"])
	}

	if err = fe.EncryptJSONField(ctx, doc, "missing.path", EncryptionContext{}); err == nil {
		t.Error("missing path accepted")
	}
	if err = fe.EncryptJSONField(ctx, doc, "contact.email.too.deep", EncryptionContext{}); err == nil {
		t.Error("over-deep path accepted")
	}
}
