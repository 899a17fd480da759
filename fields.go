package armor

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// FieldSpec declares one sensitive member of a registered type: how to
// read and write it and the protection it requires.
type FieldSpec struct {
	Name           string
	Classification Classification
	Purpose        string
	Compliance     []string

	// Get and Set move the field's string value in and out of the
	// struct. The facade only ever sees strings; non-string members
	// register converting accessors.
	Get func(v interface{}) string
	Set func(v interface{}, value string)
}

// SchemaRegistry maps struct types to their sensitive-field specs.
// Registration happens once at startup; lookups are concurrent.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[reflect.Type][]FieldSpec
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[reflect.Type][]FieldSpec)}
}

// Register records the sensitive fields of v's type, replacing any
// earlier registration. v is used for its type only; pass a pointer to
// the struct the accessors expect.
func (r *SchemaRegistry) Register(v interface{}, fields []FieldSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[reflect.TypeOf(v)] = fields
}

// lookup returns the specs for v's type, or nil when unregistered.
func (r *SchemaRegistry) lookup(v interface{}) []FieldSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemas[reflect.TypeOf(v)]
}

// FieldReport records the outcome of a field-level operation. Failures
// are reported per field; fields processed before a failure keep their
// new values.
type FieldReport struct {
	Processed []string
	Skipped   []string
	Failed    map[string]error
}

func (fr *FieldReport) fail(field string, err error) {
	if fr.Failed == nil {
		fr.Failed = make(map[string]error)
	}
	fr.Failed[field] = err
}

// Ok reports whether every targeted field succeeded.
func (fr *FieldReport) Ok() bool { return len(fr.Failed) == 0 }

// FieldStatus summarizes the protection state of one object.
type FieldStatus struct {
	TotalFields     int
	ProtectedFields int
	Coverage        float64 // percent
	Violations      []string
	IsCompliant     bool
}

// FieldEncryptor is the field-level facade: it walks a registered
// struct's sensitive members and encrypts or decrypts them in place,
// leaving the rest of the object untouched.
type FieldEncryptor struct {
	engine   *Engine
	registry *SchemaRegistry
}

// NewFieldEncryptor builds a facade over an engine and a registry.
func NewFieldEncryptor(engine *Engine, registry *SchemaRegistry) *FieldEncryptor {
	return &FieldEncryptor{engine: engine, registry: registry}
}

// EncryptFields encrypts every registered sensitive field of v in place,
// except those named in exclude. Fields already holding an envelope are
// skipped, so the call is safe to repeat. Each field's spec merges with
// the base context: the stricter classification wins and compliance tags
// union.
func (fe *FieldEncryptor) EncryptFields(ctx context.Context, v interface{}, base EncryptionContext, exclude ...string) (*FieldReport, error) {
	specs := fe.registry.lookup(v)
	if specs == nil {
		return nil, newError(CodeOperationFailed, "type %T not registered", v)
	}

	report := &FieldReport{}
	excluded := toSet(exclude)
	for _, spec := range specs {
		if excluded[spec.Name] {
			report.Skipped = append(report.Skipped, spec.Name)
			continue
		}
		value := spec.Get(v)
		if value == "" || IsEnvelope(value) {
			report.Skipped = append(report.Skipped, spec.Name)
			continue
		}

		encoded, err := fe.engine.Encrypt(ctx, []byte(value), mergeContext(base, spec))
		if err != nil {
			report.fail(spec.Name, err)
			continue
		}
		spec.Set(v, encoded)
		report.Processed = append(report.Processed, spec.Name)
	}
	return report, nil
}

// DecryptFields reverses EncryptFields in place. Fields not holding an
// envelope are skipped.
func (fe *FieldEncryptor) DecryptFields(ctx context.Context, v interface{}, base EncryptionContext, exclude ...string) (*FieldReport, error) {
	specs := fe.registry.lookup(v)
	if specs == nil {
		return nil, newError(CodeOperationFailed, "type %T not registered", v)
	}

	report := &FieldReport{}
	excluded := toSet(exclude)
	for _, spec := range specs {
		if excluded[spec.Name] {
			report.Skipped = append(report.Skipped, spec.Name)
			continue
		}
		value := spec.Get(v)
		if value == "" || !IsEnvelope(value) {
			report.Skipped = append(report.Skipped, spec.Name)
			continue
		}

		result, err := fe.engine.Decrypt(ctx, value, base)
		if err != nil {
			report.fail(spec.Name, err)
			continue
		}
		spec.Set(v, string(result.Plaintext))
		report.Processed = append(report.Processed, spec.Name)
	}
	return report, nil
}

// EncryptJSONField encrypts one value inside a decoded JSON document in
// place. The path is either a top-level name or one level deep as
// "parent.child". Only string values are encrypted.
func (fe *FieldEncryptor) EncryptJSONField(ctx context.Context, doc map[string]interface{}, path string, ec EncryptionContext) error {
	parent, name, err := resolveJSONPath(doc, path)
	if err != nil {
		return err
	}
	value, ok := parent[name].(string)
	if !ok {
		return newError(CodeOperationFailed, "field %q is not a string", path)
	}
	if IsEnvelope(value) {
		return nil
	}
	encoded, err := fe.engine.Encrypt(ctx, []byte(value), ec)
	if err != nil {
		return err
	}
	parent[name] = encoded
	return nil
}

// DecryptJSONField reverses EncryptJSONField in place.
func (fe *FieldEncryptor) DecryptJSONField(ctx context.Context, doc map[string]interface{}, path string, ec EncryptionContext) error {
	parent, name, err := resolveJSONPath(doc, path)
	if err != nil {
		return err
	}
	value, ok := parent[name].(string)
	if !ok {
		return newError(CodeOperationFailed, "field %q is not a string", path)
	}
	result, err := fe.engine.Decrypt(ctx, value, ec)
	if err != nil {
		return err
	}
	parent[name] = string(result.Plaintext)
	return nil
}

// GetFieldEncryptionStatus inspects a registered object and reports how
// much of its sensitive surface is protected. Coverage counts only
// non-empty sensitive fields; an unprotected one is a violation.
func (fe *FieldEncryptor) GetFieldEncryptionStatus(v interface{}) (*FieldStatus, error) {
	specs := fe.registry.lookup(v)
	if specs == nil {
		return nil, newError(CodeOperationFailed, "type %T not registered", v)
	}

	status := &FieldStatus{}
	for _, spec := range specs {
		value := spec.Get(v)
		if value == "" {
			continue
		}
		status.TotalFields++
		if IsEnvelope(value) {
			status.ProtectedFields++
		} else {
			status.Violations = append(status.Violations,
				fmt.Sprintf("field %q (%s) holds plaintext", spec.Name, spec.Classification))
		}
	}
	if status.TotalFields > 0 {
		status.Coverage = float64(status.ProtectedFields) / float64(status.TotalFields) * 100
	} else {
		status.Coverage = 100
	}
	status.IsCompliant = len(status.Violations) == 0
	return status, nil
}

// mergeContext folds a field's spec into the base context. The stricter
// classification wins and compliance tags union.
func mergeContext(base EncryptionContext, spec FieldSpec) EncryptionContext {
	ec := base
	if spec.Classification.MinKeyBits() > ec.Classification.MinKeyBits() ||
		(ec.Classification == "" && spec.Classification != "") {
		ec.Classification = spec.Classification
	}
	if spec.Purpose != "" {
		ec.Purpose = spec.Purpose
	}
	for _, tag := range spec.Compliance {
		if !contains(ec.ComplianceRequirements, tag) {
			ec.ComplianceRequirements = append(append([]string(nil), ec.ComplianceRequirements...), tag)
		}
	}
	return ec
}

func resolveJSONPath(doc map[string]interface{}, path string) (map[string]interface{}, string, error) {
	if path == "" {
		return nil, "", newError(CodeOperationFailed, "empty field path")
	}
	parts := strings.SplitN(path, ".", 2)
	if len(parts) == 1 {
		if _, ok := doc[parts[0]]; !ok {
			return nil, "", newError(CodeOperationFailed, "field %q not present", path)
		}
		return doc, parts[0], nil
	}
	nested, ok := doc[parts[0]].(map[string]interface{})
	if !ok {
		return nil, "", newError(CodeOperationFailed, "field %q is not an object", parts[0])
	}
	if strings.Contains(parts[1], ".") {
		return nil, "", newError(CodeOperationFailed, "field path %q nests too deep", path)
	}
	if _, ok = nested[parts[1]]; !ok {
		return nil, "", newError(CodeOperationFailed, "field %q not present", path)
	}
	return nested, parts[1], nil
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
