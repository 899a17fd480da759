package armor

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"

	"southwinds.dev/armor/internal/crypto"
	"southwinds.dev/armor/internal/misc"
)

// HashAlgorithm names a supported hashing scheme.
type HashAlgorithm string

const (
	HashArgon2id HashAlgorithm = "argon2id"
	HashBCrypt   HashAlgorithm = "bcrypt"
	HashPBKDF2   HashAlgorithm = "pbkdf2-sha256"
	HashSHA256   HashAlgorithm = "sha256"
	HashSHA512   HashAlgorithm = "sha512"
)

// HashOptions tunes a single hash operation. Zero values take the
// algorithm's configured defaults.
type HashOptions struct {
	Algorithm   HashAlgorithm
	TimeCost    uint32 // argon2 passes, pbkdf2 iterations, bcrypt cost
	MemoryCost  uint32 // argon2 only, KiB
	Parallelism uint8  // argon2 only
	SaltSize    int
}

// HashRecord carries everything needed to verify a hash later. The
// pepper is deliberately absent: it lives in configuration, not in
// stored records.
type HashRecord struct {
	Algorithm   HashAlgorithm `json:"algorithm"`
	Hash        []byte        `json:"hash"`
	Salt        []byte        `json:"salt,omitempty"`
	TimeCost    uint32        `json:"time_cost,omitempty"`
	MemoryCost  uint32        `json:"memory_cost,omitempty"`
	Parallelism uint8         `json:"parallelism,omitempty"`
}

// Hash derives a salted, peppered hash of data. Each call draws a fresh
// random salt, so hashing the same input twice yields different records
// that both verify.
func (e *Engine) Hash(data []byte, opts HashOptions) (*HashRecord, error) {
	if len(data) == 0 {
		return nil, newError(CodeOperationFailed, "empty input")
	}
	if opts.Algorithm == "" {
		opts.Algorithm = e.opts.DefaultHashAlgorithm
	}
	if opts.SaltSize == 0 {
		opts.SaltSize = misc.SaltSize
	}

	peppered := e.pepper(data)

	switch opts.Algorithm {
	case HashArgon2id:
		if opts.TimeCost == 0 {
			opts.TimeCost = misc.ArgonTime
		}
		if opts.MemoryCost == 0 {
			opts.MemoryCost = misc.ArgonMemory
		}
		if opts.Parallelism == 0 {
			opts.Parallelism = misc.ArgonThreads
		}
		salt, err := crypto.RandomBytes(opts.SaltSize)
		if err != nil {
			return nil, operationFailed("salt generation", err)
		}
		hash := argon2.IDKey(peppered, salt, opts.TimeCost, opts.MemoryCost, opts.Parallelism, misc.ArgonKeyLen)
		return &HashRecord{
			Algorithm:   HashArgon2id,
			Hash:        hash,
			Salt:        salt,
			TimeCost:    opts.TimeCost,
			MemoryCost:  opts.MemoryCost,
			Parallelism: opts.Parallelism,
		}, nil

	case HashBCrypt:
		cost := int(opts.TimeCost)
		if cost == 0 {
			cost = misc.BcryptCost
		}
		// bcrypt caps input at 72 bytes; pre-hash to stay under it.
		sum := sha256.Sum256(peppered)
		hash, err := bcrypt.GenerateFromPassword(sum[:], cost)
		if err != nil {
			return nil, operationFailed("bcrypt", err)
		}
		return &HashRecord{
			Algorithm: HashBCrypt,
			Hash:      hash,
			TimeCost:  uint32(cost),
		}, nil

	case HashPBKDF2:
		iterations := int(opts.TimeCost)
		if iterations == 0 {
			iterations = misc.Pbkdf2Iterations
		}
		salt, err := crypto.RandomBytes(opts.SaltSize)
		if err != nil {
			return nil, operationFailed("salt generation", err)
		}
		hash := pbkdf2.Key(peppered, salt, iterations, int(misc.ArgonKeyLen), sha256.New)
		return &HashRecord{
			Algorithm: HashPBKDF2,
			Hash:      hash,
			Salt:      salt,
			TimeCost:  uint32(iterations),
		}, nil

	case HashSHA256, HashSHA512:
		salt, err := crypto.RandomBytes(opts.SaltSize)
		if err != nil {
			return nil, operationFailed("salt generation", err)
		}
		return &HashRecord{
			Algorithm: opts.Algorithm,
			Hash:      plainDigest(opts.Algorithm, salt, peppered),
			Salt:      salt,
		}, nil
	}
	return nil, newError(CodeUnsupportedAlgorithm, "unsupported hash algorithm %s", opts.Algorithm)
}

// VerifyHash recomputes the hash with the record's parameters and
// compares in constant time. A well-formed record for data that does
// not match yields (false, nil); a record that cannot be evaluated
// yields an error.
func (e *Engine) VerifyHash(data []byte, record *HashRecord) (bool, error) {
	if record == nil || len(record.Hash) == 0 {
		return false, newError(CodeOperationFailed, "empty hash record")
	}

	peppered := e.pepper(data)

	switch record.Algorithm {
	case HashArgon2id:
		computed := argon2.IDKey(peppered, record.Salt, record.TimeCost, record.MemoryCost, record.Parallelism, uint32(len(record.Hash)))
		return subtle.ConstantTimeCompare(computed, record.Hash) == 1, nil

	case HashBCrypt:
		sum := sha256.Sum256(peppered)
		err := bcrypt.CompareHashAndPassword(record.Hash, sum[:])
		if err == bcrypt.ErrMismatchedHashAndPassword {
			return false, nil
		}
		if err != nil {
			return false, operationFailed("bcrypt verification", err)
		}
		return true, nil

	case HashPBKDF2:
		computed := pbkdf2.Key(peppered, record.Salt, int(record.TimeCost), len(record.Hash), sha256.New)
		return subtle.ConstantTimeCompare(computed, record.Hash) == 1, nil

	case HashSHA256, HashSHA512:
		computed := plainDigest(record.Algorithm, record.Salt, peppered)
		return subtle.ConstantTimeCompare(computed, record.Hash) == 1, nil
	}
	return false, newError(CodeUnsupportedAlgorithm, "unsupported hash algorithm %s", record.Algorithm)
}

// pepper appends the configured application pepper to the input.
func (e *Engine) pepper(data []byte) []byte {
	if len(e.opts.Pepper) == 0 {
		return data
	}
	out := make([]byte, 0, len(data)+len(e.opts.Pepper))
	out = append(out, data...)
	return append(out, e.opts.Pepper...)
}

func plainDigest(alg HashAlgorithm, salt, data []byte) []byte {
	if alg == HashSHA512 {
		h := sha512.New()
		h.Write(salt)
		h.Write(data)
		return h.Sum(nil)
	}
	h := sha256.New()
	h.Write(salt)
	h.Write(data)
	return h.Sum(nil)
}
