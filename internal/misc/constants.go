package misc

const (
	// ArgonTime Key derivation parameters, used both for wrapping stored
	// key material and as Argon2id hashing defaults.
	ArgonTime    uint32 = 2
	ArgonMemory  uint32 = 64 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32

	// Pbkdf2Iterations is the default cost for PBKDF2 hashing and for
	// passphrase-wrapped backup payloads.
	Pbkdf2Iterations = 100_000

	// SaltSize is the random salt length in bytes used across hashing and
	// key derivation.
	SaltSize = 16

	// BcryptCost is the default bcrypt work factor.
	BcryptCost = 12

	// FilePermissions and DirPermissions are the modes for files the
	// library writes: audit logs, config files. Owner-only, these hold
	// operational secrets.
	FilePermissions = 0600
	DirPermissions  = 0700
)
