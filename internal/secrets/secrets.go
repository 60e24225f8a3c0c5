// Package secrets manages the local signing secret for audit
// checkpoints. The master secret lives in a permission-checked keyfile
// (or the RELAY_AUDIT_SECRET environment variable for containerized
// runs); per-purpose keys are derived from it with HKDF so the raw
// secret never signs anything directly.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// MinKeyBytes is the smallest master secret accepted. Checkpoints signed
// with a shorter secret would be trivially forgeable.
const MinKeyBytes = 32

// EnvVar names the environment override for the master secret,
// hex-encoded.
const EnvVar = "RELAY_AUDIT_SECRET"

// Common errors returned when loading the master secret.
var (
	ErrNotFound    = errors.New("secrets: key file not found")
	ErrKeyTooShort = errors.New("secrets: key shorter than 32 bytes")
	ErrPermissions = errors.New("secrets: key file readable by group or others")
	ErrSymlink     = errors.New("secrets: key path is a symlink")
	ErrKeyExists   = errors.New("secrets: key file already exists")
)

// Key is the master secret. Use Derive for anything that signs.
type Key []byte

// Load reads the master secret, preferring the environment override and
// falling back to the keyfile at path. The keyfile must not be a
// symlink and must not be readable by group or others.
func Load(path string) (Key, error) {
	if env := strings.TrimSpace(os.Getenv(EnvVar)); env != "" {
		key, err := parse([]byte(env))
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", EnvVar, err)
		}
		return key, nil
	}
	return LoadFile(path)
}

// LoadFile reads the master secret from the keyfile at path.
func LoadFile(path string) (Key, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat key file %s: %w", path, err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("%w: %s", ErrSymlink, path)
	}
	if err := CheckPermissions(fi.Mode()); err != nil {
		return nil, fmt.Errorf("%w: %s has mode %04o", ErrPermissions, path, fi.Mode().Perm())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file %s: %w", path, err)
	}
	key, err := parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing key file %s: %w", path, err)
	}
	return key, nil
}

// CheckPermissions rejects a keyfile mode that grants any access to
// group or others.
func CheckPermissions(mode fs.FileMode) error {
	if mode.Perm()&0o077 != 0 {
		return ErrPermissions
	}
	return nil
}

// parse accepts either a hex-encoded or a raw binary secret and
// enforces the minimum length.
func parse(raw []byte) (Key, error) {
	trimmed := strings.TrimSpace(string(raw))
	if decoded, err := hex.DecodeString(trimmed); err == nil {
		if len(decoded) < MinKeyBytes {
			return nil, ErrKeyTooShort
		}
		return Key(decoded), nil
	}
	if len(trimmed) < MinKeyBytes {
		return nil, ErrKeyTooShort
	}
	return Key(trimmed), nil
}

// Generate creates a fresh 32-byte master secret at path, hex-encoded,
// mode 0600. It refuses to overwrite an existing keyfile.
func Generate(path string) (Key, error) {
	if _, err := os.Lstat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyExists, path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat key file %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory %s: %w", dir, err)
	}

	key := make([]byte, MinKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key material: %w", err)
	}
	encoded := hex.EncodeToString(key) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("writing key file %s: %w", path, err)
	}
	return Key(key), nil
}

// Derive expands the master secret into a 32-byte purpose-bound key.
// The label keeps keys for different purposes independent; the same
// label always yields the same key for the same master secret.
func (k Key) Derive(label string) []byte {
	r := hkdf.New(sha256.New, k, nil, []byte(label))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		// Only reachable if the label stream is exhausted, which a
		// 32-byte read from HKDF-SHA256 cannot do.
		panic(fmt.Sprintf("secrets: hkdf expand: %v", err))
	}
	return out
}
