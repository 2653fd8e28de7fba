// Package vault manages the passphrase-derived session key: Argon2id key
// derivation, an on-disk salt + HMAC verification token, and an in-memory
// session with an idle timeout. No passphrase or derived key is ever
// written to disk or to the object store.
package vault

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/lezzur/lime-sync-core/internal/syncerr"
)

// verificationPlaintext is HMAC'd with the derived key to produce a
// passphrase-verification token without ever storing the key or
// passphrase itself.
var verificationPlaintext = []byte("LIME-vault-verification-token-v1")

// Params are the Argon2id tuning parameters. They are part of the on-disk
// format and must not drift silently once a vault has been created with
// them.
type Params struct {
	TimeCost    uint32
	MemoryKiB   uint32
	Parallelism uint8
	SaltLen     int
	KeyLen      uint32
}

// DefaultParams matches the production tuning: time_cost=3, memory=64 MiB,
// parallelism=4, hash_len=32, salt_len=16.
func DefaultParams() Params {
	return Params{
		TimeCost:    3,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		SaltLen:     16,
		KeyLen:      32,
	}
}

// file is the on-disk vault schema (version 1). No key material is ever
// present here.
type file struct {
	Version           int     `json:"version"`
	Salt              string  `json:"salt"`
	KeyID             string  `json:"key_id"`
	VerificationToken string  `json:"verification_token"`
	PreviousKeyID     *string `json:"previous_key_id,omitempty"`
}

// Vault derives and holds the session encryption key for a single user.
type Vault struct {
	path    string
	params  Params
	timeout time.Duration

	mu         sync.Mutex
	sessionKey []byte
	keyID      string
	unlockedAt time.Time
	hasSession bool
}

// New creates a Vault backed by the on-disk file at path, using params for
// key derivation and timeout as the idle-session expiry.
func New(path string, params Params, timeout time.Duration) *Vault {
	return &Vault{path: path, params: params, timeout: timeout}
}

// IsInitialized reports whether the on-disk vault file exists.
func (v *Vault) IsInitialized() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// IsUnlocked reports whether a session key is currently held and has not
// timed out. A timed-out session is implicitly locked as a side effect.
func (v *Vault) IsUnlocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.isUnlockedLocked()
}

func (v *Vault) isUnlockedLocked() bool {
	if !v.hasSession {
		return false
	}
	if time.Since(v.unlockedAt) > v.timeout {
		v.wipeSessionLocked()
		return false
	}
	return true
}

// KeyID returns the key_id of the currently held session, or "" if locked.
func (v *Vault) KeyID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.isUnlockedLocked() {
		return ""
	}
	return v.keyID
}

// Setup performs first-time vault initialization from a passphrase. It
// fails if the vault file already exists.
func (v *Vault) Setup(passphrase string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.IsInitialized() {
		return "", syncerr.ErrAlreadyInitialized
	}

	salt, err := randomBytes(v.params.SaltLen)
	if err != nil {
		return "", fmt.Errorf("vault: generate salt: %w", err)
	}
	keyID := uuid.New().String()
	derived := v.deriveKey(passphrase, salt)
	token := v.verificationToken(derived)

	f := file{
		Version:           1,
		Salt:              hexEncode(salt),
		KeyID:             keyID,
		VerificationToken: hexEncode(token),
	}
	if err := v.writeFile(f); err != nil {
		wipe(derived)
		return "", err
	}

	v.setSessionLocked(derived, keyID)
	return keyID, nil
}

// Unlock derives the key from passphrase and, if it matches the stored
// verification token, holds it as the session key.
func (v *Vault) Unlock(passphrase string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := v.readFile()
	if err != nil {
		return "", err
	}
	salt, err := hexDecode(f.Salt)
	if err != nil {
		return "", fmt.Errorf("vault: corrupt salt: %w", err)
	}
	derived := v.deriveKey(passphrase, salt)

	stored, err := hexDecode(f.VerificationToken)
	if err != nil {
		wipe(derived)
		return "", fmt.Errorf("vault: corrupt verification token: %w", err)
	}
	if !v.tokenMatches(derived, stored) {
		wipe(derived)
		return "", syncerr.ErrInvalidPassphrase
	}

	v.setSessionLocked(derived, f.KeyID)
	return f.KeyID, nil
}

// Verify checks a passphrase against the stored verification token without
// altering the session. It is safe to call while locked or unlocked.
func (v *Vault) Verify(passphrase string) (bool, error) {
	f, err := v.readFile()
	if err != nil {
		return false, err
	}
	salt, err := hexDecode(f.Salt)
	if err != nil {
		return false, fmt.Errorf("vault: corrupt salt: %w", err)
	}
	derived := v.deriveKey(passphrase, salt)
	defer wipe(derived)

	stored, err := hexDecode(f.VerificationToken)
	if err != nil {
		return false, fmt.Errorf("vault: corrupt verification token: %w", err)
	}
	return v.tokenMatches(derived, stored), nil
}

// Lock wipes the in-memory session key.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.wipeSessionLocked()
}

// ChangePassphraseResult is returned by ChangePassphrase.
type ChangePassphraseResult struct {
	KeyID         string
	PreviousKeyID string
}

// ChangePassphrase verifies the current passphrase, then atomically
// rewrites the vault file with a new salt, key id, and verification token.
// The session key is continuously held across the rotation.
func (v *Vault) ChangePassphrase(current, next string) (ChangePassphraseResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := v.readFile()
	if err != nil {
		return ChangePassphraseResult{}, err
	}
	oldSalt, err := hexDecode(f.Salt)
	if err != nil {
		return ChangePassphraseResult{}, fmt.Errorf("vault: corrupt salt: %w", err)
	}
	oldDerived := v.deriveKey(current, oldSalt)

	stored, err := hexDecode(f.VerificationToken)
	if err != nil {
		wipe(oldDerived)
		return ChangePassphraseResult{}, fmt.Errorf("vault: corrupt verification token: %w", err)
	}
	if !v.tokenMatches(oldDerived, stored) {
		wipe(oldDerived)
		return ChangePassphraseResult{}, syncerr.ErrInvalidPassphrase
	}
	oldKeyID := f.KeyID
	wipe(oldDerived)

	newSalt, err := randomBytes(v.params.SaltLen)
	if err != nil {
		return ChangePassphraseResult{}, fmt.Errorf("vault: generate salt: %w", err)
	}
	newKeyID := uuid.New().String()
	newDerived := v.deriveKey(next, newSalt)
	newToken := v.verificationToken(newDerived)

	nf := file{
		Version:           1,
		Salt:              hexEncode(newSalt),
		KeyID:             newKeyID,
		VerificationToken: hexEncode(newToken),
		PreviousKeyID:     &oldKeyID,
	}
	if err := v.writeFile(nf); err != nil {
		wipe(newDerived)
		return ChangePassphraseResult{}, err
	}

	v.setSessionLocked(newDerived, newKeyID)
	return ChangePassphraseResult{KeyID: newKeyID, PreviousKeyID: oldKeyID}, nil
}

// GetKey returns a defensive copy of the 32-byte session key and refreshes
// the idle timer. It fails if the vault is locked or the session has timed
// out.
func (v *Vault) GetKey() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.isUnlockedLocked() {
		return nil, syncerr.ErrVaultLocked
	}
	v.unlockedAt = time.Now()
	cp := make([]byte, len(v.sessionKey))
	copy(cp, v.sessionKey)
	return cp, nil
}

func (v *Vault) setSessionLocked(key []byte, keyID string) {
	v.wipeSessionLocked()
	v.sessionKey = key
	v.keyID = keyID
	v.unlockedAt = time.Now()
	v.hasSession = true
}

func (v *Vault) wipeSessionLocked() {
	if v.sessionKey != nil {
		wipe(v.sessionKey)
		v.sessionKey = nil
	}
	v.keyID = ""
	v.hasSession = false
}

func (v *Vault) deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, v.params.TimeCost, v.params.MemoryKiB, v.params.Parallelism, v.params.KeyLen)
}

func (v *Vault) verificationToken(key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(verificationPlaintext)
	return mac.Sum(nil)
}

// tokenMatches performs a constant-time comparison so the vault never
// leaks passphrase-correctness through timing (I4).
func (v *Vault) tokenMatches(key, stored []byte) bool {
	expected := v.verificationToken(key)
	return subtle.ConstantTimeCompare(expected, stored) == 1
}

func (v *Vault) readFile() (file, error) {
	if !v.IsInitialized() {
		return file{}, syncerr.ErrVaultNotInitialized
	}
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return file{}, fmt.Errorf("vault: read: %w", err)
	}
	var f file
	if err := json.Unmarshal(raw, &f); err != nil {
		return file{}, fmt.Errorf("vault: corrupt vault file: %w", err)
	}
	return f, nil
}

func (v *Vault) writeFile(f file) error {
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: marshal: %w", err)
	}
	// Write a sibling temp file and rename it over the vault file so a reader
	// never sees a partially written vault.
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("vault: write: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("vault: write: %w", err)
	}
	return nil
}

// wipe zeroes buf in place so no session key material lingers in memory
// longer than it must.
func wipe(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
