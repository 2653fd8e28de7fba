// Package syncerr defines the sentinel error values the sync core raises,
// mirroring the error-kind table of the sync protocol design: vault
// lifecycle errors, crypto failures, and the conditions the push/pull
// orchestrator must surface to its caller without propagating a panic.
package syncerr

import "fmt"

var (
	ErrVaultNotInitialized = fmt.Errorf("vault not initialized")
	ErrVaultLocked         = fmt.Errorf("vault locked")
	ErrInvalidPassphrase   = fmt.Errorf("invalid passphrase")
	ErrAlreadyInitialized  = fmt.Errorf("vault already initialized")

	ErrCryptoCorrupt = fmt.Errorf("ciphertext corrupt or truncated")
	ErrAuthFailed    = fmt.Errorf("authentication failed")

	ErrTransientNetwork = fmt.Errorf("transient network error")
	ErrSchemaUnknown    = fmt.Errorf("unknown table")
	ErrStateConflict    = fmt.Errorf("state conflict")
	ErrBadRequest       = fmt.Errorf("bad request")

	ErrDeviceNotFound     = fmt.Errorf("device not found")
	ErrCannotRemoveSelf   = fmt.Errorf("cannot remove the current device")
	ErrNotInitialized     = fmt.Errorf("sync engine not initialized")
	ErrSyncInProgress     = fmt.Errorf("sync already in progress")
)

// Wrap adds context to err. It returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
