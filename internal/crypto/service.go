// Package crypto implements AES-256-GCM authenticated encryption over the
// vault's session key: single-shot bytes and JSON, the sync envelope used on
// the wire, and the chunked on-disk file container.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/lezzur/lime-sync-core/internal/syncerr"
)

const (
	nonceLen = 12
	tagLen   = 16

	fileMagic       = "LIME"
	fileVersion     = 1
	flagChunked     = 0x01
	chunkSize       = 1 << 20 // 1 MiB
	chunkThreshold  = 1 << 20
	envelopeVersion = 1
)

// KeyProvider supplies the current session key and its id. It is satisfied
// by *vault.Vault without importing it directly, avoiding an import cycle.
type KeyProvider interface {
	GetKey() ([]byte, error)
	KeyID() string
}

// Service performs AEAD encryption using whatever key the vault currently
// holds. It does no key management of its own.
type Service struct {
	keys KeyProvider
	log  *logrus.Entry
}

// New builds a Service backed by keys.
func New(keys KeyProvider, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{keys: keys, log: log.WithField("component", "crypto")}
}

func (s *Service) gcm() (cipher.AEAD, string, error) {
	key, err := s.keys.GetKey()
	if err != nil {
		return nil, "", err
	}
	defer wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, "", fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, "", fmt.Errorf("crypto: new gcm: %w", err)
	}
	return gcm, s.keys.KeyID(), nil
}

// EncryptBytes seals pt with a fresh random nonce and AAD, returning
// nonce || ciphertext || tag.
func (s *Service) EncryptBytes(pt, aad []byte) ([]byte, error) {
	gcm, _, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, pt, aad)
	return append(nonce, sealed...), nil
}

// DecryptBytes opens a nonce || ciphertext || tag payload. Any failure
// (truncation, tag mismatch) returns ErrCryptoCorrupt or ErrAuthFailed and
// never a partial plaintext.
func (s *Service) DecryptBytes(ct, aad []byte) ([]byte, error) {
	if len(ct) < nonceLen+tagLen {
		return nil, syncerr.ErrCryptoCorrupt
	}
	gcm, _, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonce, body := ct[:nonceLen], ct[nonceLen:]
	pt, err := gcm.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, syncerr.ErrAuthFailed
	}
	return pt, nil
}

// EncryptJSON marshals v and encrypts it.
func (s *Service) EncryptJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal: %w", err)
	}
	return s.EncryptBytes(raw, nil)
}

// DecryptJSON decrypts ct and unmarshals it into v.
func (s *Service) DecryptJSON(ct []byte, v any) error {
	raw, err := s.DecryptBytes(ct, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", syncerr.ErrCryptoCorrupt, err)
	}
	return nil
}

// SyncEnvelope is the wire shape exchanged with the object store: a version
// tag, the key id that sealed payload, and the base64 ciphertext itself.
type SyncEnvelope struct {
	V       int    `json:"v"`
	KeyID   string `json:"key_id"`
	Payload string `json:"payload"`
}

// EncryptSyncPayload seals pt and wraps it in a SyncEnvelope stamped with
// the key id currently held by the vault.
func (s *Service) EncryptSyncPayload(pt []byte) (SyncEnvelope, error) {
	gcm, keyID, err := s.gcm()
	if err != nil {
		return SyncEnvelope{}, err
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return SyncEnvelope{}, fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := append(nonce, gcm.Seal(nil, nonce, pt, nil)...)
	return SyncEnvelope{
		V:       envelopeVersion,
		KeyID:   keyID,
		Payload: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// DecryptSyncPayload verifies env.V and, if env.KeyID does not match the
// vault's current key id, logs a warning and attempts decryption anyway —
// decryption will fail naturally (AuthFailed) if the keys genuinely differ.
func (s *Service) DecryptSyncPayload(env SyncEnvelope) ([]byte, error) {
	if env.V != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", syncerr.ErrCryptoCorrupt, env.V)
	}
	if currentKeyID := s.keys.KeyID(); currentKeyID != "" && env.KeyID != currentKeyID {
		s.log.WithFields(logrus.Fields{
			"envelope_key_id": env.KeyID,
			"session_key_id":  currentKeyID,
		}).Warn("sync envelope key id does not match session key; attempting decrypt anyway")
	}
	raw, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", syncerr.ErrCryptoCorrupt, err)
	}
	return s.DecryptBytes(raw, nil)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// EncryptFile reads all of r, encrypts it as a LIME file container (chunked
// if larger than 1 MiB), and writes the container to w.
func (s *Service) EncryptFile(ctx context.Context, r io.Reader, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("crypto: read plaintext: %w", err)
	}

	header := []byte(fileMagic)
	header = append(header, fileVersion)
	if len(data) <= chunkThreshold {
		header = append(header, 0x00)
		if _, err := w.Write(header); err != nil {
			return err
		}
		sealed, err := s.EncryptBytes(data, nil)
		if err != nil {
			return err
		}
		return writeBlock(w, sealed)
	}

	header = append(header, flagChunked)
	if _, err := w.Write(header); err != nil {
		return err
	}
	chunkIndex := uint32(0)
	for offset := 0; offset < len(data); offset += chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		aad := make([]byte, 4)
		binary.LittleEndian.PutUint32(aad, chunkIndex)
		sealed, err := s.EncryptBytes(data[offset:end], aad)
		if err != nil {
			return err
		}
		if err := writeBlock(w, sealed); err != nil {
			return err
		}
		chunkIndex++
	}
	return writeBlock(w, nil) // terminating zero-length block
}

// DecryptFile reads a LIME file container from r and writes the recovered
// plaintext to w. A swapped or truncated chunk fails with ErrAuthFailed
// rather than yielding partial plaintext.
func (s *Service) DecryptFile(ctx context.Context, r io.Reader, w io.Writer) error {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("%w: short header", syncerr.ErrCryptoCorrupt)
	}
	if string(header[:4]) != fileMagic {
		return fmt.Errorf("%w: bad magic", syncerr.ErrCryptoCorrupt)
	}
	if header[4] != fileVersion {
		return fmt.Errorf("%w: unsupported version %d", syncerr.ErrCryptoCorrupt, header[4])
	}
	chunked := header[5]&flagChunked != 0

	if !chunked {
		block, err := readBlock(r)
		if err != nil {
			return err
		}
		pt, err := s.DecryptBytes(block, nil)
		if err != nil {
			return err
		}
		_, err = w.Write(pt)
		return err
	}

	var chunkIndex uint32
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		block, err := readBlock(r)
		if err != nil {
			return err
		}
		if len(block) == 0 {
			return nil
		}
		aad := make([]byte, 4)
		binary.LittleEndian.PutUint32(aad, chunkIndex)
		pt, err := s.DecryptBytes(block, aad)
		if err != nil {
			return err
		}
		if _, err := w.Write(pt); err != nil {
			return err
		}
		chunkIndex++
	}
}

func writeBlock(w io.Writer, payload []byte) error {
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(payload)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func readBlock(r io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("%w: short block length", syncerr.ErrCryptoCorrupt)
	}
	n := binary.LittleEndian.Uint32(lenBuf)
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: short block body", syncerr.ErrCryptoCorrupt)
	}
	return buf, nil
}
