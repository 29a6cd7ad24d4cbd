package cloud

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	apperr "github.com/alexjbarnes/threadsync/internal/errors"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation.
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived key length in bytes.
	scryptKeyLen = 32

	// keySalt is fixed so every device derives the same key and sync id
	// from the same passphrase.
	keySalt = "threadsync/v1"

	// syncIDLen is the number of hex characters of the sync id.
	syncIDLen = 32
)

// DeriveKey derives a 32-byte key from passphrase using scrypt over the
// NFKC-normalized passphrase and the fixed salt.
func DeriveKey(passphrase string) ([]byte, error) {
	key, err := scrypt.Key([]byte(norm.NFKC.String(passphrase)), []byte(keySalt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

// KeyHash computes hex(SHA-256(key)).
func KeyHash(key []byte) string {
	h := sha256.Sum256(key)
	return hex.EncodeToString(h[:])
}

// Cipher encrypts sync payloads with AES-256-GCM under a passphrase-derived
// key. Blobs are base64([12-byte nonce][ciphertext+tag]).
type Cipher struct {
	gcm    cipher.AEAD
	syncID string
}

// NewCipher derives the key for passphrase and builds a cipher.
func NewCipher(passphrase string) (*Cipher, error) {
	key, err := DeriveKey(passphrase)
	if err != nil {
		return nil, err
	}
	defer ZeroKey(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{gcm: gcm, syncID: KeyHash(key)[:syncIDLen]}, nil
}

// ZeroKey overwrites the key material in the given slice.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// SyncID is the passphrase-derived identifier used as the wire user id.
func (c *Cipher) SyncID() string { return c.syncID }

// Encrypt seals plaintext with a random nonce.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := c.gcm.Seal(nonce, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. Any failure, including a
// malformed blob, is reported as ErrDecrypt.
func (c *Cipher) Decrypt(blob string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding base64: %w", apperr.ErrDecrypt, err)
	}

	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize+c.gcm.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short: %d bytes", apperr.ErrDecrypt, len(data))
	}

	plaintext, err := c.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrDecrypt, err)
	}

	return plaintext, nil
}

// EncryptValue JSON-encodes v and encrypts it.
func (c *Cipher) EncryptValue(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshalling payload: %w", err)
	}

	return c.Encrypt(plaintext)
}

// DecryptValue decrypts blob and JSON-decodes it into out.
func (c *Cipher) DecryptValue(blob string, out any) error {
	plaintext, err := c.Decrypt(blob)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("%w: decoding payload: %w", apperr.ErrDecrypt, err)
	}

	return nil
}

// Checksum returns hex(SHA-256(blob)).
func Checksum(blob string) string {
	h := sha256.Sum256([]byte(blob))
	return hex.EncodeToString(h[:])
}

// VerifyChecksum reports ErrChecksumMismatch when blob does not hash to
// want.
func VerifyChecksum(blob, want string) error {
	if got := Checksum(blob); got != want {
		return fmt.Errorf("%w: want %s, got %s", apperr.ErrChecksumMismatch, want, got)
	}

	return nil
}

var (
	ciphersMu sync.Mutex
	ciphers   = map[string]*Cipher{}
)

// CipherFor returns a cached cipher for passphrase. Each passphrase is
// derived once per process.
func CipherFor(passphrase string) (*Cipher, error) {
	h := sha256.Sum256([]byte(passphrase))
	k := string(h[:])

	ciphersMu.Lock()
	defer ciphersMu.Unlock()

	if c, ok := ciphers[k]; ok {
		return c, nil
	}

	c, err := NewCipher(passphrase)
	if err != nil {
		return nil, err
	}

	ciphers[k] = c

	return c, nil
}

// Encrypt JSON-encodes value and encrypts it under passphrase.
func Encrypt(value any, passphrase string) (string, error) {
	c, err := CipherFor(passphrase)
	if err != nil {
		return "", err
	}

	return c.EncryptValue(value)
}

// Decrypt reverses Encrypt into out.
func Decrypt(blob, passphrase string, out any) error {
	c, err := CipherFor(passphrase)
	if err != nil {
		return err
	}

	return c.DecryptValue(blob, out)
}

// SyncID derives the wire user id for passphrase.
func SyncID(passphrase string) (string, error) {
	c, err := CipherFor(passphrase)
	if err != nil {
		return "", err
	}

	return c.SyncID(), nil
}

// IsIntegrityError reports whether err means the payload could not be
// trusted.
func IsIntegrityError(err error) bool {
	return errors.Is(err, apperr.ErrDecrypt) || errors.Is(err, apperr.ErrChecksumMismatch)
}

func isNotFound(err error) bool {
	return errors.Is(err, apperr.ErrNotFound)
}
