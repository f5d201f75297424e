// Package tokencrypto encrypts secrets stored at rest (OAuth tokens and
// client credentials). Ciphertexts carry a version prefix so records
// written by older releases stay readable.
//
//	v3:<hex iv>:<hex ciphertext>         AES-256-CTR (legacy, unauthenticated)
//	v4:<base64url nonce||ciphertext>     XChaCha20-Poly1305, HKDF-SHA256 subkey
package tokencrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Version identifies a ciphertext format.
type Version string

const (
	V3 Version = "v3"
	V4 Version = "v4"
)

// KeySize is the required master key length in bytes.
const KeySize = 32

const v4Info = "mcpconnect token v4"

var (
	// ErrUnsupportedVersion is returned for ciphertexts with an unknown prefix.
	ErrUnsupportedVersion = errors.New("unsupported ciphertext version")

	// ErrCorruptCiphertext is returned for malformed or tampered ciphertexts.
	ErrCorruptCiphertext = errors.New("corrupt ciphertext")
)

// EncryptionError reports a failure to encrypt or decrypt one record.
type EncryptionError struct {
	Op      string // "encrypt" or "decrypt"
	Version Version
	Err     error
}

func (e *EncryptionError) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Version, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// Cipher encrypts and decrypts token strings.
type Cipher struct {
	block   cipher.Block
	aead    cipher.AEAD
	version Version
}

// New creates a Cipher from a 32-byte master key. Encrypt writes the
// given version; Decrypt accepts every supported version.
func New(key []byte, write Version) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	if write == "" {
		write = V4
	}
	if write != V3 && write != V4 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, write)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	subkey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(v4Info)), subkey); err != nil {
		return nil, fmt.Errorf("deriving v4 key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(subkey)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305: %w", err)
	}

	return &Cipher{block: block, aead: aead, version: write}, nil
}

// NewFromHex creates a Cipher from a hex-encoded key (64 hex characters).
func NewFromHex(hexKey string, write Version) (*Cipher, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	return New(key, write)
}

// WriteVersion returns the version used by Encrypt.
func (c *Cipher) WriteVersion() Version { return c.version }

// Encrypt encrypts plaintext with the configured write version.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	switch c.version {
	case V3:
		return c.encryptV3(plaintext)
	default:
		return c.encryptV4(plaintext)
	}
}

// Decrypt decrypts a ciphertext of any supported version.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	prefix, rest, ok := strings.Cut(ciphertext, ":")
	if !ok {
		return "", &EncryptionError{Op: "decrypt", Err: ErrUnsupportedVersion}
	}
	switch Version(prefix) {
	case V3:
		return c.decryptV3(rest)
	case V4:
		return c.decryptV4(rest)
	default:
		return "", &EncryptionError{Op: "decrypt", Version: Version(prefix), Err: ErrUnsupportedVersion}
	}
}

func (c *Cipher) encryptV3(plaintext string) (string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", &EncryptionError{Op: "encrypt", Version: V3, Err: err}
	}
	out := make([]byte, len(plaintext))
	cipher.NewCTR(c.block, iv).XORKeyStream(out, []byte(plaintext))
	return string(V3) + ":" + hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

func (c *Cipher) decryptV3(rest string) (string, error) {
	ivHex, ctHex, ok := strings.Cut(rest, ":")
	if !ok {
		return "", &EncryptionError{Op: "decrypt", Version: V3, Err: ErrCorruptCiphertext}
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", &EncryptionError{Op: "decrypt", Version: V3, Err: ErrCorruptCiphertext}
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return "", &EncryptionError{Op: "decrypt", Version: V3, Err: ErrCorruptCiphertext}
	}
	out := make([]byte, len(ct))
	cipher.NewCTR(c.block, iv).XORKeyStream(out, ct)
	return string(out), nil
}

func (c *Cipher) encryptV4(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", &EncryptionError{Op: "encrypt", Version: V4, Err: err}
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), []byte(V4))
	return string(V4) + ":" + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) decryptV4(rest string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(rest)
	if err != nil || len(raw) < c.aead.NonceSize()+c.aead.Overhead() {
		return "", &EncryptionError{Op: "decrypt", Version: V4, Err: ErrCorruptCiphertext}
	}
	nonce, ct := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	out, err := c.aead.Open(nil, nonce, ct, []byte(V4))
	if err != nil {
		return "", &EncryptionError{Op: "decrypt", Version: V4, Err: ErrCorruptCiphertext}
	}
	return string(out), nil
}

// Hash returns the hex SHA-256 of s. Used to refer to secrets in logs.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
