// Package vault turns token sets into opaque encrypted payloads and back.
// It is stateless: every operation is a pure function of its input and the
// master key, so no locking is required.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// envelopeVersion tags the payload format so key or algorithm rotation can
// be added later without breaking stored records.
const envelopeVersion = "aesgcm.v1"

const keySize = 32

var (
	// ErrInvalidKey signals a master key that does not decode to 256 bits.
	ErrInvalidKey = errors.New("vault: invalid key")
	// ErrDecryptFailed signals tag verification failure: wrong key or
	// corrupted/tampered data. It is fatal and must never be retried.
	ErrDecryptFailed = errors.New("vault: decrypt failed")
)

// TokenSet is the decrypted token material. It is ephemeral: never persisted
// and never logged.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
}

// Key is a parsed 256-bit master key.
type Key []byte

// GenerateKey produces a fresh random master key encoded for storage in the
// ENCRYPTION_KEY configuration value. The key is irrecoverable if lost.
func GenerateKey() (string, error) {
	buf := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// ParseKey decodes a base64- or hex-encoded master key.
func ParseKey(encoded string) (Key, error) {
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	candidates := [][]byte{}
	if b, err := base64.StdEncoding.DecodeString(encoded); err == nil {
		candidates = append(candidates, b)
	}
	if b, err := base64.RawStdEncoding.DecodeString(encoded); err == nil {
		candidates = append(candidates, b)
	}
	if b, err := hex.DecodeString(encoded); err == nil {
		candidates = append(candidates, b)
	}
	for _, b := range candidates {
		if len(b) == keySize {
			return Key(b), nil
		}
	}
	return nil, fmt.Errorf("%w: must decode to %d bytes", ErrInvalidKey, keySize)
}

// envelope is the self-describing persisted form of an encrypted token set.
// Nonce and ciphertext are strict base64: the default []byte JSON decoding
// ignores non-zero trailing bits in the final character, which would let
// some single-byte payload alterations decode to the identical ciphertext.
type envelope struct {
	Version    string `json:"v"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ct"`
}

// strictB64 rejects non-canonical encodings, so no two distinct payloads
// decode to the same nonce and ciphertext.
var strictB64 = base64.StdEncoding.Strict()

// Vault encrypts and decrypts token sets with a single master key.
type Vault struct {
	key Key
}

// New constructs a Vault for the given master key.
func New(key Key) (*Vault, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: must be %d bytes", ErrInvalidKey, keySize)
	}
	return &Vault{key: key}, nil
}

// Encrypt serializes the token set and seals it with AES-256-GCM under a
// fresh random 96-bit nonce. Two calls with identical input yield different
// payloads because the nonce is fresh each time.
func (v *Vault) Encrypt(ts TokenSet) ([]byte, error) {
	plaintext, err := json.Marshal(ts)
	if err != nil {
		return nil, fmt.Errorf("serialize token set: %w", err)
	}

	aead, err := v.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	env := envelope{
		Version:    envelopeVersion,
		Nonce:      strictB64.EncodeToString(nonce),
		Ciphertext: strictB64.EncodeToString(aead.Seal(nil, nonce, plaintext, nil)),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return payload, nil
}

// Decrypt verifies the authentication tag and returns the token set. Any
// tampering, truncation, unknown format version, or wrong key fails closed
// with ErrDecryptFailed and no partial output.
func (v *Vault) Decrypt(payload []byte) (TokenSet, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return TokenSet{}, fmt.Errorf("%w: malformed payload", ErrDecryptFailed)
	}
	if env.Version != envelopeVersion {
		return TokenSet{}, fmt.Errorf("%w: unknown payload version %q", ErrDecryptFailed, env.Version)
	}

	nonce, err := strictB64.DecodeString(env.Nonce)
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: malformed nonce", ErrDecryptFailed)
	}
	ciphertext, err := strictB64.DecodeString(env.Ciphertext)
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: malformed ciphertext", ErrDecryptFailed)
	}

	aead, err := v.aead()
	if err != nil {
		return TokenSet{}, err
	}
	if len(nonce) != aead.NonceSize() {
		return TokenSet{}, fmt.Errorf("%w: bad nonce length", ErrDecryptFailed)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: authentication failed", ErrDecryptFailed)
	}

	var ts TokenSet
	if err := json.Unmarshal(plaintext, &ts); err != nil {
		return TokenSet{}, fmt.Errorf("%w: malformed plaintext", ErrDecryptFailed)
	}
	return ts, nil
}

func (v *Vault) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}
