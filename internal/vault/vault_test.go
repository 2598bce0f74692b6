package vault

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	encoded, err := GenerateKey()
	require.NoError(t, err)
	key, err := ParseKey(encoded)
	require.NoError(t, err)
	v, err := New(key)
	require.NoError(t, err)
	return v
}

func testTokenSet() TokenSet {
	return TokenSet{
		AccessToken:  "at1",
		RefreshToken: "rt1",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		Scope:        "email chat",
		TokenType:    "Bearer",
	}
}

func TestVault_RoundTrip(t *testing.T) {
	v := newTestVault(t)
	ts := testTokenSet()

	payload, err := v.Encrypt(ts)
	require.NoError(t, err)

	got, err := v.Decrypt(payload)
	require.NoError(t, err)
	require.Equal(t, ts, got)
}

func TestVault_NonceFreshness(t *testing.T) {
	v := newTestVault(t)
	ts := testTokenSet()

	first, err := v.Encrypt(ts)
	require.NoError(t, err)
	second, err := v.Encrypt(ts)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// Both still decrypt to the same token set.
	a, err := v.Decrypt(first)
	require.NoError(t, err)
	b, err := v.Decrypt(second)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestVault_DecryptRejectsCorruption(t *testing.T) {
	v := newTestVault(t)
	payload, err := v.Encrypt(testTokenSet())
	require.NoError(t, err)

	// Every single-byte alteration must fail. The low masks target base64
	// trailing bits, which a lenient decoder would silently discard.
	for _, mask := range []byte{0x01, 0x02, 0x04, 0x08, 0x80} {
		for i := range payload {
			corrupted := append([]byte(nil), payload...)
			corrupted[i] ^= mask
			_, err := v.Decrypt(corrupted)
			require.Errorf(t, err, "byte %d flipped with mask %#x must not decrypt", i, mask)
			require.ErrorIs(t, err, ErrDecryptFailed)
		}
	}
}

func TestVault_DecryptRejectsNonCanonicalEncoding(t *testing.T) {
	v := newTestVault(t)

	// Pick a plaintext length whose ciphertext encoding is padded, so the
	// final data character carries unused trailing bits.
	var env struct {
		Version    string `json:"v"`
		Nonce      string `json:"nonce"`
		Ciphertext string `json:"ct"`
	}
	var payload []byte
	for pad := 0; pad < 3; pad++ {
		ts := testTokenSet()
		ts.AccessToken += strings.Repeat("x", pad)
		p, err := v.Encrypt(ts)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(p, &env))
		if strings.HasSuffix(env.Ciphertext, "=") {
			payload = p
			break
		}
	}
	require.NotNil(t, payload, "one of three consecutive lengths must need padding")

	// Recode the ciphertext with non-zero trailing bits: byte-different
	// payload, identical ciphertext under a lenient decoder. It must still
	// be rejected.
	recoded := []byte(env.Ciphertext)
	data := len(recoded)
	for recoded[data-1] == '=' {
		data--
	}
	idx := strings.IndexByte(b64Alphabet, recoded[data-1])
	require.GreaterOrEqual(t, idx, 0)
	recoded[data-1] = b64Alphabet[idx^0x01]

	env.Ciphertext = string(recoded)
	tampered, err := json.Marshal(env)
	require.NoError(t, err)
	require.NotEqual(t, payload, tampered)

	_, err = v.Decrypt(tampered)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

const b64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

func TestVault_DecryptRejectsTruncation(t *testing.T) {
	v := newTestVault(t)
	payload, err := v.Encrypt(testTokenSet())
	require.NoError(t, err)

	_, err = v.Decrypt(payload[:len(payload)/2])
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestVault_DecryptRejectsWrongKey(t *testing.T) {
	v := newTestVault(t)
	other := newTestVault(t)

	payload, err := v.Encrypt(testTokenSet())
	require.NoError(t, err)

	_, err = other.Decrypt(payload)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestVault_DecryptRejectsUnknownVersion(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Decrypt([]byte(`{"v":"xchacha.v9","nonce":"AAAA","ct":"AAAA"}`))
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestParseKey(t *testing.T) {
	encoded, err := GenerateKey()
	require.NoError(t, err)

	key, err := ParseKey(encoded)
	require.NoError(t, err)
	require.Len(t, []byte(key), 32)

	_, err = ParseKey("")
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = ParseKey("dG9vLXNob3J0")
	require.ErrorIs(t, err, ErrInvalidKey)

	// Hex encoding of 32 bytes is accepted too.
	hexKey := "000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f"
	key, err = ParseKey(hexKey)
	require.NoError(t, err)
	require.Len(t, []byte(key), 32)
}
