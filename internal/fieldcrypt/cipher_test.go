package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"store-gateway/internal/observability"
)

const (
	testMasterKey    = "0123456789abcdef0123456789abcdef"
	testLegacySecret = "legacy-secret-from-generation-one"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	return New(testMasterKey, testLegacySecret, observability.NewLogger())
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := newTestCipher(t)

	for _, plain := range []string{
		"alice@example.com",
		"+49 151 1234567",
		"Hauptstraße 5, 10115 Berlin",
		"x",
		"value with : a colon : inside",
	} {
		encoded, err := c.EncryptValue(plain)
		require.NoError(t, err)
		require.NotEqual(t, plain, encoded)
		assert.Equal(t, FormatAEADGCM, DetectFormat(encoded))
		assert.Equal(t, plain, c.DecryptValue(encoded))
	}
}

func TestEncryptValueIsRandomized(t *testing.T) {
	c := newTestCipher(t)

	first, err := c.EncryptValue("alice@example.com")
	require.NoError(t, err)
	second, err := c.EncryptValue("alice@example.com")
	require.NoError(t, err)

	// Fresh salt and IV per value: equality search over ciphertext is
	// impossible on purpose.
	assert.NotEqual(t, first, second)
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatPlain, DetectFormat("alice@example.com"))
	assert.Equal(t, FormatLegacyCBC, DetectFormat("aabb:ccdd"))
	assert.Equal(t, FormatAEADGCM, DetectFormat("aa:bb:cc:dd"))
	assert.Equal(t, FormatPlain, DetectFormat(""))
	assert.Equal(t, FormatPlain, DetectFormat("a:b:c"))
}

func TestDecryptValuePlainPassThrough(t *testing.T) {
	c := newTestCipher(t)

	assert.Equal(t, "never encrypted", c.DecryptValue("never encrypted"))
	assert.Equal(t, "", c.DecryptValue(""))
}

func TestTamperDetection(t *testing.T) {
	c := newTestCipher(t)

	encoded, err := c.EncryptValue("alice@example.com")
	require.NoError(t, err)
	parts := strings.Split(encoded, ":")
	require.Len(t, parts, 4)

	for i, name := range map[int]string{2: "tag", 3: "ciphertext"} {
		t.Run(name, func(t *testing.T) {
			mutated := make([]string, 4)
			copy(mutated, parts)
			mutated[i] = flipHexNibble(mutated[i])
			tampered := strings.Join(mutated, ":")

			// Fails closed: the tampered encoding comes back verbatim,
			// never a different plaintext.
			assert.Equal(t, tampered, c.DecryptValue(tampered))
		})
	}
}

func TestTamperedSaltFailsClosed(t *testing.T) {
	c := newTestCipher(t)

	encoded, err := c.EncryptValue("alice@example.com")
	require.NoError(t, err)
	parts := strings.Split(encoded, ":")
	parts[0] = flipHexNibble(parts[0])
	tampered := strings.Join(parts, ":")

	// The salt is bound in as AAD, so swapping it breaks the tag too.
	assert.Equal(t, tampered, c.DecryptValue(tampered))
}

func TestLegacyCBCDecryption(t *testing.T) {
	c := newTestCipher(t)

	legacy := encryptLegacyForTest(t, "bob@example.com")
	require.Equal(t, FormatLegacyCBC, DetectFormat(legacy))

	assert.Equal(t, "bob@example.com", c.DecryptValue(legacy))
}

func TestLegacyDecryptionWithoutSecretPassesThrough(t *testing.T) {
	c := New(testMasterKey, "", observability.NewLogger())

	legacy := encryptLegacyForTest(t, "bob@example.com")
	assert.Equal(t, legacy, c.DecryptValue(legacy))
}

func TestColonInPlaintextIsNotTreatedAsLegacy(t *testing.T) {
	c := newTestCipher(t)

	// One colon but not hex: must come back unchanged, not decrypt to
	// garbage.
	assert.Equal(t, "opening hours: 9-17", c.DecryptValue("opening hours: 9-17"))
}

func TestDisabledCipherPassesThrough(t *testing.T) {
	c := New("too-short", "", observability.NewLogger())
	require.False(t, c.Enabled())

	encoded, err := c.EncryptValue("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", encoded)
}

func TestDisabledCipherDoesNotDecryptAEAD(t *testing.T) {
	enabled := newTestCipher(t)
	encoded, err := enabled.EncryptValue("alice@example.com")
	require.NoError(t, err)

	disabled := New("", "", observability.NewLogger())
	assert.Equal(t, encoded, disabled.DecryptValue(encoded))
}

func flipHexNibble(s string) string {
	b := []byte(s)
	if b[0] == 'a' {
		b[0] = 'b'
	} else {
		b[0] = 'a'
	}
	return string(b)
}

// encryptLegacyForTest reproduces the generation-one format: AES-256-CBC
// under sha256(secret), hex(iv):hex(ciphertext), PKCS#7 padding.
func encryptLegacyForTest(t *testing.T, plain string) string {
	t.Helper()

	digest := sha256.Sum256([]byte(testLegacySecret))
	block, err := aes.NewCipher(digest[:])
	require.NoError(t, err)

	iv := make([]byte, aes.BlockSize)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	padding := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append([]byte(plain), make([]byte, padding)...)
	for i := len(plain); i < len(padded); i++ {
		padded[i] = byte(padding)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext)
}
