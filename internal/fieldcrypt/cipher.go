package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"store-gateway/internal/observability"
)

const (
	saltSize      = 16
	nonceSize     = 12
	tagSize       = 16
	legacyIVSize  = aes.BlockSize
	keySize       = 32
	kdfIterations = 100000

	// A master key shorter than this disables encryption entirely rather
	// than deriving weak keys from it.
	minMasterKeyLen = 32
)

// Format identifies which algorithm generation produced a stored value.
// It is decided once, by delimiter count, and matched exhaustively.
type Format int

const (
	// FormatPlain means the value was never encrypted.
	FormatPlain Format = iota
	// FormatLegacyCBC is the two-part iv:ciphertext generation. No
	// authentication tag; decryption cannot detect tampering.
	FormatLegacyCBC
	// FormatAEADGCM is the current four-part salt:iv:tag:ciphertext
	// generation.
	FormatAEADGCM
)

func DetectFormat(encoded string) Format {
	switch strings.Count(encoded, ":") {
	case 3:
		return FormatAEADGCM
	case 1:
		return FormatLegacyCBC
	default:
		return FormatPlain
	}
}

// Cipher encrypts individual scalar values crossing the storage boundary.
// Every encryption draws a fresh salt and derives its own key from the
// master secret, so no static data-encryption key is ever used directly.
type Cipher struct {
	masterKey []byte
	legacyKey []byte
	logger    *observability.Logger
	enabled   bool
}

func New(masterKey, legacySecret string, logger *observability.Logger) *Cipher {
	c := &Cipher{logger: logger}

	masterKey = strings.TrimSpace(masterKey)
	if len(masterKey) >= minMasterKeyLen {
		c.masterKey = []byte(masterKey)
		c.enabled = true
	} else {
		logger.Warn("field_encryption_disabled", map[string]any{
			"reason": "master key missing or shorter than 32 bytes; sensitive fields will be persisted as plaintext",
		})
	}

	if legacySecret = strings.TrimSpace(legacySecret); legacySecret != "" {
		digest := sha256.Sum256([]byte(legacySecret))
		c.legacyKey = digest[:]
	}

	return c
}

func (c *Cipher) Enabled() bool {
	return c.enabled
}

// EncryptValue returns hex(salt):hex(iv):hex(tag):hex(ciphertext), or the
// input unchanged when encryption is disabled. Only the current AEAD format
// is ever produced; the legacy format is read-only.
func (c *Cipher) EncryptValue(plain string) (string, error) {
	if !c.enabled || plain == "" {
		return plain, nil
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	aead, err := c.deriveAEAD(salt)
	if err != nil {
		return "", err
	}

	// The salt doubles as associated data, binding it into the tag.
	sealed := aead.Seal(nil, nonce, []byte(plain), salt)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		hex.EncodeToString(salt),
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

// DecryptValue inverts EncryptValue. Failure never crashes a read path: on
// tag mismatch or malformed input the original encoded value is returned and
// the failure is logged, so corrupt or foreign data surfaces as ciphertext
// rather than halting the application.
func (c *Cipher) DecryptValue(encoded string) string {
	switch DetectFormat(encoded) {
	case FormatPlain:
		return encoded
	case FormatAEADGCM:
		return c.decryptGCM(encoded)
	case FormatLegacyCBC:
		return c.decryptLegacyCBC(encoded)
	}

	return encoded
}

func (c *Cipher) decryptGCM(encoded string) string {
	if !c.enabled {
		return encoded
	}

	parts := strings.Split(encoded, ":")
	salt, err1 := hex.DecodeString(parts[0])
	nonce, err2 := hex.DecodeString(parts[1])
	tag, err3 := hex.DecodeString(parts[2])
	ciphertext, err4 := hex.DecodeString(parts[3])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil ||
		len(salt) != saltSize || len(nonce) != nonceSize || len(tag) != tagSize {
		c.logger.Error("field_decrypt_malformed", map[string]any{"format": "aead_gcm"})
		return encoded
	}

	aead, err := c.deriveAEAD(salt)
	if err != nil {
		c.logger.Error("field_decrypt_failed", map[string]any{"error": err.Error()})
		return encoded
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plain, err := aead.Open(nil, nonce, sealed, salt)
	if err != nil {
		c.logger.Error("field_decrypt_tamper", map[string]any{
			"format": "aead_gcm",
			"error":  err.Error(),
		})
		return encoded
	}

	return string(plain)
}

// decryptLegacyCBC handles the prior algorithm generation: AES-256-CBC under
// sha256(legacy secret), no per-value salt and no authentication. Kept so old
// rows stay readable until a backfill re-encrypts them.
func (c *Cipher) decryptLegacyCBC(encoded string) string {
	if c.legacyKey == nil {
		return encoded
	}

	parts := strings.Split(encoded, ":")
	iv, err1 := hex.DecodeString(parts[0])
	ciphertext, err2 := hex.DecodeString(parts[1])
	if err1 != nil || err2 != nil || len(iv) != legacyIVSize ||
		len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		// One colon but not hex: a plaintext value that happens to
		// contain a colon, not a legacy row.
		return encoded
	}

	block, err := aes.NewCipher(c.legacyKey)
	if err != nil {
		c.logger.Error("field_decrypt_failed", map[string]any{"error": err.Error()})
		return encoded
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		c.logger.Error("field_decrypt_malformed", map[string]any{"format": "legacy_cbc"})
		return encoded
	}

	c.logger.Warn("legacy_format_decrypted", map[string]any{
		"note": "row predates aead migration and carries no authentication tag",
	})

	return string(plain)
}

func (c *Cipher) deriveAEAD(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.masterKey, salt, kdfIterations, keySize, sha512.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	return aead, nil
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}

	padding := int(data[len(data)-1])
	if padding == 0 || padding > aes.BlockSize || padding > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("invalid padding")
		}
	}

	return data[:len(data)-padding], nil
}
