package tenantconfig

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"modkit/internal/api"
)

var markupPattern = regexp.MustCompile(`<[^>]*>`)

// Sanitizer applies a module's declared sanitization rules to string
// fields after schema validation. Rules run in declared order; a rule with
// field "*" applies to every string field.
type Sanitizer struct {
	encryptionKey []byte
}

// NewSanitizer creates a sanitizer. key enables the encrypt transform; it
// must be 16, 24, or 32 bytes (raw or hex-encoded) or empty to disable
// encryption.
func NewSanitizer(key string) (*Sanitizer, error) {
	s := &Sanitizer{}
	if key == "" {
		return s, nil
	}
	raw := []byte(key)
	if decoded, err := hex.DecodeString(key); err == nil {
		raw = decoded
	}
	switch len(raw) {
	case 16, 24, 32:
		s.encryptionKey = raw
	default:
		return nil, fmt.Errorf("encryption key must be 16, 24, or 32 bytes, got %d", len(raw))
	}
	return s, nil
}

// Apply runs the declared rules over values and returns a sanitized copy.
func (s *Sanitizer) Apply(rules []api.SanitizeRule, values map[string]interface{}) (map[string]interface{}, error) {
	result := make(map[string]interface{}, len(values))
	for k, v := range values {
		result[k] = v
	}

	for _, rule := range rules {
		if rule.Field == "*" {
			for field, value := range result {
				str, ok := value.(string)
				if !ok {
					continue
				}
				transformed, err := s.transform(rule.Kind, str)
				if err != nil {
					return nil, fmt.Errorf("sanitize %s on %s: %w", rule.Kind, field, err)
				}
				result[field] = transformed
			}
			continue
		}

		value, present := result[rule.Field]
		if !present {
			continue
		}
		str, ok := value.(string)
		if !ok {
			continue
		}
		transformed, err := s.transform(rule.Kind, str)
		if err != nil {
			return nil, fmt.Errorf("sanitize %s on %s: %w", rule.Kind, rule.Field, err)
		}
		result[rule.Field] = transformed
	}
	return result, nil
}

func (s *Sanitizer) transform(kind api.SanitizeKind, value string) (string, error) {
	switch kind {
	case api.SanitizeTrim:
		return strings.TrimSpace(value), nil
	case api.SanitizeLowercase:
		return strings.ToLower(value), nil
	case api.SanitizeUppercase:
		return strings.ToUpper(value), nil
	case api.SanitizeStripMarkup:
		return markupPattern.ReplaceAllString(value, ""), nil
	case api.SanitizeHash:
		sum := sha256.Sum256([]byte(value))
		return hex.EncodeToString(sum[:]), nil
	case api.SanitizeEncrypt:
		return s.encrypt(value)
	default:
		return "", fmt.Errorf("unknown sanitize kind %q", kind)
	}
}

func (s *Sanitizer) encrypt(value string) (string, error) {
	if s.encryptionKey == nil {
		return "", fmt.Errorf("encrypt sanitizer requires security.encryptionKey")
	}
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(value), nil)
	return "enc:" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses the encrypt transform for values produced by this
// sanitizer.
func (s *Sanitizer) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, "enc:") {
		return value, nil
	}
	if s.encryptionKey == nil {
		return "", fmt.Errorf("decrypt requires security.encryptionKey")
	}
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, "enc:"))
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}
	plain, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
