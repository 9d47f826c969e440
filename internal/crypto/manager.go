package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// keyLen is the AES-256 key size in bytes.
	keyLen = 32
	// saltLen is the derived salt size in bytes.
	saltLen = 16
	// nonceLen is the AES-GCM nonce size in bytes.
	nonceLen = 12
	// pbkdf2Iterations must stay fixed so every device derives the same
	// key from the same password.
	pbkdf2Iterations = 100000

	// saltSuffix is appended to the password before hashing into the
	// salt. Changing it invalidates every existing encrypted payload.
	saltSuffix = "violet-vault-salt"

	// budgetIDPrefix and budgetIDHexLen define the shape of shared
	// budget identifiers.
	budgetIDPrefix = "budget_"
	budgetIDHexLen = 16
)

var (
	// ErrNoKey is returned by Encrypt and Decrypt before a key has been
	// derived or installed.
	ErrNoKey = errors.New("crypto: no encryption key configured")

	// ErrInvalidShareCode is returned by GenerateBudgetID when the share
	// code does not match the expected shape after normalization.
	ErrInvalidShareCode = errors.New("crypto: invalid share code")

	shareCodeRe = regexp.MustCompile(`^[A-Z0-9]{4,32}$`)
)

// DecryptionError wraps any failure while opening an envelope, including
// authentication failures from a wrong key or tampered ciphertext.
type DecryptionError struct {
	Cause error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("crypto: decryption failed: %v", e.Cause)
}

func (e *DecryptionError) Unwrap() error { return e.Cause }

// Key is a derived AES-256 key plus the salt it was derived with.
type Key struct {
	material []byte
	salt     []byte
}

// Raw returns a copy of the key material.
func (k *Key) Raw() []byte {
	out := make([]byte, len(k.material))
	copy(out, k.material)
	return out
}

// Salt returns a copy of the derivation salt.
func (k *Key) Salt() []byte {
	out := make([]byte, len(k.salt))
	copy(out, k.salt)
	return out
}

// KeyFromRaw wraps existing key material, for callers that persist the
// derived key instead of the password.
func KeyFromRaw(material, salt []byte) (*Key, error) {
	if len(material) != keyLen {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", keyLen, len(material))
	}
	k := &Key{
		material: make([]byte, keyLen),
		salt:     make([]byte, len(salt)),
	}
	copy(k.material, material)
	copy(k.salt, salt)
	return k, nil
}

// EnvelopeMetadata describes how an envelope's payload was produced.
type EnvelopeMetadata struct {
	Optimized        bool    `json:"optimized"`
	OriginalSize     int     `json:"originalSize"`
	CompressedSize   int     `json:"compressedSize"`
	EncryptedSize    int     `json:"encryptedSize"`
	CompressionRatio float64 `json:"compressionRatio"`
}

// Envelope is an encrypted payload plus the nonce needed to open it.
// The key is never part of the envelope.
type Envelope struct {
	Data     []byte           `json:"data"`
	IV       []byte           `json:"iv"`
	Metadata EnvelopeMetadata `json:"metadata"`
}

// Manager derives keys from passwords and encrypts/decrypts arbitrary
// JSON-serializable values. Safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	key    *Key
	logger *log.Logger
}

// NewManager returns a Manager with no key installed. A nil logger
// disables logging.
func NewManager(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Manager{logger: logger}
}

// DeriveKey derives the AES-256 key for password. The salt is itself
// derived from the password, so the same password always yields the
// same key on every device with no salt exchange.
func DeriveKey(password string) (*Key, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	saltSum := sha256.Sum256([]byte(password + saltSuffix))
	salt := saltSum[:saltLen]
	material := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keyLen, sha256.New)
	return &Key{material: material, salt: append([]byte(nil), salt...)}, nil
}

// DeriveKey derives a key from password and installs it on the manager.
func (m *Manager) DeriveKey(password string) (*Key, error) {
	key, err := DeriveKey(password)
	if err != nil {
		return nil, err
	}
	m.SetKey(key)
	return key, nil
}

// SetKey installs key for subsequent Encrypt and Decrypt calls.
func (m *Manager) SetKey(key *Key) {
	m.mu.Lock()
	m.key = key
	m.mu.Unlock()
}

// HasKey reports whether a key is installed.
func (m *Manager) HasKey() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.key != nil
}

// ClearKey removes the installed key.
func (m *Manager) ClearKey() {
	m.mu.Lock()
	m.key = nil
	m.mu.Unlock()
}

// Encrypt serializes v and seals it with the installed key under a
// fresh random nonce.
func (m *Manager) Encrypt(v any) (*Envelope, error) {
	m.mu.RLock()
	key := m.key
	m.mu.RUnlock()
	if key == nil {
		return nil, ErrNoKey
	}
	return EncryptWithKey(key, v)
}

// Decrypt opens env with the installed key and decodes the payload
// into out.
func (m *Manager) Decrypt(env *Envelope, out any) error {
	m.mu.RLock()
	key := m.key
	m.mu.RUnlock()
	if key == nil {
		return ErrNoKey
	}
	return DecryptWithKey(key, env, out)
}

// EncryptWithKey seals v with an explicit key. Providers that hold a
// per-scope key use this directly.
func EncryptWithKey(key *Key, v any) (*Envelope, error) {
	packed, stats, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce generation failed: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, packed, nil)
	ratio := 0.0
	if stats.OriginalSize > 0 {
		ratio = float64(stats.CompressedSize) / float64(stats.OriginalSize)
	}
	return &Envelope{
		Data: ciphertext,
		IV:   nonce,
		Metadata: EnvelopeMetadata{
			Optimized:        true,
			OriginalSize:     stats.OriginalSize,
			CompressedSize:   stats.CompressedSize,
			EncryptedSize:    len(ciphertext),
			CompressionRatio: ratio,
		},
	}, nil
}

// DecryptWithKey opens env with an explicit key and decodes into out.
// A wrong key or modified ciphertext fails GCM authentication and
// returns a DecryptionError before any payload bytes are produced.
func DecryptWithKey(key *Key, env *Envelope, out any) error {
	if env == nil {
		return &DecryptionError{Cause: errors.New("nil envelope")}
	}
	if len(env.IV) != nonceLen {
		return &DecryptionError{Cause: fmt.Errorf("nonce must be %d bytes, got %d", nonceLen, len(env.IV))}
	}

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	packed, err := gcm.Open(nil, env.IV, env.Data, nil)
	if err != nil {
		return &DecryptionError{Cause: err}
	}

	if err := Unmarshal(packed, out); err != nil {
		return &DecryptionError{Cause: err}
	}
	return nil
}

func newGCM(key *Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key.material)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher init failed: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm init failed: %w", err)
	}
	return gcm, nil
}

// NormalizeShareCode uppercases and trims a share code the way every
// device must before feeding it to GenerateBudgetID.
func NormalizeShareCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// GenerateBudgetID derives the shared budget identifier from the budget
// password and share code. The result is identical on every device for
// the same inputs and reveals neither input.
func GenerateBudgetID(password, shareCode string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}
	code := NormalizeShareCode(shareCode)
	if !shareCodeRe.MatchString(code) {
		return "", fmt.Errorf("%w: %q", ErrInvalidShareCode, shareCode)
	}
	sum := sha256.Sum256([]byte(password + ":" + code))
	return budgetIDPrefix + hex.EncodeToString(sum[:])[:budgetIDHexLen], nil
}
