// Package vault handles credential references and at-rest sealing of
// credential material. The control plane never stores plaintext secrets:
// integrations carry an opaque reference into the customer vault, and any
// inline material is sealed before it touches the store.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/tollgate/controlplane/internal/fault"
)

const (
	// LiveScheme is the only credential reference scheme the plane accepts.
	LiveScheme = "cus-vault://"
	// legacyScheme is recognized but refused; the migration away from it is
	// complete and stragglers must not silently pass.
	legacyScheme = "vault://"
)

// Ref is a parsed credential reference.
type Ref struct {
	Path string
}

func (r Ref) String() string { return LiveScheme + r.Path }

// ParseRef validates a credential reference. Only cus-vault:// references are
// live; the legacy vault:// scheme is rejected with a credentials fault so
// callers surface CREDENTIALS_INVALID rather than a generic validation error.
func ParseRef(ref string) (Ref, error) {
	switch {
	case strings.HasPrefix(ref, LiveScheme):
		path := strings.TrimPrefix(ref, LiveScheme)
		if path == "" {
			return Ref{}, fault.New(fault.KindPermission, fault.CodeCredentialsInvalid,
				"credential reference has empty path")
		}
		return Ref{Path: path}, nil
	case strings.HasPrefix(ref, legacyScheme):
		return Ref{}, fault.New(fault.KindPermission, fault.CodeCredentialsInvalid,
			"legacy vault:// references are no longer accepted")
	default:
		return Ref{}, fault.Invalid("unrecognized credential reference scheme")
	}
}

// Sealer encrypts credential material with per-tenant subkeys derived from a
// process master key. Sealing binds the ciphertext to (tenant_id, context)
// so a blob lifted from one tenant cannot decrypt under another.
type Sealer struct {
	masterKey []byte
}

// NewSealer requires a 32-byte master key.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d",
			chacha20poly1305.KeySize, len(masterKey))
	}
	s := &Sealer{masterKey: make([]byte, len(masterKey))}
	copy(s.masterKey, masterKey)
	return s, nil
}

func (s *Sealer) tenantKey(tenantID string) ([]byte, error) {
	kdf := hkdf.New(sha256.New, s.masterKey, nil, []byte("credential-sealer:"+tenantID))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive tenant key: %w", err)
	}
	return key, nil
}

func additionalData(tenantID, context string) []byte {
	return []byte(tenantID + "\x00" + context)
}

// Seal encrypts plaintext for (tenantID, context) and returns a printable
// blob: base64(nonce || ciphertext).
func (s *Sealer) Seal(tenantID, context string, plaintext []byte) (string, error) {
	key, err := s.tenantKey(tenantID)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, additionalData(tenantID, context))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed blob. Decryption with a different tenant or context
// fails authentication and surfaces as CREDENTIALS_INVALID.
func (s *Sealer) Open(tenantID, context, blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fault.New(fault.KindPermission, fault.CodeCredentialsInvalid,
			"sealed credential is not valid base64")
	}

	key, err := s.tenantKey(tenantID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	if len(raw) < aead.NonceSize() {
		return nil, fault.New(fault.KindPermission, fault.CodeCredentialsInvalid,
			"sealed credential too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData(tenantID, context))
	if err != nil {
		return nil, fault.New(fault.KindPermission, fault.CodeCredentialsInvalid,
			"sealed credential failed authentication")
	}
	return plaintext, nil
}
