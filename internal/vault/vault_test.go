package vault

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate/controlplane/internal/fault"
)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, 32)
	s, err := NewSealer(key)
	require.NoError(t, err)
	return s
}

func TestSealOpenRoundTrip(t *testing.T) {
	s := testSealer(t)

	plaintext := []byte(`{"api_key":"sk-test-0001"}`)
	blob, err := s.Seal("tenant-a", "openai/primary", plaintext)
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	got, err := s.Open("tenant-a", "openai/primary", blob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOpenWrongTenantFails(t *testing.T) {
	s := testSealer(t)

	blob, err := s.Seal("tenant-a", "ctx", []byte("secret"))
	require.NoError(t, err)

	_, err = s.Open("tenant-b", "ctx", blob)
	require.Error(t, err)
	assert.Equal(t, fault.CodeCredentialsInvalid, fault.CodeOf(err))
}

func TestOpenWrongContextFails(t *testing.T) {
	s := testSealer(t)

	blob, err := s.Seal("tenant-a", "ctx-one", []byte("secret"))
	require.NoError(t, err)

	_, err = s.Open("tenant-a", "ctx-two", blob)
	assert.Error(t, err)
}

func TestSealProducesFreshNonces(t *testing.T) {
	s := testSealer(t)

	a, err := s.Seal("tenant-a", "ctx", []byte("secret"))
	require.NoError(t, err)
	b, err := s.Seal("tenant-a", "ctx", []byte("secret"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNewSealerRejectsShortKey(t *testing.T) {
	_, err := NewSealer([]byte("short"))
	assert.Error(t, err)
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr string
	}{
		{"live ref", "cus-vault://tenants/acme/openai", "tenants/acme/openai", ""},
		{"legacy ref rejected", "vault://tenants/acme/openai", "", fault.CodeCredentialsInvalid},
		{"empty path", "cus-vault://", "", fault.CodeCredentialsInvalid},
		{"garbage", "s3://bucket/key", "", fault.CodeValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := ParseRef(tt.ref)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, fault.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ref.Path)
			assert.Equal(t, tt.ref, ref.String())
		})
	}
}
