package secrets

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/magnetar/pkg/errors"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	r, err := NewKeyResolver("unit-test-passphrase")
	require.NoError(t, err)

	ct, err := r.Encrypt("s3cr3t-p@ss")
	require.NoError(t, err)
	require.NotEmpty(t, ct)

	pt, err := r.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-p@ss", pt)
}

func TestEncryptUsesFreshNonces(t *testing.T) {
	r, err := NewKeyResolver("unit-test-passphrase")
	require.NoError(t, err)

	a, err := r.Encrypt("same-input")
	require.NoError(t, err)
	b, err := r.Encrypt("same-input")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "two encryptions of the same plaintext must differ")
}

func TestDecryptRejectsTamperedPayload(t *testing.T) {
	r, err := NewKeyResolver("unit-test-passphrase")
	require.NoError(t, err)

	ct, err := r.Encrypt("password")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(ct)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = r.Decrypt(tampered)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestDecryptRejectsGarbage(t *testing.T) {
	r, err := NewKeyResolver("unit-test-passphrase")
	require.NoError(t, err)

	_, err = r.Decrypt("not base64 !!!")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	_, err = r.Decrypt(base64.StdEncoding.EncodeToString([]byte("tiny")))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	r1, err := NewKeyResolver("passphrase-one")
	require.NoError(t, err)
	r2, err := NewKeyResolver("passphrase-two")
	require.NoError(t, err)

	ct, err := r1.Encrypt("password")
	require.NoError(t, err)

	_, err = r2.Decrypt(ct)
	require.Error(t, err)
}

func TestNewKeyResolverRejectsEmptyPassphrase(t *testing.T) {
	_, err := NewKeyResolver("")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestNewKeyResolverFromEnv(t *testing.T) {
	t.Setenv(EnvEncryptionKey, "env-passphrase")
	fromEnv, err := NewKeyResolverFromEnv()
	require.NoError(t, err)

	explicit, err := NewKeyResolver("env-passphrase")
	require.NoError(t, err)

	ct, err := fromEnv.Encrypt("credential")
	require.NoError(t, err)
	pt, err := explicit.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "credential", pt)
}
