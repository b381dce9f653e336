package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestGenerateAPIKeyShape(t *testing.T) {
	h := NewKeyHasher("")
	key, hash, err := h.GenerateAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, "dd_key_"))
	assert.Len(t, key, 71)
	assert.True(t, ValidAPIKeyShape(key))
	assert.Len(t, hash, 64)
	assert.NotContains(t, hash, key[len(APIKeyPrefix):])
}

func TestGenerateAPIKeyUnique(t *testing.T) {
	h := NewKeyHasher("")
	k1, _, err := h.GenerateAPIKey()
	require.NoError(t, err)
	k2, _, err := h.GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}

func TestHashDeterministicAndPeppered(t *testing.T) {
	key := "dd_key_" + strings.Repeat("ab", 32)

	plain := NewKeyHasher("")
	peppered := NewKeyHasher("s3cret-pepper")
	other := NewKeyHasher("another-pepper")

	assert.Equal(t, plain.Hash(key), plain.Hash(key))
	assert.Equal(t, peppered.Hash(key), peppered.Hash(key))
	assert.NotEqual(t, plain.Hash(key), peppered.Hash(key))
	assert.NotEqual(t, peppered.Hash(key), other.Hash(key))
}

func TestParseBearer(t *testing.T) {
	key := "dd_key_" + strings.Repeat("0f", 32)

	got, err := ParseBearer("Bearer " + key)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	got, err = ParseBearer("bearer " + key)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = ParseBearer("")
	assert.ErrorIs(t, err, ErrMissingCredential)

	for _, header := range []string{
		key,
		"Basic " + key,
		"Bearer dd_key_short",
		"Bearer xx_key_" + strings.Repeat("0f", 32),
		"Bearer dd_key_" + strings.Repeat("ZZ", 32),
		"Bearer dd_key_" + strings.Repeat("0F", 32),
	} {
		_, err := ParseBearer(header)
		assert.ErrorIs(t, err, ErrMalformedCredential, header)
	}
}

func TestIDs(t *testing.T) {
	a1, a2 := NewAgentID(), NewAgentID()
	assert.True(t, strings.HasPrefix(a1, "dd_"))
	assert.NotEqual(t, a1, a2)

	m1, m2 := NewMessageID(), NewMessageID()
	assert.True(t, strings.HasPrefix(m1, "msg_"))
	assert.NotEqual(t, m1, m2)
	assert.Len(t, m1, len("msg_")+26)
}

func TestAdminSecret(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("open-sesame"), bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, VerifyAdminSecret(string(hash), "open-sesame"))
	assert.False(t, VerifyAdminSecret(string(hash), "open-sesame!"))
	assert.False(t, VerifyAdminSecret("not-a-bcrypt-hash", "open-sesame"))
}
