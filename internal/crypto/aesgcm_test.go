package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCipher(t *testing.T) *AESGCM {
	t.Helper()
	c, err := NewAESGCMFromBase64Key(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)
	return c
}

func TestAESGCMEncryptDecrypt(t *testing.T) {
	c := testCipher(t)
	blob, err := c.Encrypt([]byte("secret"))
	require.NoError(t, err)
	got, err := c.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(got))

	_, err = c.Decrypt(blob[:4])
	assert.Error(t, err)
}

func TestSealAndOpenString(t *testing.T) {
	c := testCipher(t)
	sealed, err := c.SealString("sk-upstream")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, SealedPrefix))
	assert.True(t, IsSealed(sealed))

	plain, err := c.OpenString(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-upstream", plain)

	plain, err = c.OpenString("sk-plain")
	require.NoError(t, err)
	assert.Equal(t, "sk-plain", plain)

	_, err = c.OpenString("enc:!!!")
	assert.Error(t, err)
}

func TestRejectsBadKeys(t *testing.T) {
	_, err := NewAESGCMFromBase64Key("not base64")
	assert.Error(t, err)
	_, err = NewAESGCMFromBase64Key(base64.StdEncoding.EncodeToString(make([]byte, 16)))
	assert.ErrorContains(t, err, "invalid key length")
}
