package keyring

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gokeyring "github.com/zalando/go-keyring"

	"github.com/yllada/ocvpn/common"
)

func newTestCipher(t *testing.T, secret string) *Cipher {
	t.Helper()
	c, err := NewCipher([]byte(secret))
	require.NoError(t, err)
	return c
}

func TestCipher_RoundTrip(t *testing.T) {
	c := newTestCipher(t, "machine-1234")

	for _, plaintext := range []string{"", "hunter2", "pässwörd ✓", strings.Repeat("x", 4096)} {
		encrypted, err := c.Encrypt(plaintext)
		require.NoError(t, err)

		decrypted, err := c.Decrypt(encrypted)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestCipher_NonceRandomness(t *testing.T) {
	c := newTestCipher(t, "machine-1234")

	first, err := c.Encrypt("same")
	require.NoError(t, err)
	second, err := c.Encrypt("same")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	for _, enc := range []string{first, second} {
		got, err := c.Decrypt(enc)
		require.NoError(t, err)
		assert.Equal(t, "same", got)
	}
}

func TestCipher_RejectsBadInput(t *testing.T) {
	c := newTestCipher(t, "machine-1234")
	valid, err := c.Encrypt("secret")
	require.NoError(t, err)

	flipped := []byte(valid)
	last := len(flipped) - 1
	if flipped[last] == '0' {
		flipped[last] = '1'
	} else {
		flipped[last] = '0'
	}

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not hex", "zz-not-hex"},
		{"odd length", valid[:len(valid)-1]},
		{"shorter than nonce", valid[:20]},
		{"nonce only", valid[:48]},
		{"tampered tag", string(flipped)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decrypt(tt.input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, common.ErrCipher), "got %v", err)
		})
	}
}

func TestCipher_WrongKey(t *testing.T) {
	encrypted, err := newTestCipher(t, "machine-a").Encrypt("secret")
	require.NoError(t, err)

	_, err = newTestCipher(t, "machine-b").Decrypt(encrypted)
	assert.ErrorIs(t, err, common.ErrCipher)
}

func TestNewCipher_EmptySecret(t *testing.T) {
	_, err := NewCipher(nil)
	assert.ErrorIs(t, err, common.ErrCipher)
}

func TestMachineID_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine-id")
	require.NoError(t, os.WriteFile(path, []byte("abc123\n"), 0600))

	saved := machineIDFiles
	machineIDFiles = []string{filepath.Join(t.TempDir(), "missing"), path}
	defer func() { machineIDFiles = saved }()

	assert.Equal(t, "abc123", MachineID())
}

func TestSecret(t *testing.T) {
	t.Run("passphrase", func(t *testing.T) {
		t.Setenv(common.PassphraseEnv, "correct horse")
		secret, err := Secret("passphrase")
		require.NoError(t, err)
		assert.Equal(t, "correct horse", string(secret))
	})

	t.Run("passphrase missing", func(t *testing.T) {
		t.Setenv(common.PassphraseEnv, "")
		_, err := Secret("passphrase")
		assert.ErrorIs(t, err, common.ErrConfig)
	})

	t.Run("unknown source", func(t *testing.T) {
		_, err := Secret("tpm")
		assert.ErrorIs(t, err, common.ErrConfig)
	})
}

func TestTokenCache(t *testing.T) {
	gokeyring.MockInit()

	_, err := LoadToken("corp")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, StoreToken("corp", "refresh-1"))
	token, err := LoadToken("corp")
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", token)

	require.NoError(t, DeleteToken("corp"))
	require.NoError(t, DeleteToken("corp"))
	_, err = LoadToken("corp")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, StoreToken("", "x"))
	assert.Error(t, StoreToken("corp", ""))
}
