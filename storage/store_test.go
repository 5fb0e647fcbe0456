package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/ocvpn/common"
	"github.com/yllada/ocvpn/keyring"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	cipher, err := keyring.NewCipher([]byte("test-machine"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "servers.json")
	s, err := Open(path, cipher)
	require.NoError(t, err)
	return s, path
}

func readDocument(t *testing.T, path string) document {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func TestOpen_CreatesEmptyDocument(t *testing.T) {
	_, path := openTestStore(t)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"default":null,"servers":[]}`, string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestUpsert_EncryptsPasswordAtRest(t *testing.T) {
	s, path := openTestStore(t)

	require.NoError(t, s.Upsert(NewPasswordProfile("corp", "vpn.example.com", "alice", "hunter2", false)))

	doc := readDocument(t, path)
	require.Len(t, doc.Servers, 1)
	stored := doc.Servers[0]
	assert.Equal(t, AuthPassword, stored.AuthType)
	assert.NotEqual(t, "hunter2", stored.Password)
	assert.NotEmpty(t, stored.Password)
	assert.NotNil(t, stored.UpdatedAt)

	got, err := s.Get("corp")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got.Password)
	assert.Equal(t, "alice", got.Username)
}

func TestUpsert_ReplacesByName(t *testing.T) {
	s, path := openTestStore(t)

	require.NoError(t, s.Upsert(NewPasswordProfile("corp", "vpn.example.com", "alice", "one", false)))
	require.NoError(t, s.Upsert(NewPasswordProfile("corp", "vpn2.example.com", "alice", "two", true)))

	doc := readDocument(t, path)
	require.Len(t, doc.Servers, 1)

	got, err := s.Get("corp")
	require.NoError(t, err)
	assert.Equal(t, "vpn2.example.com", got.Server)
	assert.Equal(t, "two", got.Password)
	assert.True(t, got.AllowInsecure)
}

func TestUpsert_Validation(t *testing.T) {
	s, _ := openTestStore(t)

	tests := []struct {
		name    string
		profile *ServerProfile
	}{
		{"missing name", NewPasswordProfile("", "vpn.example.com", "a", "b", false)},
		{"missing server", NewPasswordProfile("corp", "", "a", "b", false)},
		{"oidc without issuer", NewOIDCProfile("sso", "vpn.example.com", "", "client", "", false)},
		{"oidc without client", NewOIDCProfile("sso", "vpn.example.com", "https://id.example.com", "", "", false)},
		{"unknown type", &ServerProfile{AuthType: "kerberos", Name: "k", Server: "vpn.example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Upsert(tt.profile)
			assert.ErrorIs(t, err, common.ErrConfig)
		})
	}
}

func TestLoad_DuplicateNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.json")
	content := `{"default":null,"servers":[
		{"authType":"password","name":"corp","server":"a.example.com","allowInsecure":false},
		{"authType":"oidc","name":"corp","server":"b.example.com","issuer":"https://id","clientId":"x","allowInsecure":false}
	]}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cipher, err := keyring.NewCipher([]byte("test-machine"))
	require.NoError(t, err)

	_, err = Open(path, cipher)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrDuplicateName))
	assert.True(t, errors.Is(err, common.ErrStore))
}

func TestRemove_DefaultIsRejected(t *testing.T) {
	s, path := openTestStore(t)
	require.NoError(t, s.Upsert(NewPasswordProfile("corp", "vpn.example.com", "alice", "pw", false)))
	require.NoError(t, s.SetDefault("corp"))

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	err = s.Remove("corp")
	assert.ErrorIs(t, err, common.ErrInvalidOperation)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestRemove(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Upsert(NewPasswordProfile("corp", "vpn.example.com", "alice", "pw", false)))
	require.NoError(t, s.Upsert(NewPasswordProfile("lab", "lab.example.com", "bob", "pw", false)))

	require.NoError(t, s.Remove("lab"))
	_, err := s.Get("lab")
	assert.ErrorIs(t, err, common.ErrProfileNotFound)

	assert.ErrorIs(t, s.Remove("ghost"), common.ErrProfileNotFound)

	err = s.Remove("")
	assert.ErrorIs(t, err, common.ErrProfileNotFound)
	assert.NotErrorIs(t, err, common.ErrInvalidOperation)
}

func TestSetDefault(t *testing.T) {
	s, path := openTestStore(t)

	assert.ErrorIs(t, s.SetDefault("corp"), common.ErrProfileNotFound)

	require.NoError(t, s.Upsert(NewOIDCProfile("sso", "vpn.example.com", "https://id.example.com", "ocvpn", "", false)))
	require.NoError(t, s.SetDefault("sso"))

	doc := readDocument(t, path)
	require.NotNil(t, doc.Default)
	assert.Equal(t, "sso", *doc.Default)

	p, err := s.Default()
	require.NoError(t, err)
	assert.Equal(t, AuthOIDC, p.AuthType)
}

func TestStore_RereadsExternalChanges(t *testing.T) {
	s1, path := openTestStore(t)
	cipher, err := keyring.NewCipher([]byte("test-machine"))
	require.NoError(t, err)
	s2, err := Open(path, cipher)
	require.NoError(t, err)

	require.NoError(t, s1.Upsert(NewPasswordProfile("corp", "vpn.example.com", "alice", "pw", false)))
	require.NoError(t, s2.Upsert(NewPasswordProfile("lab", "lab.example.com", "bob", "pw", false)))

	list, err := s1.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "corp", list[0].Name)
	assert.Equal(t, "lab", list[1].Name)
	assert.Empty(t, list[0].Password)
}

func TestGet_WrongKeyIsCipherError(t *testing.T) {
	s, path := openTestStore(t)
	require.NoError(t, s.Upsert(NewPasswordProfile("corp", "vpn.example.com", "alice", "pw", false)))

	other, err := keyring.NewCipher([]byte("other-machine"))
	require.NoError(t, err)
	s2, err := Open(path, other)
	require.NoError(t, err)

	_, err = s2.Get("corp")
	assert.ErrorIs(t, err, common.ErrCipher)
}

func TestExportImport(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Upsert(NewOIDCProfile("sso", "vpn.example.com", "https://id.example.com", "ocvpn", "shh", true)))

	blob, err := s.Export("sso")
	require.NoError(t, err)

	imported, err := ImportProfile(blob)
	require.NoError(t, err)
	assert.Equal(t, "sso", imported.Name)
	assert.Equal(t, "https://id.example.com", imported.Issuer)
	assert.Empty(t, imported.ClientSecret)
	assert.Nil(t, imported.UpdatedAt)
	assert.True(t, imported.AllowInsecure)

	other, _ := openTestStore(t)
	_, err = other.Import(blob)
	require.NoError(t, err)
	got, err := other.Get("sso")
	require.NoError(t, err)
	assert.Equal(t, "ocvpn", got.ClientID)

	_, err = ImportProfile("!!not base64!!")
	assert.ErrorIs(t, err, common.ErrConfig)
}
