package cookies

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/sparkbridge/pkg/browser"
	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
)

func TestLoadFiltersRejectedCookies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"name":"sid","value":"a","domain":".unimelb.edu.au","path":"/","expiry":1893456000.75,"secure":true,"sameSite":"None"},
		{"name":"nodomain","value":"b","path":"/"},
		{"name":"insecure","value":"c","domain":"spark.unimelb.edu.au","sameSite":"None","secure":false},
		{"name":"lax","value":"d","domain":"spark.unimelb.edu.au","sameSite":"Lax"}
	]`), 0o600))

	got, err := Load(path)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "sid", got[0].Name)
	require.NotNil(t, got[0].Expiry)
	assert.Equal(t, int64(1893456000), *got[0].Expiry)
	assert.Equal(t, "lax", got[1].Name)
	assert.Nil(t, got[1].Expiry)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCookieRead))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not":"an array"}`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCookieRead))
}

func TestSaveRoundTripAndPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "cookies.json")
	exp := int64(1893456000)
	in := []browser.Cookie{
		{Name: "sid", Value: "a", Domain: ".unimelb.edu.au", Path: "/", Expiry: &exp, Secure: true, HTTPOnly: true, SameSite: "Lax"},
	}
	require.NoError(t, Save(path, in))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	out, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files should not be left behind")
}

func TestSaveNilWritesEmptyArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	require.NoError(t, Save(path, nil))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}
