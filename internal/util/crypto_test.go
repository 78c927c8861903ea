package util

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	first, err := GenerateToken()
	require.NoError(t, err)
	assert.Len(t, first, 64)

	second, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestHashTokenIsDeterministic(t *testing.T) {
	assert.Equal(t, HashToken("secret"), HashToken("secret"))
	assert.NotEqual(t, HashToken("secret"), HashToken("other"))
	assert.Len(t, HashToken("secret"), 64)
}

func TestGenerateSelfSignedCert(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	require.NoError(t, GenerateSelfSignedCert(certFile, keyFile))
	assert.True(t, FileExists(certFile))
	assert.True(t, FileExists(keyFile))
}
