package auth

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	return a
}

func TestSetAndCheckPassword(t *testing.T) {
	a := openTestAdapter(t)
	require.NoError(t, a.SetPassword(1, "alice.example.net", "correct horse battery staple"))

	assert.NoError(t, a.CheckPassword(1, "alice.example.net", "correct horse battery staple"))
	assert.Error(t, a.CheckPassword(1, "alice.example.net", "wrong"))
}

func TestCheckPasswordNonexistentUserStillFails(t *testing.T) {
	a := openTestAdapter(t)
	err := a.CheckPassword(1, "nobody.example.net", "anything")
	assert.Error(t, err)
}

func TestIssueAndVerifyToken(t *testing.T) {
	a := openTestAdapter(t)
	tok, err := a.IssueToken(1, "alice.example.net", TokenAccess, time.Hour)
	require.NoError(t, err)

	claims, err := a.VerifyToken(1, tok, TokenAccess)
	require.NoError(t, err)
	assert.Equal(t, "alice.example.net", claims.IdTag)
}

func TestVerifyTokenRejectsWrongKind(t *testing.T) {
	a := openTestAdapter(t)
	tok, err := a.IssueToken(1, "alice.example.net", TokenAccess, time.Hour)
	require.NoError(t, err)

	_, err = a.VerifyToken(1, tok, TokenAction)
	assert.Error(t, err)
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	a := openTestAdapter(t)
	tok, err := a.IssueToken(1, "alice.example.net", TokenAccess, -time.Minute)
	require.NoError(t, err)

	_, err = a.VerifyToken(1, tok, TokenAccess)
	assert.Error(t, err)
}

func TestJWTSecretPersistsAcrossCalls(t *testing.T) {
	a := openTestAdapter(t)
	s1, err := a.tenantSecret(1)
	require.NoError(t, err)
	s2, err := a.tenantSecret(1)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}

func TestAPIKeyIssueAndVerify(t *testing.T) {
	a := openTestAdapter(t)
	secret, err := a.IssueAPIKey(1, "alice.example.net", []string{"read"})
	require.NoError(t, err)

	rec, err := a.VerifyAPIKey(1, secret)
	require.NoError(t, err)
	assert.Equal(t, "alice.example.net", rec.IdTag)

	_, err = a.VerifyAPIKey(1, "garbage-key-not-real")
	assert.Error(t, err)
}

func TestCurrentProfileKeyGeneratesOnce(t *testing.T) {
	a := openTestAdapter(t)
	kp1, err := a.CurrentProfileKey(1)
	require.NoError(t, err)
	kp2, err := a.CurrentProfileKey(1)
	require.NoError(t, err)
	assert.Equal(t, kp1.KeyID, kp2.KeyID)
}
