package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAPIKeyHashing(t *testing.T) {
	hash, err := hashAPIKey("my-key")
	require.NoError(t, err)
	require.NotEqual(t, "my-key", hash)
	require.True(t, compareAPIKey(hash, "my-key"))
	require.False(t, compareAPIKey(hash, "other-key"))
}

func TestAdminTokenLifecycle(t *testing.T) {
	secret := []byte("session-secret")
	token, err := createAdminToken(secret)
	require.NoError(t, err)

	claims, err := verifyAdminToken(token, secret)
	require.NoError(t, err)
	require.Equal(t, "admin", claims["sub"])

	_, err = verifyAdminToken(token, []byte("wrong-secret"))
	require.Error(t, err)

	_, err = verifyAdminToken("not-a-jwt", secret)
	require.Error(t, err)
}

func TestGenToken(t *testing.T) {
	a, err := genToken(16)
	require.NoError(t, err)
	require.Len(t, a, 32)

	b, err := genToken(16)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
