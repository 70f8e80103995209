package githubapp

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func generateTestKeyPEM(t *testing.T) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func TestNewParsesPKCS1Key(t *testing.T) {
	src, err := New(123, 456, generateTestKeyPEM(t))
	require.NoError(t, err)
	require.NotNil(t, src.privateKey)
}

func TestNewRejectsGarbageKey(t *testing.T) {
	_, err := New(123, 456, []byte("not a pem file"))
	require.Error(t, err)
}

func TestMintAppJWTIsVerifiableAndShortLived(t *testing.T) {
	src, err := New(123, 456, generateTestKeyPEM(t))
	require.NoError(t, err)

	tokenString, err := src.mintAppJWT()
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return &src.privateKey.PublicKey, nil
	})
	require.NoError(t, err)

	require.Equal(t, "123", claims.Issuer)
	require.WithinDuration(t, time.Now().Add(jwtValidity), claims.ExpiresAt.Time, 5*time.Second)
}
