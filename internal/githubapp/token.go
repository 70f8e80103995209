// Package githubapp mints short-lived GitHub App JWTs and exchanges them
// for installation access tokens, so automerge can authenticate as a
// GitHub App installation instead of a long-lived personal access token.
// The exchanged token is wrapped in an oauth2.TokenSource, cached until
// shortly before it expires, so it composes directly with
// githubclt.New.
package githubapp

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/silverleaf-dev/automerge/internal/logfields"
)

// jwtValidity is kept short per GitHub's App authentication requirements:
// the JWT must expire within 10 minutes of issuance.
const jwtValidity = 9 * time.Minute

// refreshSkew renews the cached installation token this long before its
// real expiry, so a request started just before expiry does not race a
// now-invalid token.
const refreshSkew = 2 * time.Minute

// TokenSource mints and caches a GitHub App installation access token,
// satisfying oauth2.TokenSource.
type TokenSource struct {
	logger         *zap.Logger
	appID          int64
	installationID int64
	privateKey     *rsa.PrivateKey
	clt            *github.Client

	mu     sync.Mutex
	cached *oauth2.Token
}

// New parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8) and returns a
// TokenSource that mints installation tokens for installationID on behalf
// of the App identified by appID.
func New(appID, installationID int64, privateKeyPEM []byte) (*TokenSource, error) {
	key, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing github app private key failed: %w", err)
	}

	return &TokenSource{
		logger:         zap.L().Named("github_app_token_source"),
		appID:          appID,
		installationID: installationID,
		privateKey:     key,
		clt:            github.NewClient(nil),
	}, nil
}

func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS#8 key failed: %w", err)
	}

	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not an RSA key")
	}

	return rsaKey, nil
}

// Token implements oauth2.TokenSource. It returns the cached installation
// token if it is still valid beyond refreshSkew, otherwise it mints a new
// App JWT and exchanges it for a fresh installation token.
func (s *TokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && time.Until(s.cached.Expiry) > refreshSkew {
		return s.cached, nil
	}

	appJWT, err := s.mintAppJWT()
	if err != nil {
		return nil, fmt.Errorf("minting github app jwt failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bearerClt := github.NewClient(oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: appJWT, TokenType: "Bearer"})))

	instToken, _, err := bearerClt.Apps.CreateInstallationToken(ctx, s.installationID, nil)
	if err != nil {
		return nil, fmt.Errorf("exchanging github app jwt for an installation token failed: %w", err)
	}

	s.cached = &oauth2.Token{
		AccessToken: instToken.GetToken(),
		Expiry:      instToken.GetExpiresAt().Time,
	}

	s.logger.Debug(
		"minted github app installation token",
		logfields.Event("github_app_installation_token_minted"),
		zap.Int64("github_app_installation_id", s.installationID),
		zap.Time("expires_at", s.cached.Expiry),
	)

	return s.cached, nil
}

func (s *TokenSource) mintAppJWT() (string, error) {
	now := time.Now()

	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)), // guard against clock drift
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtValidity)),
		Issuer:    fmt.Sprint(s.appID),
	}

	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.privateKey)
}
