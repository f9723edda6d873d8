package fcmv1

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const (
	messagingScope  = "https://www.googleapis.com/auth/firebase.messaging"
	defaultTokenURI = "https://oauth2.googleapis.com/token"
	jwtBearerGrant  = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionTTL    = time.Hour
)

// ServiceAccount is the subset of a Google service account key file needed
// to mint access tokens.
type ServiceAccount struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

// LoadServiceAccount reads a key from path, or parses inline JSON when path is empty.
func LoadServiceAccount(path, inline string) (*ServiceAccount, error) {
	var raw []byte
	switch {
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read service account: %w", err)
		}
		raw = b
	case strings.TrimSpace(inline) != "":
		raw = []byte(inline)
	default:
		return nil, errors.New("no service account credentials configured")
	}
	return ParseServiceAccount(raw)
}

func ParseServiceAccount(raw []byte) (*ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(raw, &sa); err != nil {
		return nil, fmt.Errorf("failed to parse service account: %w", err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, errors.New("service account is missing client_email or private_key")
	}
	if sa.TokenURI == "" {
		sa.TokenURI = defaultTokenURI
	}
	return &sa, nil
}

// jwtTokenSource exchanges a self-signed RS256 assertion for an OAuth2
// access token. It is not safe for concurrent use on its own; wrap it with
// oauth2.ReuseTokenSource.
type jwtTokenSource struct {
	ctx        context.Context
	account    *ServiceAccount
	key        *rsa.PrivateKey
	httpClient *http.Client
	now        func() time.Time
}

// NewTokenSource returns a caching token source for the messaging scope.
func NewTokenSource(ctx context.Context, sa *ServiceAccount, httpClient *http.Client) (oauth2.TokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account key: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return oauth2.ReuseTokenSource(nil, &jwtTokenSource{
		ctx:        ctx,
		account:    sa,
		key:        key,
		httpClient: httpClient,
		now:        time.Now,
	}), nil
}

func (s *jwtTokenSource) assertion() (string, error) {
	now := s.now()
	claims := struct {
		Scope string `json:"scope"`
		jwt.RegisteredClaims
	}{
		Scope: messagingScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.account.ClientEmail,
			Subject:   s.account.ClientEmail,
			Audience:  jwt.ClaimStrings{s.account.TokenURI},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(assertionTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.account.PrivateKeyID != "" {
		token.Header["kid"] = s.account.PrivateKeyID
	}
	return token.SignedString(s.key)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (s *jwtTokenSource) Token() (*oauth2.Token, error) {
	assertion, err := s.assertion()
	if err != nil {
		return nil, fmt.Errorf("failed to sign assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {jwtBearerGrant},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.account.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("token endpoint returned no access_token")
	}

	tok := &oauth2.Token{AccessToken: tr.AccessToken, TokenType: tr.TokenType}
	if tr.ExpiresIn > 0 {
		tok.Expiry = s.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}
