package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the "type" claim. Access tokens authenticate
// requests; refresh tokens may only be presented to the refresh flow.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims are the gateway's JWT claims.
type Claims struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	Roles       []string `json:"roles,omitempty"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"type"`
	jwt.RegisteredClaims
}

// AllRoles merges the singular "role" claim into "roles". Token issuers in
// the fleet use either form.
func (c *Claims) AllRoles() []string {
	roles := append([]string(nil), c.Roles...)
	if c.Role != "" {
		for _, r := range roles {
			if r == c.Role {
				return roles
			}
		}
		roles = append(roles, c.Role)
	}
	return roles
}

// TokenManager issues and verifies HMAC-signed access and refresh tokens.
type TokenManager struct {
	secretKey  []byte
	method     jwt.SigningMethod
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenManager creates a token manager. algorithm must be an HMAC variant
// (HS256, HS384, HS512).
func NewTokenManager(secretKey, algorithm string, accessTTL, refreshTTL time.Duration) (*TokenManager, error) {
	method := jwt.GetSigningMethod(algorithm)
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unsupported signing algorithm: %s", algorithm)
	}
	return &TokenManager{
		secretKey:  []byte(secretKey),
		method:     method,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}, nil
}

// IssueAccess creates a new short-lived access token for the user.
func (m *TokenManager) IssueAccess(user *UserContext) (string, error) {
	return m.issue(user, TokenTypeAccess, m.accessTTL)
}

// IssueRefresh creates a new long-lived refresh token for the user.
func (m *TokenManager) IssueRefresh(user *UserContext) (string, error) {
	return m.issue(user, TokenTypeRefresh, m.refreshTTL)
}

func (m *TokenManager) issue(user *UserContext, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:      user.UserID,
		Username:    user.Username,
		Roles:       user.Roles,
		Permissions: user.Permissions,
		TokenType:   tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "redfire-gateway",
			Subject:   user.UserID,
		},
	}
	token := jwt.NewWithClaims(m.method, claims)
	return token.SignedString(m.secretKey)
}

// Verify validates the token's signature and expiry and checks that its
// "type" claim matches wantType. Returns a typed *Error on failure.
func (m *TokenManager) Verify(tokenString, wantType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.secretKey, nil
		},
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &Error{Code: CodeExpired, Message: "token has expired"}
		}
		return nil, &Error{Code: CodeInvalidSignature, Message: "token is invalid"}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, &Error{Code: CodeInvalidSignature, Message: "token claims are invalid"}
	}
	if claims.TokenType != wantType {
		return nil, &Error{
			Code:    CodeWrongTokenType,
			Message: fmt.Sprintf("expected %s token, got %s", wantType, claims.TokenType),
		}
	}
	return claims, nil
}

// Refresh verifies a refresh token and issues a fresh access/refresh pair.
// Refresh tokens stay valid until their own expiry; presenting one does not
// revoke it.
func (m *TokenManager) Refresh(refreshToken string) (access, refresh string, err error) {
	claims, err := m.Verify(refreshToken, TokenTypeRefresh)
	if err != nil {
		return "", "", err
	}
	user := userFromClaims(claims)
	if access, err = m.IssueAccess(user); err != nil {
		return "", "", err
	}
	if refresh, err = m.IssueRefresh(user); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func userFromClaims(claims *Claims) *UserContext {
	return &UserContext{
		UserID:      claims.UserID,
		Username:    claims.Username,
		Roles:       claims.AllRoles(),
		Permissions: claims.Permissions,
	}
}

// Authenticator enforces the public-path allowlist and validates bearer
// tokens on everything else.
type Authenticator struct {
	tokens *TokenManager
	public *PublicPaths
}

// NewAuthenticator creates an authenticator over the given token manager and
// public-path allowlist.
func NewAuthenticator(tokens *TokenManager, public *PublicPaths) *Authenticator {
	return &Authenticator{tokens: tokens, public: public}
}

// Tokens exposes the underlying token manager (used by the refresh endpoint
// and the WebSocket authenticate frame).
func (a *Authenticator) Tokens() *TokenManager { return a.tokens }

// Authenticate validates the request. Returns (nil, nil) for public paths,
// a UserContext on success, or a typed *Error.
func (a *Authenticator) Authenticate(r *http.Request) (*UserContext, error) {
	if a.public.Contains(r.URL.Path) {
		return nil, nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, &Error{Code: CodeMissingToken, Message: "authorization header missing"}
	}
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(header, bearerPrefix) {
		return nil, &Error{Code: CodeMalformedHeader, Message: "authorization header must be 'Bearer <token>'"}
	}

	claims, err := a.tokens.Verify(strings.TrimPrefix(header, bearerPrefix), TokenTypeAccess)
	if err != nil {
		return nil, err
	}
	return userFromClaims(claims), nil
}

// VerifyAccessToken validates a bare access token string (WebSocket
// authenticate frames carry the token in the payload, not a header).
func (a *Authenticator) VerifyAccessToken(token string) (*UserContext, error) {
	claims, err := a.tokens.Verify(token, TokenTypeAccess)
	if err != nil {
		return nil, err
	}
	return userFromClaims(claims), nil
}
