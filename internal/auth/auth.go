// Package auth validates signed bearer tokens and produces the per-request
// user context consumed by the pipeline and the WebSocket hub.
package auth

import (
	"fmt"
	"strings"
)

// Auth failure codes, surfaced to clients as the machine-readable "code"
// field of a 401 response.
const (
	CodeMissingToken     = "missing_token"
	CodeMalformedHeader  = "malformed_header"
	CodeInvalidSignature = "invalid_signature"
	CodeExpired          = "expired"
	CodeWrongTokenType   = "wrong_token_type"
)

// Error is an authentication failure with a stable machine code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth: %s (%s)", e.Message, e.Code)
}

// UserContext is the identity bound to a request (or to a WebSocket
// connection for its lifetime). Built from validated token claims.
type UserContext struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// HasRole reports whether the user carries the given role.
func (u *UserContext) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission reports whether the user carries the given permission.
func (u *UserContext) HasPermission(perm string) bool {
	for _, p := range u.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// PublicPaths is the allowlist of paths that skip authentication:
// exact members plus prefix matches.
type PublicPaths struct {
	exact    map[string]struct{}
	prefixes []string
}

// NewPublicPaths builds an allowlist from exact paths and prefixes.
func NewPublicPaths(exact []string, prefixes []string) *PublicPaths {
	set := make(map[string]struct{}, len(exact))
	for _, p := range exact {
		set[p] = struct{}{}
	}
	return &PublicPaths{exact: set, prefixes: prefixes}
}

// Contains reports whether path is public.
func (p *PublicPaths) Contains(path string) bool {
	if _, ok := p.exact[path]; ok {
		return true
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
