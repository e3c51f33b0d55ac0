package protocol

import (
	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
)

// Credential is the authenticated identity attached to a session after a
// successful bearer/shared-key check (spec.md §4.6 "Authentication").
type Credential struct {
	Key         string `validate:"required"`
	Permissions Permissions
}

// Permissions is the per-credential capability set (spec.md §4.6
// "Authorization").
type Permissions struct {
	CanExecute          bool
	CanReadLogs         bool
	CanReadTraces       bool
	CanAccessSystemInfo bool
	AllowedTaskPatterns []string
	DeniedTaskPatterns  []string
}

// AllowsTask reports whether the credential may act on the named task,
// applying glob-style pattern matching with deny overriding allow.
func (p Permissions) AllowsTask(name string) bool {
	for _, pat := range p.DeniedTaskPatterns {
		if ok, _ := doublestar.Match(pat, name); ok {
			return false
		}
	}
	if len(p.AllowedTaskPatterns) == 0 {
		return true
	}
	for _, pat := range p.AllowedTaskPatterns {
		if ok, _ := doublestar.Match(pat, name); ok {
			return true
		}
	}
	return false
}

// Authenticator validates a bearer token or shared key against the
// configured credential set.
type Authenticator struct {
	method      string // none | bearer | shared_key
	credentials map[string]Credential
	validate    *validator.Validate
}

func NewAuthenticator(method string, creds []Credential) *Authenticator {
	m := make(map[string]Credential, len(creds))
	for _, c := range creds {
		m[c.Key] = c
	}
	return &Authenticator{method: method, credentials: m, validate: validator.New()}
}

// Check validates key and returns the matched Credential. An empty method
// ("none") always succeeds with an all-permissive Credential.
func (a *Authenticator) Check(key string) (Credential, bool) {
	if a.method == "" || a.method == "none" {
		return Credential{Key: key, Permissions: Permissions{CanExecute: true, CanReadLogs: true, CanReadTraces: true, CanAccessSystemInfo: true}}, true
	}
	c, ok := a.credentials[key]
	if !ok {
		return Credential{}, false
	}
	if err := a.validate.Struct(c); err != nil {
		return Credential{}, false
	}
	return c, true
}
