// Package credentials resolves opaque credential references into provider
// credential material at dispatch time. Resolved values are never persisted
// and must never appear in logs.
package credentials

import (
	"context"
	"fmt"
	"os"

	"github.com/elderhq/elder/pkg/models"
)

// Credential is resolved provider credential material.
type Credential struct {
	Token    string
	Username string
	Password string
}

// String redacts the credential so accidental logging leaks nothing.
func (c Credential) String() string {
	return "credential(redacted)"
}

// Resolver turns a job's opaque credential reference into usable material.
type Resolver interface {
	Resolve(ctx context.Context, ref models.CredentialRef) (Credential, error)
}

// EnvResolver resolves references against process environment variables.
// Reference types:
//   - builtin: no credential needed, returns the zero Credential
//   - static:  the ref itself is the token (local development only)
//   - secret, key: the ref names an environment variable holding the token
type EnvResolver struct{}

// NewEnvResolver creates an EnvResolver.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{}
}

func (r *EnvResolver) Resolve(ctx context.Context, ref models.CredentialRef) (Credential, error) {
	switch ref.Type {
	case "builtin", "":
		return Credential{}, nil
	case "static":
		return Credential{Token: ref.Ref}, nil
	case "secret", "key":
		v := os.Getenv(ref.Ref)
		if v == "" {
			return Credential{}, fmt.Errorf("credential reference %q resolves to an empty value", ref.Ref)
		}
		return Credential{Token: v}, nil
	default:
		return Credential{}, fmt.Errorf("unknown credential reference type %q", ref.Type)
	}
}

// Compile-time check that EnvResolver implements Resolver.
var _ Resolver = (*EnvResolver)(nil)
