// Package secret implements capability-gated secret handles for the
// `keychain:` resolver (spec §4.5 built-in resolver table). Taint labels
// are not handled here; they travel on value.Ctx.
//
// Adapted from the teacher's core/sdk/secret.Handle: a secret value is
// wrapped so it cannot be read back out (UnsafeUnwrap) without the
// interpreter-held Capability, and is addressed everywhere else by an
// opaque, deterministic DisplayID.
package secret

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Capability is an opaque token only the interpreter's resolver layer
// holds; decorators/pipeline stages never see it.
type Capability struct{ token uint64 }

// Handle wraps a secret value resolved by the keychain resolver.
type Handle struct {
	value     string
	scope     string // keychain scope, e.g. "ci"
	name      string // keychain name, e.g. "github-token"
	displayID string
}

// NewHandle derives a deterministic DisplayID from scope+name+value via
// blake2b, so the same secret reference always produces the same
// placeholder across runs (needed for reproducible plan/log output).
func NewHandle(scope, name, value string) *Handle {
	sum := blake2b.Sum256([]byte(scope + "\x00" + name + "\x00" + value))
	return &Handle{
		value:     value,
		scope:     scope,
		name:      name,
		displayID: fmt.Sprintf("keychain:%s/%s#%x", scope, name, sum[:6]),
	}
}

// DisplayID returns the opaque placeholder safe to log or show.
func (h *Handle) DisplayID() string { return h.displayID }

// Equal does a constant-time comparison of two handles' underlying values,
// so guard conditions can compare secrets without ever exposing them in a
// branch that's observable by timing.
func (h *Handle) Equal(other *Handle) bool {
	if other == nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(h.value), []byte(other.value)) == 1
}

// UnsafeUnwrap returns the underlying value when cap and issued are both
// non-nil and carry the same token, and an error otherwise.
func (h *Handle) UnsafeUnwrap(cap *Capability, issued *Capability) (string, error) {
	if cap == nil || issued == nil || cap.token != issued.token {
		return "", fmt.Errorf("secret %s: unwrap requires the interpreter capability", h.displayID)
	}
	return h.value, nil
}

// NewCapability returns a Capability carrying token.
func NewCapability(token uint64) *Capability {
	return &Capability{token: token}
}
