// Package identity carries the pre-authenticated caller identity through
// request handling. Authentication itself is owned by the auth layer; this
// package only defines the identity shape and the principal resolution
// contract used by quota accounting and ticket issuance.
package identity

import "strings"

// AttrPreferredUsername and AttrSubject are the well-known identity
// attributes consulted when resolving a principal name.
const (
	AttrPreferredUsername = "preferred_username"
	AttrSubject           = "sub"
	AttrSubscription      = "subscription"
)

// Identity describes an authenticated caller: a principal name, a set of
// roles, and free-form string attributes supplied by the identity provider.
type Identity struct {
	Name       string
	Roles      []string
	Attributes map[string]string
}

// Attribute returns the named attribute, or "" when absent.
func (id *Identity) Attribute(key string) string {
	if id == nil || id.Attributes == nil {
		return ""
	}
	return id.Attributes[key]
}

// HasRole reports whether the identity carries the given role,
// compared case-insensitively.
func (id *Identity) HasRole(role string) bool {
	if id == nil {
		return false
	}
	for _, r := range id.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// Principal resolves the effective principal name. Precedence:
// preferred_username attribute, then the principal name, then the subject
// identifier. Returns "" when none resolve, which callers must treat as
// an unauthorized request.
func (id *Identity) Principal() string {
	if id == nil {
		return ""
	}
	if v := strings.TrimSpace(id.Attribute(AttrPreferredUsername)); v != "" {
		return v
	}
	if v := strings.TrimSpace(id.Name); v != "" {
		return v
	}
	if v := strings.TrimSpace(id.Attribute(AttrSubject)); v != "" {
		return v
	}
	return ""
}
