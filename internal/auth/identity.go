// Package auth resolves caller identities and the superuser allow-list.
package auth

import "strings"

// Identity is an opaque, comparable caller credential.
type Identity string

// Anonymous is the identity of an unauthenticated caller. It is rejected by
// every operation that requires an identity.
const Anonymous Identity = ""

// IsAnonymous returns true for the anonymous identity.
func (id Identity) IsAnonymous() bool {
	return strings.TrimSpace(string(id)) == ""
}

// String returns the identity, or "anonymous" for the anonymous identity.
func (id Identity) String() string {
	if id.IsAnonymous() {
		return "anonymous"
	}
	return string(id)
}
