// Package auth implements the authentication layer: session tokens, the
// master key, password hashing and the HTTP middleware that resolves a
// request to a principal.
package auth

import (
	"github.com/platinummonkey/anvil/pkg/document"
)

// Principal identifies who is making a request. The zero value is never
// used; anonymous requests carry a nil *Principal.
type Principal struct {
	// UserID is the id of the backing users document. Empty for root.
	UserID string
	// Username is carried in the token so logs and scripts can name the
	// caller without a lookup.
	Username string
	// IsRoot marks the master-key holder. Root has no user record.
	IsRoot bool
	// User is the users document, loaded by the middleware for token
	// principals. Nil for root.
	User document.Document
}

// Root returns the master-key principal.
func Root() *Principal {
	return &Principal{IsRoot: true}
}

// IsRoot reports whether p is the root principal. Safe on nil.
func (p *Principal) Root() bool {
	return p != nil && p.IsRoot
}

// Authenticated reports whether any credential was presented. Safe on nil.
func (p *Principal) Authenticated() bool {
	return p != nil
}

// Me returns the user document exposed to event scripts as context.me, nil
// for root and anonymous callers.
func (p *Principal) Me() document.Document {
	if p == nil || p.IsRoot {
		return nil
	}
	return p.User
}
