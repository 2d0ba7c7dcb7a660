// Package devidp is an embedded identity provider for development and
// tests. It issues real signed responses through the same wire format as
// a production IdP, so the whole verification pipeline is exercised even
// on a laptop with no external IdP.
package devidp

import (
	"crypto/x509"
	"fmt"

	"github.com/supportchat/authgate/internal/crypto"
	"github.com/supportchat/authgate/internal/saml"
)

// User is a canned subject the picker offers.
type User struct {
	ID          string
	Email       string
	DisplayName string
	Groups      []string
}

// DefaultUsers covers the common cases: two regular users on the allowed
// domain, one admin, and one outsider to demonstrate domain rejection.
func DefaultUsers() []User {
	return []User{
		{ID: "alice", Email: "alice@example.com", DisplayName: "Alice Martin", Groups: []string{"support"}},
		{ID: "bob", Email: "bob@example.com", DisplayName: "Bob Chen", Groups: []string{"support", "billing"}},
		{ID: "admin", Email: "admin@example.com", DisplayName: "Ada Admin", Groups: []string{"support", "admins"}},
		{ID: "mallory", Email: "mallory@elsewhere.test", DisplayName: "Mallory Outsider"},
	}
}

// Provider signs assertions with its own generated keypair.
type Provider struct {
	entityID string
	keys     *crypto.KeyPair
	signer   *saml.Signer
	users    []User
}

// NewProvider creates a provider with a fresh keypair. entityID is the
// issuer name that must be configured as the expected issuer on the SP
// side.
func NewProvider(entityID string, users []User) (*Provider, error) {
	keys, err := crypto.GenerateKeyPair(entityID)
	if err != nil {
		return nil, fmt.Errorf("generate IdP keypair: %w", err)
	}
	if len(users) == 0 {
		users = DefaultUsers()
	}
	return &Provider{
		entityID: entityID,
		keys:     keys,
		signer:   saml.NewSigner(keys.Key, keys.Cert),
		users:    users,
	}, nil
}

// EntityID returns the issuer name this provider signs as.
func (p *Provider) EntityID() string { return p.entityID }

// Certificate returns the signing certificate to register as trusted on
// the SP side.
func (p *Provider) Certificate() *x509.Certificate { return p.keys.Cert }

// Users returns the canned subjects.
func (p *Provider) Users() []User { return p.users }

// UserByID finds a canned subject.
func (p *Provider) UserByID(id string) (User, bool) {
	for _, u := range p.users {
		if u.ID == id {
			return u, true
		}
	}
	return User{}, false
}

// IssueResponse builds and signs a success response for user, answering
// inResponseTo and addressed to acsURL with the given audience. The
// returned bytes are the complete signed document ready for the POST
// binding.
func (p *Provider) IssueResponse(user User, audience, acsURL, inResponseTo string) ([]byte, error) {
	resp := saml.NewResponse(p.entityID, acsURL, inResponseTo, true)
	assertion := saml.NewAssertion(
		p.entityID, audience, acsURL, inResponseTo,
		user.Email, saml.NameIDFormatEmail,
		map[string][]string{
			"email":       {user.Email},
			"displayName": {user.DisplayName},
			"groups":      user.Groups,
		},
	)
	resp.Assertions = []*saml.Assertion{assertion}
	return p.signer.SignResponse(resp)
}

// IssueAssertionSignedResponse is IssueResponse with the signature on the
// assertion instead of the response envelope, matching IdPs that sign at
// that level.
func (p *Provider) IssueAssertionSignedResponse(user User, audience, acsURL, inResponseTo string) ([]byte, error) {
	resp := saml.NewResponse(p.entityID, acsURL, inResponseTo, true)
	assertion := saml.NewAssertion(
		p.entityID, audience, acsURL, inResponseTo,
		user.Email, saml.NameIDFormatEmail,
		map[string][]string{
			"email":       {user.Email},
			"displayName": {user.DisplayName},
			"groups":      user.Groups,
		},
	)
	resp.Assertions = []*saml.Assertion{assertion}
	return p.signer.SignResponseAssertion(resp)
}
