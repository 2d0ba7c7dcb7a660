// Package identity turns verified assertions into user records and decides
// which email domains may sign in.
package identity

import (
	"fmt"
	"strings"

	"github.com/supportchat/authgate/internal/saml"
)

// UserIdentity is the normalized user record embedded in sessions and
// returned by the session endpoint.
type UserIdentity struct {
	ID           string   `json:"id"`
	Email        string   `json:"email"`
	DisplayName  string   `json:"displayName"`
	Organization string   `json:"organization,omitempty"`
	Groups       []string `json:"groups,omitempty"`
	Domain       string   `json:"domain"`
}

// Error codes surfaced by this package. Stable; used in logs and audit
// records.
const (
	CodeMissingIdentity  = "MissingIdentity"
	CodeDomainNotAllowed = "DomainNotAllowed"
)

// Error is a rejection during identity extraction or policy evaluation.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Reason returns the stable code.
func (e *Error) Reason() string { return e.Code }

// Attribute names checked, in order, for each identity field. IdPs differ
// wildly here; the lists cover the usual suspects (OID names, WS-Fed claim
// URIs, plain names).
var (
	emailAttributes = []string{
		"email",
		"mail",
		"emailAddress",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress",
		"urn:oid:0.9.2342.19200300.100.1.3",
	}
	nameAttributes = []string{
		"displayName",
		"name",
		"cn",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name",
		"urn:oid:2.16.840.1.113730.3.1.241",
	}
	givenNameAttributes = []string{
		"givenName",
		"firstName",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/givenname",
	}
	surnameAttributes = []string{
		"sn",
		"surname",
		"lastName",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/surname",
	}
	groupAttributes = []string{
		"groups",
		"memberOf",
		"http://schemas.xmlsoap.org/claims/Group",
	}
)

// Extract builds a UserIdentity from a verified assertion. The only hard
// requirement is an email: from a well-known attribute first, else an
// email-shaped NameID. Everything else degrades to sensible fallbacks.
func Extract(assertion *saml.IdentityAssertion) (*UserIdentity, error) {
	email := firstAttribute(assertion.Attributes, emailAttributes)
	if email == "" && looksLikeEmail(assertion.Subject) {
		email = assertion.Subject
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !looksLikeEmail(email) {
		return nil, &Error{
			Code:    CodeMissingIdentity,
			Message: "assertion carries no usable email address",
		}
	}

	local, domain, _ := strings.Cut(email, "@")
	domain = strings.ToLower(domain)

	name := firstAttribute(assertion.Attributes, nameAttributes)
	if name == "" {
		given := firstAttribute(assertion.Attributes, givenNameAttributes)
		sur := firstAttribute(assertion.Attributes, surnameAttributes)
		name = strings.TrimSpace(given + " " + sur)
	}
	if name == "" {
		name = local
	}

	id := assertion.Subject
	if id == "" {
		id = email
	}

	return &UserIdentity{
		ID:           id,
		Email:        email,
		DisplayName:  name,
		Organization: organizationFromDomain(domain),
		Groups:       collectGroups(assertion.Attributes),
		Domain:       domain,
	}, nil
}

func firstAttribute(attrs map[string][]string, names []string) string {
	for _, name := range names {
		for _, v := range attrs[name] {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func collectGroups(attrs map[string][]string) []string {
	seen := make(map[string]struct{})
	var groups []string
	for _, name := range groupAttributes {
		for _, v := range attrs[name] {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			groups = append(groups, v)
		}
	}
	return groups
}

func looksLikeEmail(s string) bool {
	at := strings.Index(s, "@")
	return at > 0 && at < len(s)-1 && !strings.Contains(s[at+1:], "@") && strings.Contains(s[at+1:], ".")
}

// organizationFromDomain derives a display organization from the
// registrable label of the email domain: corp.example.com -> Example.
func organizationFromDomain(domain string) string {
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return ""
	}
	org := labels[len(labels)-2]
	if org == "" {
		return ""
	}
	return strings.ToUpper(org[:1]) + org[1:]
}
