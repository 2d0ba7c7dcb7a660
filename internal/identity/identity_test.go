package identity

import (
	"errors"
	"testing"

	"github.com/supportchat/authgate/internal/saml"
)

func assertionWith(subject string, attrs map[string][]string) *saml.IdentityAssertion {
	return &saml.IdentityAssertion{
		ID:         "_a1",
		Issuer:     "https://idp.test",
		Subject:    subject,
		Attributes: attrs,
	}
}

func TestExtractFromEmailAttribute(t *testing.T) {
	user, err := Extract(assertionWith("some-opaque-id", map[string][]string{
		"email":       {"Alice@Example.com"},
		"displayName": {"Alice Martin"},
		"groups":      {"support", "billing", "support"},
	}))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if user.Email != "alice@example.com" {
		t.Errorf("email = %q, want lowercased alice@example.com", user.Email)
	}
	if user.Domain != "example.com" {
		t.Errorf("domain = %q", user.Domain)
	}
	if user.DisplayName != "Alice Martin" {
		t.Errorf("displayName = %q", user.DisplayName)
	}
	if user.Organization != "Example" {
		t.Errorf("organization = %q", user.Organization)
	}
	if user.ID != "some-opaque-id" {
		t.Errorf("id = %q, want the NameID", user.ID)
	}
	if len(user.Groups) != 2 {
		t.Errorf("groups = %v, want deduplicated pair", user.Groups)
	}
}

func TestExtractFallsBackToNameID(t *testing.T) {
	user, err := Extract(assertionWith("bob@example.com", nil))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if user.Email != "bob@example.com" {
		t.Errorf("email = %q", user.Email)
	}
	// No name attributes: local part serves as display name.
	if user.DisplayName != "bob" {
		t.Errorf("displayName = %q, want bob", user.DisplayName)
	}
}

func TestExtractComposesGivenAndSurname(t *testing.T) {
	user, err := Extract(assertionWith("bob@example.com", map[string][]string{
		"givenName": {"Bob"},
		"sn":        {"Chen"},
	}))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if user.DisplayName != "Bob Chen" {
		t.Errorf("displayName = %q, want Bob Chen", user.DisplayName)
	}
}

func TestExtractWSFedClaims(t *testing.T) {
	user, err := Extract(assertionWith("opaque", map[string][]string{
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress": {"carol@example.com"},
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name":         {"Carol"},
	}))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if user.Email != "carol@example.com" || user.DisplayName != "Carol" {
		t.Errorf("got %q / %q", user.Email, user.DisplayName)
	}
}

func TestExtractRejectsMissingEmail(t *testing.T) {
	cases := []*saml.IdentityAssertion{
		assertionWith("opaque-no-email", nil),
		assertionWith("", map[string][]string{"displayName": {"Nobody"}}),
		assertionWith("not-an-email@", nil),
		assertionWith("@example.com", nil),
	}
	for _, a := range cases {
		_, err := Extract(a)
		if err == nil {
			t.Fatalf("subject %q accepted without an email", a.Subject)
		}
		var coded interface{ Reason() string }
		if !errors.As(err, &coded) || coded.Reason() != CodeMissingIdentity {
			t.Fatalf("subject %q: error %v, want %s", a.Subject, err, CodeMissingIdentity)
		}
	}
}

func TestDomainPolicy(t *testing.T) {
	policy := NewDomainPolicy([]string{"Example.com", " partner.org "})

	cases := []struct {
		domain string
		want   bool
	}{
		{"example.com", true},
		{"EXAMPLE.COM", true},
		{"eng.example.com", true},
		{"partner.org", true},
		{"example.com.evil.com", false},
		{"notexample.com", false},
		{"evil.com", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := policy.IsAllowed(tc.domain); got != tc.want {
			t.Errorf("IsAllowed(%q) = %v, want %v", tc.domain, got, tc.want)
		}
	}
}

func TestEmptyPolicyAdmitsNobody(t *testing.T) {
	policy := NewDomainPolicy(nil)
	if policy.IsAllowed("example.com") {
		t.Fatal("empty allow-list admitted a domain")
	}

	err := policy.Check("example.com")
	var coded interface{ Reason() string }
	if !errors.As(err, &coded) || coded.Reason() != CodeDomainNotAllowed {
		t.Fatalf("error %v, want %s", err, CodeDomainNotAllowed)
	}
}
