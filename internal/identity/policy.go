package identity

import "strings"

// DomainPolicy is the email-domain allow-list gate. A user passes when
// their domain equals an allowed entry or is a subdomain of one:
// eng.example.com is allowed by example.com, example.com.evil.com is not.
type DomainPolicy struct {
	allowed []string
}

// NewDomainPolicy builds a policy from the configured allow-list. Entries
// are normalized to lower case; empty entries are dropped.
func NewDomainPolicy(domains []string) *DomainPolicy {
	p := &DomainPolicy{}
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			p.allowed = append(p.allowed, d)
		}
	}
	return p
}

// IsAllowed reports whether domain passes the policy. An empty allow-list
// admits nobody; sign-in must be an explicit grant.
func (p *DomainPolicy) IsAllowed(domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return false
	}
	for _, allowed := range p.allowed {
		if domain == allowed || strings.HasSuffix(domain, "."+allowed) {
			return true
		}
	}
	return false
}

// Check wraps IsAllowed in the package error type for use in the login
// pipeline.
func (p *DomainPolicy) Check(domain string) error {
	if !p.IsAllowed(domain) {
		return &Error{
			Code:    CodeDomainNotAllowed,
			Message: "email domain " + domain + " is not on the allow-list",
		}
	}
	return nil
}
