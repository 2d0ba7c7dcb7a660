package saml

import (
	"encoding/xml"
	"time"
)

// IdentityAssertion is the decoded, verified view of an inbound assertion
// handed to the rest of the login pipeline. Raw keeps the original document
// for downstream consumers that re-present the assertion (credential
// federation).
type IdentityAssertion struct {
	ID           string
	InResponseTo string
	Issuer       string
	Subject      string
	SubjectFormat string
	SessionIndex string
	Audiences    []string
	Attributes   map[string][]string
	IssuedAt     time.Time
	NotBefore    time.Time
	NotOnOrAfter time.Time
	Raw          []byte
}

// Codec verifies inbound response documents and decodes them into
// IdentityAssertions. A Codec is pure: it inspects only its configuration
// and the input, so one instance serves all requests concurrently.
type Codec struct {
	audience  string
	issuer    string
	verifier  *Verifier
	clockSkew time.Duration

	// now is replaceable for tests.
	now func() time.Time
}

// NewCodec builds a codec expecting assertions for audience, issued by
// issuer, signed by one of the verifier's trusted certificates. clockSkew
// widens the validity window on both ends to absorb IdP clock drift.
func NewCodec(audience, issuer string, verifier *Verifier, clockSkew time.Duration) *Codec {
	return &Codec{
		audience:  audience,
		issuer:    issuer,
		verifier:  verifier,
		clockSkew: clockSkew,
		now:       time.Now,
	}
}

// Verify runs the full acceptance pipeline over a raw response document.
// Order matters: the signature is checked before any statement inside the
// document is believed, including the issuer name used for the trust
// decision itself (the certificate set, not the issuer string, anchors
// trust). Every rejection carries a stable ReasonCode.
func (c *Codec) Verify(raw []byte) (*IdentityAssertion, error) {
	var resp Response
	if err := xml.Unmarshal(raw, &resp); err != nil {
		return nil, validationErrorf(ReasonMalformedAssertion, "response is not well-formed XML: %v", err)
	}

	if resp.Version != "2.0" {
		return nil, validationErrorf(ReasonMalformedAssertion, "unsupported SAML version %q", resp.Version)
	}
	if resp.Status == nil {
		return nil, validationErrorf(ReasonMalformedAssertion, "response has no Status element")
	}
	if resp.Status.StatusCode.Value != StatusSuccess {
		return nil, validationErrorf(ReasonMalformedAssertion, "response status %q is not success", resp.Status.StatusCode.Value)
	}
	if len(resp.Assertions) != 1 {
		return nil, validationErrorf(ReasonMalformedAssertion, "expected exactly one assertion, got %d", len(resp.Assertions))
	}
	// From here on only signature-covered bytes are believed. For an
	// assertion-level signature the verifier re-parses the exact element
	// it verified and that re-parse replaces the parser's binding; the
	// two can disagree when a signed assertion is wrapped elsewhere in
	// the document under a duplicated ID.
	assertion := resp.Assertions[0]
	verified, err := c.verifier.VerifyResponse(raw, &resp)
	if err != nil {
		return nil, err
	}
	if verified != nil {
		assertion = verified
	}
	if assertion.Version != "" && assertion.Version != "2.0" {
		return nil, validationErrorf(ReasonMalformedAssertion, "unsupported assertion version %q", assertion.Version)
	}

	if err := c.checkIssuer(&resp, assertion); err != nil {
		return nil, err
	}

	audiences, err := c.checkAudience(assertion)
	if err != nil {
		return nil, err
	}

	issuedAt, notBefore, notOnOrAfter, err := c.checkValidityWindow(assertion)
	if err != nil {
		return nil, err
	}

	if assertion.Subject == nil || assertion.Subject.NameID == nil || assertion.Subject.NameID.Value == "" {
		return nil, validationErrorf(ReasonMalformedAssertion, "assertion has no subject NameID")
	}

	// The response envelope is outside the signature when only the
	// assertion is signed, so the signed confirmation data is the
	// authoritative correlation id and the envelope must agree with it.
	inResponseTo := resp.InResponseTo
	if sc := assertion.Subject.SubjectConfirmation; sc != nil && sc.SubjectConfirmationData != nil {
		if data := sc.SubjectConfirmationData; data.InResponseTo != "" {
			if inResponseTo != "" && inResponseTo != data.InResponseTo {
				return nil, validationErrorf(ReasonMalformedAssertion, "response InResponseTo %q disagrees with subject confirmation %q", inResponseTo, data.InResponseTo)
			}
			inResponseTo = data.InResponseTo
		}
	}

	out := &IdentityAssertion{
		ID:            assertion.ID,
		InResponseTo:  inResponseTo,
		Issuer:        assertion.Issuer.Value,
		Subject:       assertion.Subject.NameID.Value,
		SubjectFormat: assertion.Subject.NameID.Format,
		Audiences:     audiences,
		Attributes:    collectAttributes(assertion),
		IssuedAt:      issuedAt,
		NotBefore:     notBefore,
		NotOnOrAfter:  notOnOrAfter,
		Raw:           raw,
	}
	if assertion.AuthnStatement != nil {
		out.SessionIndex = assertion.AuthnStatement.SessionIndex
	}
	return out, nil
}

func (c *Codec) checkIssuer(resp *Response, assertion *Assertion) error {
	if assertion.Issuer == nil || assertion.Issuer.Value == "" {
		return validationErrorf(ReasonMalformedAssertion, "assertion has no issuer")
	}
	if assertion.Issuer.Value != c.issuer {
		return validationErrorf(ReasonUntrustedIssuer, "assertion issuer %q is not the configured provider", assertion.Issuer.Value)
	}
	// A response-level issuer, when present, must agree.
	if resp.Issuer != nil && resp.Issuer.Value != "" && resp.Issuer.Value != c.issuer {
		return validationErrorf(ReasonUntrustedIssuer, "response issuer %q is not the configured provider", resp.Issuer.Value)
	}
	return nil
}

func (c *Codec) checkAudience(assertion *Assertion) ([]string, error) {
	if assertion.Conditions == nil || assertion.Conditions.AudienceRestriction == nil {
		return nil, validationErrorf(ReasonMalformedAssertion, "assertion has no audience restriction")
	}
	audiences := assertion.Conditions.AudienceRestriction.Audience
	for _, a := range audiences {
		if a == c.audience {
			return audiences, nil
		}
	}
	return nil, validationErrorf(ReasonAudienceMismatch, "assertion audiences %v do not include %q", audiences, c.audience)
}

// checkValidityWindow enforces Conditions and the bearer confirmation
// window, each widened by the configured clock skew.
func (c *Codec) checkValidityWindow(assertion *Assertion) (issuedAt, notBefore, notOnOrAfter time.Time, err error) {
	now := c.now()

	issuedAt, err = ParseTime(assertion.IssueInstant)
	if err != nil {
		return issuedAt, notBefore, notOnOrAfter, validationErrorf(ReasonMalformedAssertion, "bad IssueInstant %q: %v", assertion.IssueInstant, err)
	}

	cond := assertion.Conditions
	if cond.NotBefore != "" {
		notBefore, err = ParseTime(cond.NotBefore)
		if err != nil {
			return issuedAt, notBefore, notOnOrAfter, validationErrorf(ReasonMalformedAssertion, "bad NotBefore %q: %v", cond.NotBefore, err)
		}
		if now.Add(c.clockSkew).Before(notBefore) {
			return issuedAt, notBefore, notOnOrAfter, validationErrorf(ReasonAssertionNotYetValid, "assertion not valid before %s", cond.NotBefore)
		}
	}
	if cond.NotOnOrAfter == "" {
		return issuedAt, notBefore, notOnOrAfter, validationErrorf(ReasonMalformedAssertion, "assertion has no NotOnOrAfter")
	}
	notOnOrAfter, err = ParseTime(cond.NotOnOrAfter)
	if err != nil {
		return issuedAt, notBefore, notOnOrAfter, validationErrorf(ReasonMalformedAssertion, "bad NotOnOrAfter %q: %v", cond.NotOnOrAfter, err)
	}
	if !now.Before(notOnOrAfter.Add(c.clockSkew)) {
		return issuedAt, notBefore, notOnOrAfter, validationErrorf(ReasonAssertionExpired, "assertion expired at %s", cond.NotOnOrAfter)
	}

	if sc := assertion.Subject; sc != nil && sc.SubjectConfirmation != nil && sc.SubjectConfirmation.SubjectConfirmationData != nil {
		data := sc.SubjectConfirmation.SubjectConfirmationData
		if data.NotOnOrAfter != "" {
			limit, perr := ParseTime(data.NotOnOrAfter)
			if perr != nil {
				return issuedAt, notBefore, notOnOrAfter, validationErrorf(ReasonMalformedAssertion, "bad confirmation NotOnOrAfter %q: %v", data.NotOnOrAfter, perr)
			}
			if !now.Before(limit.Add(c.clockSkew)) {
				return issuedAt, notBefore, notOnOrAfter, validationErrorf(ReasonAssertionExpired, "subject confirmation expired at %s", data.NotOnOrAfter)
			}
		}
	}

	return issuedAt, notBefore, notOnOrAfter, nil
}

func collectAttributes(assertion *Assertion) map[string][]string {
	attrs := make(map[string][]string)
	if assertion.AttributeStatement == nil {
		return attrs
	}
	for _, attr := range assertion.AttributeStatement.Attributes {
		for _, v := range attr.AttributeValues {
			attrs[attr.Name] = append(attrs[attr.Name], v.Value)
		}
		if attr.FriendlyName != "" && attr.FriendlyName != attr.Name {
			for _, v := range attr.AttributeValues {
				attrs[attr.FriendlyName] = append(attrs[attr.FriendlyName], v.Value)
			}
		}
	}
	return attrs
}

// WithClock replaces the codec's time source. Test hook.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	c.now = now
	return c
}
