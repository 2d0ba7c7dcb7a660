package saml

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"
)

// ============================================================================
// Enveloped XML signature verification (XML-DSig)
// Per W3C XML Signature Syntax and SAML 2.0 Core Section 5
// ============================================================================

// Signature and digest algorithm identifiers. SHA-1 is deliberately absent
// from both sets; responses signed with it are rejected.
var signatureHashes = map[string]crypto.Hash{
	"http://www.w3.org/2001/04/xmldsig-more#rsa-sha256": crypto.SHA256,
	"http://www.w3.org/2001/04/xmldsig-more#rsa-sha384": crypto.SHA384,
	"http://www.w3.org/2001/04/xmldsig-more#rsa-sha512": crypto.SHA512,
}

var digestHashes = map[string]crypto.Hash{
	"http://www.w3.org/2001/04/xmlenc#sha256": crypto.SHA256,
	"http://www.w3.org/2001/04/xmlenc#sha384": crypto.SHA384,
	"http://www.w3.org/2001/04/xmlenc#sha512": crypto.SHA512,
}

const (
	algRSASHA256        = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	algSHA256           = "http://www.w3.org/2001/04/xmlenc#sha256"
	algExcC14N          = "http://www.w3.org/2001/10/xml-exc-c14n#"
	algEnvelopedSigXform = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
)

// Verifier checks enveloped signatures on SAML responses against a fixed
// set of trusted issuer certificates. A Verifier is immutable after
// construction and safe for concurrent use.
type Verifier struct {
	trusted []*x509.Certificate
}

// NewVerifier builds a verifier trusting the given certificates. Supporting
// more than one certificate lets the IdP roll its signing key without an
// outage window.
func NewVerifier(certs ...*x509.Certificate) *Verifier {
	return &Verifier{trusted: certs}
}

// VerifyResponse checks that doc carries a valid enveloped signature over
// either the Response element or its Assertion. resp must be the parsed
// form of doc. An unsigned document is always rejected.
//
// For an assertion-level signature the returned Assertion is re-parsed
// from the exact byte range the signature covered. Callers must use it
// for every subsequent decision instead of the assertion the document
// parser bound: the two can differ when an attacker hides a genuinely
// signed assertion elsewhere in the document and presents a forged one
// under the same ID (signature wrapping). A nil Assertion with a nil
// error means the whole document was signed and the parsed form is
// trustworthy as-is.
func (v *Verifier) VerifyResponse(doc []byte, resp *Response) (*Assertion, error) {
	if len(v.trusted) == 0 {
		return nil, validationErrorf(ReasonInvalidSignature, "no trusted certificates configured")
	}

	if resp.Signature != nil {
		return nil, v.verifyEnveloped(doc, resp.Signature, resp.ID)
	}

	for _, a := range resp.Assertions {
		if a == nil || a.Signature == nil {
			continue
		}
		element, err := extractElementByID(doc, a.ID)
		if err != nil {
			return nil, validationErrorf(ReasonInvalidSignature, "signed assertion %s not found in document: %v", a.ID, err)
		}
		if err := v.verifyEnveloped(element, a.Signature, a.ID); err != nil {
			return nil, err
		}
		var verified Assertion
		if err := xml.Unmarshal(element, &verified); err != nil {
			return nil, validationErrorf(ReasonInvalidSignature, "verified element is not an assertion: %v", err)
		}
		return &verified, nil
	}

	// SAML 2.0 Profiles 4.1.4.3: at least one of Response or Assertion
	// must be signed.
	return nil, validationErrorf(ReasonInvalidSignature, "neither response nor assertion is signed")
}

// verifyEnveloped checks one enveloped signature: digest of the element
// with the Signature removed, then the RSA signature over SignedInfo.
func (v *Verifier) verifyEnveloped(element []byte, sig *Signature, elementID string) error {
	sigAlg := sig.SignedInfo.SignatureMethod.Algorithm
	sigHash, ok := signatureHashes[sigAlg]
	if !ok {
		return validationErrorf(ReasonInvalidSignature, "signature algorithm %q not allowed", sigAlg)
	}
	digestAlg := sig.SignedInfo.Reference.DigestMethod.Algorithm
	digestHash, ok := digestHashes[digestAlg]
	if !ok {
		return validationErrorf(ReasonInvalidSignature, "digest algorithm %q not allowed", digestAlg)
	}

	// The reference must point at the element the signature is enveloped
	// in. Anything else enables signature-wrapping tricks.
	if sig.SignedInfo.Reference.URI != "#"+elementID {
		return validationErrorf(ReasonInvalidSignature, "signature reference %q does not match element ID %q",
			sig.SignedInfo.Reference.URI, elementID)
	}

	content := canonicalize(removeSignatureElements(element))
	computed := hashBytes(digestHash, content)

	expected, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sig.SignedInfo.Reference.DigestValue))
	if err != nil {
		return validationErrorf(ReasonInvalidSignature, "digest value is not valid base64: %v", err)
	}
	if subtle.ConstantTimeCompare(computed, expected) != 1 {
		return validationErrorf(ReasonInvalidSignature, "digest mismatch for element %s", elementID)
	}

	signedInfoXML, err := xml.Marshal(sig.SignedInfo)
	if err != nil {
		return validationErrorf(ReasonInvalidSignature, "cannot marshal SignedInfo: %v", err)
	}
	signedInfoHash := hashBytes(sigHash, canonicalize(signedInfoXML))

	sigValue, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sig.SignatureValue))
	if err != nil {
		return validationErrorf(ReasonInvalidSignature, "signature value is not valid base64: %v", err)
	}

	candidates, err := v.candidateCerts(sig)
	if err != nil {
		return err
	}
	for _, cert := range candidates {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			continue
		}
		if rsa.VerifyPKCS1v15(pub, sigHash, signedInfoHash, sigValue) == nil {
			return nil
		}
	}
	return validationErrorf(ReasonInvalidSignature, "signature does not verify against any trusted certificate")
}

// candidateCerts picks the certificates to try. An embedded KeyInfo
// certificate is only a hint: it must byte-match a trusted certificate,
// otherwise anyone could embed their own key.
func (v *Verifier) candidateCerts(sig *Signature) ([]*x509.Certificate, error) {
	if sig.KeyInfo == nil || sig.KeyInfo.X509Data == nil {
		return v.trusted, nil
	}

	raw := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
			return -1
		}
		return r
	}, sig.KeyInfo.X509Data.X509Certificate)

	der, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, validationErrorf(ReasonInvalidSignature, "embedded certificate is not valid base64: %v", err)
	}
	for _, cert := range v.trusted {
		if bytes.Equal(cert.Raw, der) {
			return []*x509.Certificate{cert}, nil
		}
	}
	return nil, validationErrorf(ReasonInvalidSignature, "embedded certificate is not trusted")
}

func hashBytes(h crypto.Hash, data []byte) []byte {
	switch h {
	case crypto.SHA384:
		sum := sha512.Sum384(data)
		return sum[:]
	case crypto.SHA512:
		sum := sha512.Sum512(data)
		return sum[:]
	default:
		sum := sha256.Sum256(data)
		return sum[:]
	}
}

// ============================================================================
// Canonicalization helpers shared by signing and verification
// ============================================================================

var (
	xmlDeclRe     = regexp.MustCompile(`<\?xml[^?]*\?>`)
	signatureElRe = regexp.MustCompile(`<(?:ds:)?Signature[ >][\s\S]*?</(?:ds:)?Signature>`)
	idAttrRe      = func(id string) *regexp.Regexp {
		return regexp.MustCompile(`<[^>]*\bID="` + regexp.QuoteMeta(id) + `"[^>]*>`)
	}
)

// canonicalize applies the reduced canonical form both the signer and
// verifier hash: no XML declaration, LF line endings, trimmed ends. Both
// sides produce the element via encoding/xml so this is sufficient for
// byte-stable agreement.
func canonicalize(xmlData []byte) []byte {
	out := xmlDeclRe.ReplaceAll(xmlData, nil)
	out = bytes.ReplaceAll(out, []byte("\r\n"), []byte("\n"))
	out = bytes.ReplaceAll(out, []byte("\r"), []byte("\n"))
	return bytes.TrimSpace(out)
}

// removeSignatureElements strips every ds:Signature element, the enveloped
// signature transform.
func removeSignatureElements(xmlData []byte) []byte {
	return signatureElRe.ReplaceAll(xmlData, nil)
}

// extractElementByID returns the raw bytes of the element whose ID
// attribute equals id, spanning its matching close tag.
func extractElementByID(xmlData []byte, id string) ([]byte, error) {
	loc := idAttrRe(id).FindIndex(xmlData)
	if loc == nil {
		return nil, fmt.Errorf("no element with ID %q", id)
	}

	start := loc[0]
	name := tagName(xmlData[start:])
	if name == "" {
		return nil, fmt.Errorf("cannot determine tag name for element %q", id)
	}

	// Self-closing element carries no children and no signature.
	if bytes.HasSuffix(bytes.TrimSpace(xmlData[loc[0]:loc[1]]), []byte("/>")) {
		return xmlData[loc[0]:loc[1]], nil
	}

	openTag := []byte("<" + name)
	closeTag := []byte("</" + name + ">")
	depth := 1
	pos := loc[1]
	for pos < len(xmlData) {
		next := bytes.IndexByte(xmlData[pos:], '<')
		if next < 0 {
			break
		}
		pos += next
		rest := xmlData[pos:]
		switch {
		case bytes.HasPrefix(rest, closeTag):
			depth--
			if depth == 0 {
				return xmlData[start : pos+len(closeTag)], nil
			}
			pos += len(closeTag)
		case bytes.HasPrefix(rest, openTag) && len(rest) > len(openTag) &&
			(rest[len(openTag)] == ' ' || rest[len(openTag)] == '>' || rest[len(openTag)] == '/'):
			end := bytes.IndexByte(rest, '>')
			if end < 0 {
				return nil, fmt.Errorf("unterminated tag in element %q", id)
			}
			if rest[end-1] != '/' {
				depth++
			}
			pos += end + 1
		default:
			pos++
		}
	}
	return nil, fmt.Errorf("unmatched tags for element %q", id)
}

func tagName(tag []byte) string {
	if len(tag) < 2 || tag[0] != '<' {
		return ""
	}
	end := 1
	for end < len(tag) && tag[end] != ' ' && tag[end] != '>' && tag[end] != '/' {
		end++
	}
	return string(tag[1:end])
}
