package saml

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"fmt"
)

// ============================================================================
// Enveloped XML signature generation
// ============================================================================

// Signer produces enveloped XML-DSig signatures with RSA-SHA256. It signs
// the exact bytes encoding/xml produced for the element, then splices the
// Signature element in after the Issuer, so a Verifier recovering the
// document by stripping the signature hashes the same bytes.
type Signer struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
}

// NewSigner builds a signer from a private key and its certificate. The
// certificate is embedded in KeyInfo so the receiver can pick the right
// trusted key during rollover.
func NewSigner(key *rsa.PrivateKey, cert *x509.Certificate) *Signer {
	return &Signer{key: key, cert: cert}
}

// SignResponse marshals resp and envelopes a signature over the whole
// Response element. resp.Signature is cleared first; the returned bytes
// are the complete signed document.
func (s *Signer) SignResponse(resp *Response) ([]byte, error) {
	resp.Signature = nil
	doc, err := xml.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return s.envelope(doc, resp.ID)
}

// SignResponseAssertion signs the single assertion inside resp instead of
// the response envelope, the layout produced by IdPs that sign assertions
// individually.
func (s *Signer) SignResponseAssertion(resp *Response) ([]byte, error) {
	if len(resp.Assertions) != 1 {
		return nil, fmt.Errorf("assertion-level signing requires exactly one assertion, have %d", len(resp.Assertions))
	}
	assertion := resp.Assertions[0]
	assertion.Signature = nil
	assertionDoc, err := xml.Marshal(assertion)
	if err != nil {
		return nil, fmt.Errorf("marshal assertion: %w", err)
	}
	signedAssertion, err := s.envelope(assertionDoc, assertion.ID)
	if err != nil {
		return nil, err
	}

	resp.Signature = nil
	resp.Assertions = nil
	envelopeDoc, err := xml.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal response envelope: %w", err)
	}
	resp.Assertions = []*Assertion{assertion}

	closeIdx := bytes.LastIndex(envelopeDoc, []byte("</Response>"))
	if closeIdx < 0 {
		return nil, fmt.Errorf("response envelope has no close tag")
	}
	var out bytes.Buffer
	out.Write(envelopeDoc[:closeIdx])
	out.Write(signedAssertion)
	out.Write(envelopeDoc[closeIdx:])
	return out.Bytes(), nil
}

// envelope computes the signature over doc and splices it in directly
// after the first Issuer element, the position the SAML schema requires.
func (s *Signer) envelope(doc []byte, referenceID string) ([]byte, error) {
	sig, err := s.signature(doc, referenceID)
	if err != nil {
		return nil, err
	}
	sigXML, err := xml.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("marshal signature: %w", err)
	}
	return spliceAfterIssuer(doc, sigXML)
}

// signature builds the Signature element for doc. The digest covers the
// canonical form of doc as given, without any Signature element present.
func (s *Signer) signature(doc []byte, referenceID string) (*Signature, error) {
	if s.key == nil {
		return nil, fmt.Errorf("signer has no private key")
	}

	digest := hashBytes(crypto.SHA256, canonicalize(doc))

	signedInfo := SignedInfo{
		CanonicalizationMethod: CanonicalizationMethod{Algorithm: algExcC14N},
		SignatureMethod:        SignatureMethod{Algorithm: algRSASHA256},
		Reference: Reference{
			URI: "#" + referenceID,
			Transforms: Transforms{
				Transforms: []Transform{
					{Algorithm: algEnvelopedSigXform},
					{Algorithm: algExcC14N},
				},
			},
			DigestMethod: DigestMethod{Algorithm: algSHA256},
			DigestValue:  base64.StdEncoding.EncodeToString(digest),
		},
	}

	signedInfoXML, err := xml.Marshal(signedInfo)
	if err != nil {
		return nil, fmt.Errorf("marshal SignedInfo: %w", err)
	}
	signedInfoHash := hashBytes(crypto.SHA256, canonicalize(signedInfoXML))

	sigValue, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, signedInfoHash)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	sig := &Signature{
		SignedInfo:     signedInfo,
		SignatureValue: base64.StdEncoding.EncodeToString(sigValue),
	}
	if s.cert != nil {
		sig.KeyInfo = &KeyInfo{
			X509Data: &X509Data{
				X509Certificate: base64.StdEncoding.EncodeToString(s.cert.Raw),
			},
		}
	}
	return sig, nil
}

// spliceAfterIssuer inserts sigXML directly after the first Issuer close
// tag. Nothing else is added, so removing the Signature element restores
// doc byte for byte.
func spliceAfterIssuer(doc, sigXML []byte) ([]byte, error) {
	idx := bytes.Index(doc, []byte("</Issuer>"))
	if idx < 0 {
		return nil, fmt.Errorf("document has no Issuer element")
	}
	idx += len("</Issuer>")

	var out bytes.Buffer
	out.Grow(len(doc) + len(sigXML))
	out.Write(doc[:idx])
	out.Write(sigXML)
	out.Write(doc[idx:])
	return out.Bytes(), nil
}
