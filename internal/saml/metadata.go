package saml

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"time"
)

// ============================================================================
// Service provider metadata
// Per SAML 2.0 Metadata specification
// ============================================================================

// EntityDescriptor is the root of a metadata document.
type EntityDescriptor struct {
	XMLName         xml.Name         `xml:"urn:oasis:names:tc:SAML:2.0:metadata EntityDescriptor"`
	EntityID        string           `xml:"entityID,attr"`
	ID              string           `xml:"ID,attr,omitempty"`
	ValidUntil      string           `xml:"validUntil,attr,omitempty"`
	Signature       *Signature       `xml:"Signature,omitempty"`
	SPSSODescriptor *SPSSODescriptor `xml:"SPSSODescriptor,omitempty"`
}

// SPSSODescriptor describes the service-provider role.
type SPSSODescriptor struct {
	XMLName                    xml.Name                   `xml:"urn:oasis:names:tc:SAML:2.0:metadata SPSSODescriptor"`
	AuthnRequestsSigned        bool                       `xml:"AuthnRequestsSigned,attr"`
	WantAssertionsSigned       bool                       `xml:"WantAssertionsSigned,attr"`
	ProtocolSupportEnumeration string                     `xml:"protocolSupportEnumeration,attr"`
	KeyDescriptors             []KeyDescriptor            `xml:"KeyDescriptor"`
	NameIDFormats              []string                   `xml:"NameIDFormat"`
	AssertionConsumerServices  []AssertionConsumerService `xml:"AssertionConsumerService"`
}

type KeyDescriptor struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata KeyDescriptor"`
	Use     string   `xml:"use,attr,omitempty"`
	KeyInfo KeyInfo  `xml:"KeyInfo"`
}

type AssertionConsumerService struct {
	XMLName   xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata AssertionConsumerService"`
	Binding   string   `xml:"Binding,attr"`
	Location  string   `xml:"Location,attr"`
	Index     int      `xml:"index,attr"`
	IsDefault bool     `xml:"isDefault,attr,omitempty"`
}

// MetadataConfig carries everything needed to describe this SP.
type MetadataConfig struct {
	EntityID string
	ACSURL   string

	// Certificate is published as the SP signing key. Optional.
	Certificate *x509.Certificate

	// Validity of the document; IdPs refetch before it lapses.
	Validity time.Duration
}

// BuildMetadata assembles the SP entity descriptor. WantAssertionsSigned
// is always advertised: this service never accepts unsigned assertions.
func BuildMetadata(cfg MetadataConfig) *EntityDescriptor {
	validity := cfg.Validity
	if validity <= 0 {
		validity = 48 * time.Hour
	}

	desc := &EntityDescriptor{
		EntityID:   cfg.EntityID,
		ID:         GenerateID(),
		ValidUntil: FormatTime(time.Now().Add(validity)),
		SPSSODescriptor: &SPSSODescriptor{
			AuthnRequestsSigned:        false,
			WantAssertionsSigned:       true,
			ProtocolSupportEnumeration: NamespaceProtocol,
			NameIDFormats: []string{
				NameIDFormatEmail,
				NameIDFormatPersistent,
				NameIDFormatUnspecified,
			},
			AssertionConsumerServices: []AssertionConsumerService{
				{
					Binding:   BindingHTTPPost,
					Location:  cfg.ACSURL,
					Index:     0,
					IsDefault: true,
				},
			},
		},
	}

	if cfg.Certificate != nil {
		certB64 := base64.StdEncoding.EncodeToString(cfg.Certificate.Raw)
		desc.SPSSODescriptor.KeyDescriptors = []KeyDescriptor{
			{
				Use:     "signing",
				KeyInfo: KeyInfo{X509Data: &X509Data{X509Certificate: certB64}},
			},
		}
	}

	return desc
}

// SignMetadata marshals the descriptor and envelopes a signature over it.
// Metadata has no Issuer element, so the signature goes in as the first
// child per the metadata schema.
func (s *Signer) SignMetadata(desc *EntityDescriptor) ([]byte, error) {
	desc.Signature = nil
	doc, err := xml.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	sig, err := s.signature(doc, desc.ID)
	if err != nil {
		return nil, err
	}
	sigXML, err := xml.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("marshal signature: %w", err)
	}

	openEnd := bytes.IndexByte(doc, '>')
	if openEnd < 0 {
		return nil, fmt.Errorf("malformed metadata document")
	}
	var out bytes.Buffer
	out.Grow(len(doc) + len(sigXML))
	out.Write(doc[:openEnd+1])
	out.Write(sigXML)
	out.Write(doc[openEnd+1:])
	return out.Bytes(), nil
}
