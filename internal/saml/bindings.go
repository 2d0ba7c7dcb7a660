package saml

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"net/url"
)

// ============================================================================
// HTTP-Redirect and HTTP-POST bindings
// Per SAML 2.0 Bindings Sections 3.4 and 3.5
// ============================================================================

// maxDecodedSize bounds inflated and decoded documents so a small request
// cannot expand into an arbitrarily large allocation.
const maxDecodedSize = 1 << 20

// EncodeRedirect prepares an AuthnRequest for the HTTP-Redirect binding:
// DEFLATE then base64, ready for the SAMLRequest query parameter.
func EncodeRedirect(req *AuthnRequest) (string, error) {
	doc, err := xml.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return "", fmt.Errorf("create deflate writer: %w", err)
	}
	if _, err := w.Write(doc); err != nil {
		return "", fmt.Errorf("deflate request: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("flush deflate: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// RedirectURL builds the IdP redirect target carrying the encoded request
// and the relay state.
func RedirectURL(ssoURL, encodedRequest, relayState string) (string, error) {
	u, err := url.Parse(ssoURL)
	if err != nil {
		return "", fmt.Errorf("parse SSO URL: %w", err)
	}
	q := u.Query()
	q.Set("SAMLRequest", encodedRequest)
	if relayState != "" {
		q.Set("RelayState", relayState)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DecodeRedirectRequest reverses EncodeRedirect. Used by the embedded
// development IdP's SSO endpoint.
func DecodeRedirectRequest(encoded string) (*AuthnRequest, error) {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}

	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	doc, err := io.ReadAll(io.LimitReader(r, maxDecodedSize+1))
	if err != nil {
		return nil, fmt.Errorf("inflate request: %w", err)
	}
	if len(doc) > maxDecodedSize {
		return nil, fmt.Errorf("inflated request exceeds %d bytes", maxDecodedSize)
	}

	var req AuthnRequest
	if err := xml.Unmarshal(doc, &req); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	return &req, nil
}

// EncodePostRequest prepares an AuthnRequest for the HTTP-POST binding.
func EncodePostRequest(req *AuthnRequest) (string, error) {
	doc, err := xml.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	return EncodePost(doc), nil
}

// EncodePost base64-encodes a complete document for the HTTP-POST binding.
// The input is the signed byte form, not a struct, so the signature stays
// over exactly the bytes transmitted.
func EncodePost(doc []byte) string {
	return base64.StdEncoding.EncodeToString(doc)
}

// DecodePostRequest decodes an AuthnRequest delivered over the HTTP-POST
// binding: plain base64, no compression.
func DecodePostRequest(value string) (*AuthnRequest, error) {
	doc, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(doc) > maxDecodedSize {
		return nil, fmt.Errorf("decoded request exceeds %d bytes", maxDecodedSize)
	}
	var req AuthnRequest
	if err := xml.Unmarshal(doc, &req); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	return &req, nil
}

// DecodePostResponse decodes the SAMLResponse form field back into the raw
// document.
func DecodePostResponse(value string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("empty SAMLResponse")
	}
	doc, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(doc) > maxDecodedSize {
		return nil, fmt.Errorf("decoded response exceeds %d bytes", maxDecodedSize)
	}
	return doc, nil
}

// PostForm renders the self-submitting HTML form that carries an encoded
// message to action via the browser. field is "SAMLRequest" or
// "SAMLResponse". All values are HTML-escaped; relayState in particular is
// attacker-influenced.
func PostForm(action, field, encoded, relayState string) []byte {
	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n<html>\n<head><title>Redirecting...</title></head>\n")
	buf.WriteString("<body onload=\"document.forms[0].submit()\">\n")
	buf.WriteString("<noscript><p>Script is disabled. Click Continue to proceed.</p></noscript>\n")
	fmt.Fprintf(&buf, "<form method=\"post\" action=\"%s\">\n", html.EscapeString(action))
	fmt.Fprintf(&buf, "<input type=\"hidden\" name=\"%s\" value=\"%s\"/>\n", html.EscapeString(field), html.EscapeString(encoded))
	if relayState != "" {
		fmt.Fprintf(&buf, "<input type=\"hidden\" name=\"RelayState\" value=\"%s\"/>\n", html.EscapeString(relayState))
	}
	buf.WriteString("<noscript><input type=\"submit\" value=\"Continue\"/></noscript>\n")
	buf.WriteString("</form>\n</body>\n</html>\n")
	return buf.Bytes()
}
