package saml

import (
	"net/url"
	"strings"
	"testing"
)

func TestRedirectBindingRoundTrip(t *testing.T) {
	req := NewAuthnRequest("https://sp.test/auth/metadata", "https://idp.test/sso", testACS)

	encoded, err := EncodeRedirect(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	target, err := RedirectURL("https://idp.test/sso", encoded, req.ID)
	if err != nil {
		t.Fatalf("redirect URL: %v", err)
	}

	u, err := url.Parse(target)
	if err != nil {
		t.Fatalf("parse redirect target: %v", err)
	}
	if u.Query().Get("RelayState") != req.ID {
		t.Errorf("RelayState = %q, want %q", u.Query().Get("RelayState"), req.ID)
	}

	decoded, err := DecodeRedirectRequest(u.Query().Get("SAMLRequest"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != req.ID {
		t.Errorf("ID = %q, want %q", decoded.ID, req.ID)
	}
	if decoded.AssertionConsumerServiceURL != testACS {
		t.Errorf("ACS = %q, want %q", decoded.AssertionConsumerServiceURL, testACS)
	}
	if decoded.Issuer == nil || decoded.Issuer.Value != "https://sp.test/auth/metadata" {
		t.Errorf("issuer = %+v", decoded.Issuer)
	}
}

func TestPostBindingRoundTrip(t *testing.T) {
	req := NewAuthnRequest("https://sp.test/auth/metadata", "https://idp.test/sso", testACS)

	encoded, err := EncodePostRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodePostRequest(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != req.ID {
		t.Errorf("ID = %q, want %q", decoded.ID, req.ID)
	}
}

func TestDecodePostResponse(t *testing.T) {
	doc := []byte("<Response/>")
	got, err := DecodePostResponse(EncodePost(doc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(got) != string(doc) {
		t.Fatalf("got %q, want %q", got, doc)
	}

	if _, err := DecodePostResponse(""); err == nil {
		t.Error("empty value accepted")
	}
	if _, err := DecodePostResponse("not base64 ###"); err == nil {
		t.Error("invalid base64 accepted")
	}
}

func TestPostFormEscapesValues(t *testing.T) {
	form := string(PostForm("https://idp.test/sso", "SAMLRequest", "abc==", `"><script>alert(1)</script>`))

	if strings.Contains(form, "<script>") {
		t.Fatal("relay state not escaped")
	}
	if !strings.Contains(form, `action="https://idp.test/sso"`) {
		t.Error("action attribute missing")
	}
	if !strings.Contains(form, `name="SAMLRequest" value="abc=="`) {
		t.Error("request field missing")
	}
	if !strings.Contains(form, "document.forms[0].submit()") {
		t.Error("auto-submit handler missing")
	}
}

func TestGenerateIDShape(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	if a == b {
		t.Fatal("IDs collide")
	}
	if !strings.HasPrefix(a, "_") || len(a) != 33 {
		t.Fatalf("unexpected ID shape %q", a)
	}
}
