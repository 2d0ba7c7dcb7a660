package saml

import (
	"bytes"
	"testing"
	"time"

	"github.com/supportchat/authgate/internal/crypto"
)

const (
	testAudience = "https://sp.test/auth/metadata"
	testACS      = "https://sp.test/auth/callback"
	testIdP      = "https://idp.test"
)

// signedResponse builds a complete signed document for alice answering
// request _req1.
func signedResponse(t *testing.T, keys *crypto.KeyPair) []byte {
	t.Helper()
	doc, err := NewSigner(keys.Key, keys.Cert).SignResponse(testResponse(t))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return doc
}

func testCodec(keys *crypto.KeyPair) *Codec {
	return NewCodec(testAudience, testIdP, NewVerifier(keys.Cert), 90*time.Second)
}

func TestCodecVerifyAccepts(t *testing.T) {
	keys := testKeyPair(t)
	doc := signedResponse(t, keys)

	got, err := testCodec(keys).Verify(doc)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Subject != "alice@example.com" {
		t.Errorf("subject = %q, want alice@example.com", got.Subject)
	}
	if got.InResponseTo != "_req1" {
		t.Errorf("inResponseTo = %q, want _req1", got.InResponseTo)
	}
	if got.Issuer != testIdP {
		t.Errorf("issuer = %q, want %q", got.Issuer, testIdP)
	}
	if v := got.Attributes["email"]; len(v) != 1 || v[0] != "alice@example.com" {
		t.Errorf("email attribute = %v", v)
	}
	if got.ID == "" {
		t.Error("assertion ID is empty")
	}
	if string(got.Raw) != string(doc) {
		t.Error("raw document not preserved")
	}
}

func TestCodecVerifyAssertionSigned(t *testing.T) {
	keys := testKeyPair(t)
	doc, err := NewSigner(keys.Key, keys.Cert).SignResponseAssertion(testResponse(t))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := testCodec(keys).Verify(doc); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

// With an assertion-level signature the envelope attributes are not
// covered by the signature, so the correlation id must come from (and
// agree with) the signed SubjectConfirmationData.
func TestCodecRejectsEnvelopeCorrelationTamper(t *testing.T) {
	keys := testKeyPair(t)
	doc, err := NewSigner(keys.Key, keys.Cert).SignResponseAssertion(testResponse(t))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	// The Response open tag comes first, so the first occurrence is the
	// unsigned envelope attribute.
	tampered := bytes.Replace(doc, []byte(`InResponseTo="_req1"`), []byte(`InResponseTo="_attacker"`), 1)
	if bytes.Equal(tampered, doc) {
		t.Fatal("tampering had no effect")
	}

	_, err = testCodec(keys).Verify(tampered)
	if got := reasonOf(t, err); got != string(ReasonMalformedAssertion) {
		t.Fatalf("reason = %q, want %q", got, ReasonMalformedAssertion)
	}
}

func TestCodecRejectsExpired(t *testing.T) {
	keys := testKeyPair(t)
	doc := signedResponse(t, keys)

	codec := testCodec(keys).WithClock(func() time.Time {
		return time.Now().Add(10 * time.Minute)
	})
	_, err := codec.Verify(doc)
	if got := reasonOf(t, err); got != string(ReasonAssertionExpired) {
		t.Fatalf("reason = %q, want %q", got, ReasonAssertionExpired)
	}
}

func TestCodecRejectsNotYetValid(t *testing.T) {
	keys := testKeyPair(t)
	doc := signedResponse(t, keys)

	codec := testCodec(keys).WithClock(func() time.Time {
		return time.Now().Add(-10 * time.Minute)
	})
	_, err := codec.Verify(doc)
	if got := reasonOf(t, err); got != string(ReasonAssertionNotYetValid) {
		t.Fatalf("reason = %q, want %q", got, ReasonAssertionNotYetValid)
	}
}

func TestCodecToleratesSkew(t *testing.T) {
	keys := testKeyPair(t)
	doc := signedResponse(t, keys)

	// One minute before NotBefore is inside the 90-second skew window.
	codec := testCodec(keys).WithClock(func() time.Time {
		return time.Now().Add(-time.Minute)
	})
	if _, err := codec.Verify(doc); err != nil {
		t.Fatalf("verify inside skew window: %v", err)
	}
}

func TestCodecRejectsAudienceMismatch(t *testing.T) {
	keys := testKeyPair(t)
	doc := signedResponse(t, keys)

	codec := NewCodec("https://other-sp.test", testIdP, NewVerifier(keys.Cert), time.Minute)
	_, err := codec.Verify(doc)
	if got := reasonOf(t, err); got != string(ReasonAudienceMismatch) {
		t.Fatalf("reason = %q, want %q", got, ReasonAudienceMismatch)
	}
}

func TestCodecRejectsUnexpectedIssuer(t *testing.T) {
	keys := testKeyPair(t)
	doc := signedResponse(t, keys)

	codec := NewCodec(testAudience, "https://another-idp.test", NewVerifier(keys.Cert), time.Minute)
	_, err := codec.Verify(doc)
	if got := reasonOf(t, err); got != string(ReasonUntrustedIssuer) {
		t.Fatalf("reason = %q, want %q", got, ReasonUntrustedIssuer)
	}
}

func TestCodecRejectsFailureStatus(t *testing.T) {
	keys := testKeyPair(t)
	resp := testResponse(t)
	resp.Status.StatusCode.Value = StatusAuthnFailed
	doc, err := NewSigner(keys.Key, keys.Cert).SignResponse(resp)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	_, err = testCodec(keys).Verify(doc)
	if got := reasonOf(t, err); got != string(ReasonMalformedAssertion) {
		t.Fatalf("reason = %q, want %q", got, ReasonMalformedAssertion)
	}
}

func TestCodecRejectsGarbage(t *testing.T) {
	keys := testKeyPair(t)
	_, err := testCodec(keys).Verify([]byte("this is not xml"))
	if got := reasonOf(t, err); got != string(ReasonMalformedAssertion) {
		t.Fatalf("reason = %q, want %q", got, ReasonMalformedAssertion)
	}
}

func TestCodecRejectsMissingAssertion(t *testing.T) {
	keys := testKeyPair(t)
	resp := NewResponse(testIdP, testACS, "_req1", true)
	doc, err := NewSigner(keys.Key, keys.Cert).SignResponse(resp)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	_, err = testCodec(keys).Verify(doc)
	if got := reasonOf(t, err); got != string(ReasonMalformedAssertion) {
		t.Fatalf("reason = %q, want %q", got, ReasonMalformedAssertion)
	}
}

func TestReplayCacheConsumeOnce(t *testing.T) {
	cache := NewReplayCache(time.Minute)
	defer cache.Close()

	if err := cache.Consume("_a1"); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	err := cache.Consume("_a1")
	if got := reasonOf(t, err); got != string(ReasonReplayDetected) {
		t.Fatalf("reason = %q, want %q", got, ReasonReplayDetected)
	}
	if err := cache.Consume("_a2"); err != nil {
		t.Fatalf("distinct ID rejected: %v", err)
	}
}
