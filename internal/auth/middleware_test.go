package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/supportchat/authgate/internal/identity"
	"github.com/supportchat/authgate/internal/session"
)

func testGuard(t *testing.T) (*Middleware, *session.Issuer) {
	t.Helper()
	issuer, err := session.NewIssuer([]string{"0123456789abcdef0123456789abcdef"}, time.Hour)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	policy := identity.NewDomainPolicy([]string{"example.com"})
	return NewMiddleware(issuer, policy, "session"), issuer
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func sessionToken(t *testing.T, issuer *session.Issuer, domain string) string {
	t.Helper()
	_, token, err := issuer.Issue(&identity.UserIdentity{
		ID:     "u1",
		Email:  "u1@" + domain,
		Domain: domain,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return token
}

func TestAuthorizeWithCookie(t *testing.T) {
	guard, issuer := testGuard(t)

	var got *session.Credential
	handler := guard.Authorize(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = CredentialFrom(r.Context())
	}))

	req := httptest.NewRequest("GET", "/auth/session", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: sessionToken(t, issuer, "example.com")})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got == nil || got.User.Email != "u1@example.com" {
		t.Fatalf("credential = %+v", got)
	}
}

func TestAuthorizeWithBearerHeader(t *testing.T) {
	guard, issuer := testGuard(t)
	handler := guard.Authorize(okHandler())

	req := httptest.NewRequest("GET", "/auth/session", nil)
	req.Header.Set("Authorization", "Bearer "+sessionToken(t, issuer, "example.com"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthorizeDeniesJSONClients(t *testing.T) {
	guard, _ := testGuard(t)
	handler := guard.Authorize(okHandler())

	req := httptest.NewRequest("GET", "/auth/session", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["loginUrl"] == "" {
		t.Error("body carries no login URL")
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("no WWW-Authenticate header")
	}
}

func TestAuthorizeRedirectsNavigations(t *testing.T) {
	guard, _ := testGuard(t)
	handler := guard.Authorize(okHandler())

	req := httptest.NewRequest("GET", "/inbox?tab=open", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if loc != "/auth/login?returnTo=%2Finbox%3Ftab%3Dopen" {
		t.Fatalf("location = %q", loc)
	}
}

func TestAuthorizeUniformDenial(t *testing.T) {
	guard, issuer := testGuard(t)
	handler := guard.Authorize(okHandler())

	expired := sessionToken(t, issuer, "example.com")
	issuer.WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	responses := make([]*httptest.ResponseRecorder, 0, 3)
	for _, token := range []string{expired, "forged.token.value", ""} {
		req := httptest.NewRequest("GET", "/auth/session", nil)
		req.Header.Set("Accept", "application/json")
		if token != "" {
			req.AddCookie(&http.Cookie{Name: "session", Value: token})
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		responses = append(responses, rec)
	}

	// Expired, forged and absent tokens must be indistinguishable.
	for i, rec := range responses {
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("case %d: status = %d", i, rec.Code)
		}
		if rec.Body.String() != responses[0].Body.String() {
			t.Fatalf("case %d body differs: %q vs %q", i, rec.Body.String(), responses[0].Body.String())
		}
	}
}

func TestRequireDomainRevokesRemovedDomain(t *testing.T) {
	guard, issuer := testGuard(t)
	handler := guard.Authorize(guard.RequireDomain(okHandler()))

	// Session issued while the domain was allowed; the policy in force no
	// longer lists it.
	token := sessionToken(t, issuer, "removed.test")

	req := httptest.NewRequest("GET", "/auth/events", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: token})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestRequireDomainAllowsListedDomain(t *testing.T) {
	guard, issuer := testGuard(t)
	handler := guard.Authorize(guard.RequireDomain(okHandler()))

	req := httptest.NewRequest("GET", "/auth/events", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: sessionToken(t, issuer, "eng.example.com")})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
