package auth

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/supportchat/authgate/internal/core"
	"github.com/supportchat/authgate/internal/identity"
	"github.com/supportchat/authgate/internal/session"
)

type contextKey int

const credentialKey contextKey = iota

// CredentialFrom returns the session credential Authorize attached to the
// request context.
func CredentialFrom(ctx context.Context) (*session.Credential, bool) {
	cred, ok := ctx.Value(credentialKey).(*session.Credential)
	return cred, ok
}

// Middleware guards routes with session verification and, optionally, the
// domain policy.
type Middleware struct {
	issuer     *session.Issuer
	policy     *identity.DomainPolicy
	cookieName string
	loginPath  string
}

// NewMiddleware builds the route guards.
func NewMiddleware(issuer *session.Issuer, policy *identity.DomainPolicy, cookieName string) *Middleware {
	return &Middleware{
		issuer:     issuer,
		policy:     policy,
		cookieName: cookieName,
		loginPath:  "/auth/login",
	}
}

// Authorize verifies the session from the cookie or an Authorization
// bearer header and attaches the credential to the context. Every failure
// mode behaves identically: expired, forged and garbled tokens all
// produce the same response, so a probe learns nothing about why it was
// turned away.
func (m *Middleware) Authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := m.tokenFrom(r)
		if token == "" {
			m.deny(w, r)
			return
		}
		cred, err := m.issuer.Verify(token)
		if err != nil {
			m.deny(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), credentialKey, cred)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireDomain re-checks the domain policy on each request, so a user
// whose domain was removed from the allow-list loses access before their
// session expires. Must run inside Authorize.
func (m *Middleware) RequireDomain(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, ok := CredentialFrom(r.Context())
		if !ok || !m.policy.IsAllowed(cred.User.Domain) {
			core.WriteError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie(m.cookieName); err == nil {
		return c.Value
	}
	return ""
}

// deny answers an unauthenticated request: JSON clients get a 401 with
// the login URL, navigations get redirected into the login flow with
// their original destination as returnTo.
func (m *Middleware) deny(w http.ResponseWriter, r *http.Request) {
	loginURL := m.loginPath + "?returnTo=" + url.QueryEscape(r.URL.RequestURI())

	if wantsJSON(r) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		core.WriteJSON(w, http.StatusUnauthorized, map[string]string{
			"error":    "authentication required",
			"loginUrl": loginURL,
		})
		return
	}
	http.Redirect(w, r, loginURL, http.StatusFound)
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "application/json") {
		return true
	}
	// Fetch/XHR requests usually skip Accept: text/html.
	return accept != "" && !strings.Contains(accept, "text/html") && !strings.Contains(accept, "*/*")
}
