package devidp

import (
	"bytes"
	"fmt"
	"html"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/supportchat/authgate/internal/saml"
)

// Handler serves the provider's SSO endpoint and a user picker page.
type Handler struct {
	provider *Provider
	audience string
	log      *logrus.Logger
}

// NewHandler builds the HTTP surface. audience is the SP entity ID the
// issued assertions are restricted to.
func NewHandler(provider *Provider, audience string, log *logrus.Logger) *Handler {
	return &Handler{provider: provider, audience: audience, log: log}
}

// RegisterRoutes mounts the endpoints under /devidp.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/devidp", func(r chi.Router) {
		r.Get("/sso", h.handleSSO)
		r.Post("/sso", h.handleSSO)
	})
}

// handleSSO receives the authentication request on either binding. With
// no user selected it renders the picker; with ?user=<id> it issues a
// signed response and posts it back to the requester's ACS URL.
func (h *Handler) handleSSO(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeRequest(r)
	if err != nil {
		h.log.WithError(err).Warn("dev idp: bad authentication request")
		http.Error(w, "bad authentication request", http.StatusBadRequest)
		return
	}
	if req.AssertionConsumerServiceURL == "" {
		http.Error(w, "request names no assertion consumer service", http.StatusBadRequest)
		return
	}
	relayState := formOrQuery(r, "RelayState")

	userID := formOrQuery(r, "user")
	if userID == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(h.pickerPage(r, relayState))
		return
	}

	user, ok := h.provider.UserByID(userID)
	if !ok {
		http.Error(w, "unknown user", http.StatusBadRequest)
		return
	}

	doc, err := h.provider.IssueResponse(user, h.audience, req.AssertionConsumerServiceURL, req.ID)
	if err != nil {
		h.log.WithError(err).Error("dev idp: sign response")
		http.Error(w, "could not issue response", http.StatusInternalServerError)
		return
	}

	h.log.WithFields(logrus.Fields{
		"user":           user.Email,
		"correlation_id": req.ID,
		"acs":            req.AssertionConsumerServiceURL,
	}).Info("dev idp: issuing assertion")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(saml.PostForm(req.AssertionConsumerServiceURL, "SAMLResponse", saml.EncodePost(doc), relayState))
}

func (h *Handler) decodeRequest(r *http.Request) (*saml.AuthnRequest, error) {
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
	}
	encoded := formOrQuery(r, "SAMLRequest")
	if encoded == "" {
		return nil, fmt.Errorf("no SAMLRequest parameter")
	}
	// The picker re-posts whatever encoding the request first arrived in,
	// so accept either binding's form here.
	req, err := saml.DecodeRedirectRequest(encoded)
	if err != nil {
		return saml.DecodePostRequest(encoded)
	}
	return req, nil
}

// pickerPage lists the canned users, each linking back here with the same
// request so the original correlation survives the selection.
func (h *Handler) pickerPage(r *http.Request, relayState string) []byte {
	encoded := formOrQuery(r, "SAMLRequest")

	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n<html>\n<head><title>Development Sign-In</title></head>\n<body>\n")
	buf.WriteString("<h1>Development Sign-In</h1>\n<p>Pick a user to continue. Not for production.</p>\n<ul>\n")
	for _, u := range h.provider.Users() {
		fmt.Fprintf(&buf, "<li><form method=\"post\" action=\"/devidp/sso\">")
		fmt.Fprintf(&buf, "<input type=\"hidden\" name=\"SAMLRequest\" value=\"%s\"/>", html.EscapeString(encoded))
		if relayState != "" {
			fmt.Fprintf(&buf, "<input type=\"hidden\" name=\"RelayState\" value=\"%s\"/>", html.EscapeString(relayState))
		}
		fmt.Fprintf(&buf, "<input type=\"hidden\" name=\"user\" value=\"%s\"/>", html.EscapeString(u.ID))
		fmt.Fprintf(&buf, "<button type=\"submit\">%s &lt;%s&gt;</button>", html.EscapeString(u.DisplayName), html.EscapeString(u.Email))
		buf.WriteString("</form></li>\n")
	}
	buf.WriteString("</ul>\n</body>\n</html>\n")
	return buf.Bytes()
}

func formOrQuery(r *http.Request, key string) string {
	if r.Method == http.MethodPost {
		if v := r.PostFormValue(key); v != "" {
			return v
		}
	}
	return r.URL.Query().Get(key)
}
