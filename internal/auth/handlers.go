package auth

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/supportchat/authgate/internal/audit"
	"github.com/supportchat/authgate/internal/core"
	"github.com/supportchat/authgate/internal/saml"
)

// CookieConfig controls the session cookie the handlers set and clear.
type CookieConfig struct {
	Name   string
	Secure bool
	TTL    time.Duration
}

// Handler exposes the login flow over HTTP under /auth.
type Handler struct {
	controller  *Controller
	middleware  *Middleware
	recorder    *audit.Recorder
	broadcaster *audit.Broadcaster
	metadata    []byte
	cookie      CookieConfig
	log         *logrus.Logger
}

// NewHandler builds the /auth route group. metadata is the pre-signed SP
// metadata document; it is static for the process lifetime. broadcaster
// may be nil to disable the live event stream.
func NewHandler(
	controller *Controller,
	middleware *Middleware,
	recorder *audit.Recorder,
	broadcaster *audit.Broadcaster,
	metadata []byte,
	cookie CookieConfig,
	log *logrus.Logger,
) *Handler {
	return &Handler{
		controller:  controller,
		middleware:  middleware,
		recorder:    recorder,
		broadcaster: broadcaster,
		metadata:    metadata,
		cookie:      cookie,
		log:         log,
	}
}

// RegisterRoutes mounts the auth endpoints on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", h.handleLogin)
		r.Post("/callback", h.handleCallback)
		r.Get("/metadata", h.handleMetadata)

		r.Group(func(r chi.Router) {
			r.Use(h.middleware.Authorize)
			r.Get("/session", h.handleSession)
			r.Post("/logout", h.handleLogout)

			r.Group(func(r chi.Router) {
				r.Use(h.middleware.RequireDomain)
				r.Get("/events", h.handleEvents)
				if h.broadcaster != nil {
					r.Get("/events/ws", h.broadcaster.ServeHTTP)
				}
			})
		})
	})
}

// handleLogin starts the flow: 302 to the IdP for the redirect binding,
// an auto-submitting form for the POST binding.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	init, err := h.controller.Initiate(r.URL.Query().Get("returnTo"))
	if err != nil {
		h.log.WithError(err).Error("initiate login")
		core.WriteError(w, http.StatusInternalServerError, "could not start login")
		return
	}

	if init.FormHTML != nil {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(init.FormHTML)
		return
	}
	http.Redirect(w, r, init.RedirectURL, http.StatusFound)
}

// handleCallback is the assertion consumer service. Success sets the
// session cookie and redirects to the stored destination; failures
// redirect back to the login page with the coarse code from failLogin.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.failLogin(w, r, err)
		return
	}
	raw, err := saml.DecodePostResponse(r.PostFormValue("SAMLResponse"))
	if err != nil {
		h.failLogin(w, r, err)
		return
	}

	result, err := h.controller.Callback(r.Context(), raw, r.PostFormValue("RelayState"), r.RemoteAddr)
	if err != nil {
		h.failLogin(w, r, err)
		return
	}

	h.setSessionCookie(w, result.Token)
	http.Redirect(w, r, result.ReturnTo, http.StatusFound)
}

func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Write(h.metadata)
}

// handleSession reports the authenticated user. The raw token never
// appears in the body; the browser already holds it.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	cred, _ := CredentialFrom(r.Context())
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"user":          cred.User,
		"expiresAt":     cred.ExpiresAt,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	cred, _ := CredentialFrom(r.Context())
	h.controller.Logout(cred, r.RemoteAddr)
	h.clearSessionCookie(w)
	core.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleEvents returns recent audit records for the operations view.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.recorder.Recent(r.Context(), 100)
	if err != nil {
		h.log.WithError(err).Error("load audit events")
		core.WriteError(w, http.StatusInternalServerError, "could not load events")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// failLogin redirects back to the login page. Most failures collapse to
// one generic code; the domain restriction is the deliberate exception so
// the page can explain the organizational policy.
func (h *Handler) failLogin(w http.ResponseWriter, r *http.Request, err error) {
	http.Redirect(w, r, "/auth/login?error="+url.QueryEscape(UserCode(err)), http.StatusFound)
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.cookie.TTL / time.Second),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
