// Package auth drives the browser login flow: outbound authentication
// requests, the assertion callback, session cookies and the middleware
// that guards the rest of the API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supportchat/authgate/internal/audit"
	"github.com/supportchat/authgate/internal/federation"
	"github.com/supportchat/authgate/internal/identity"
	"github.com/supportchat/authgate/internal/saml"
	"github.com/supportchat/authgate/internal/session"
)

// LoginState labels where a login attempt is in its lifecycle. Used in
// logs and results; the durable per-attempt state lives in the relay
// store.
type LoginState string

const (
	StateIdle              LoginState = "idle"
	StateAwaitingAssertion LoginState = "awaiting_assertion"
	StateAuthenticated     LoginState = "authenticated"
	StateRejected          LoginState = "rejected"
)

// Request bindings accepted by Initiate.
const (
	BindingRedirect = "redirect"
	BindingPost     = "post"
)

// relayError is a correlation failure: unknown, expired, consumed or
// mismatched relay state.
type relayError struct{ msg string }

func (e *relayError) Error() string  { return "RelayStateMismatch: " + e.msg }
func (e *relayError) Reason() string { return "RelayStateMismatch" }

// ErrLoginRejected is what callers see for every callback failure. The
// precise cause is logged and audited server-side; the browser only ever
// learns that the login did not work.
var ErrLoginRejected = errors.New("login rejected")

// UserCodeGeneric is the browser-facing code for every rejection that
// must stay indistinguishable (forged, expired, replayed, malformed).
const UserCodeGeneric = "login_failed"

// RejectedError wraps ErrLoginRejected with the one piece of information
// the browser may learn. Only the organizational domain restriction is
// named, so the login page can explain it; validation failures all carry
// UserCodeGeneric.
type RejectedError struct {
	UserCode string
}

func (e *RejectedError) Error() string { return ErrLoginRejected.Error() }
func (e *RejectedError) Unwrap() error { return ErrLoginRejected }

// UserCode extracts the browser-facing code from a Callback error.
func UserCode(err error) string {
	var rej *RejectedError
	if errors.As(err, &rej) && rej.UserCode != "" {
		return rej.UserCode
	}
	return UserCodeGeneric
}

// ControllerConfig is the static wiring for a Controller.
type ControllerConfig struct {
	EntityID      string
	IdPSSOURL     string
	ACSURL        string
	Binding       string
	RedirectHosts []string

	// RequestTTL bounds how long a pending login may wait at the IdP.
	RequestTTL time.Duration

	// FederationTimeout bounds the credential exchange during callback.
	FederationTimeout time.Duration
}

// Controller owns one login flow end to end.
type Controller struct {
	cfg       ControllerConfig
	codec     *saml.Codec
	policy    *identity.DomainPolicy
	issuer    *session.Issuer
	relay     *RelayStore
	replay    *saml.ReplayCache
	federator federation.Federator
	recorder  *audit.Recorder
	log       *logrus.Logger
}

// NewController wires the login flow. federator and recorder may be nil.
func NewController(
	cfg ControllerConfig,
	codec *saml.Codec,
	policy *identity.DomainPolicy,
	issuer *session.Issuer,
	federator federation.Federator,
	recorder *audit.Recorder,
	log *logrus.Logger,
) *Controller {
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = 10 * time.Minute
	}
	if cfg.FederationTimeout <= 0 {
		cfg.FederationTimeout = 5 * time.Second
	}
	return &Controller{
		cfg:       cfg,
		codec:     codec,
		policy:    policy,
		issuer:    issuer,
		relay:     NewRelayStore(cfg.RequestTTL),
		replay:    saml.NewReplayCache(cfg.RequestTTL),
		federator: federator,
		recorder:  recorder,
		log:       log,
	}
}

// Close releases the controller's background goroutines.
func (c *Controller) Close() {
	c.relay.Close()
	c.replay.Close()
}

// Initiation is the outcome of starting a login: either a redirect URL
// (HTTP-Redirect binding) or a self-submitting form (HTTP-POST binding).
type Initiation struct {
	RequestID   string
	RedirectURL string
	FormHTML    []byte
}

// Initiate builds an AuthnRequest, remembers the sanitized returnTo under
// the request ID, and produces the transport for the configured binding.
// The request ID doubles as RelayState; the browser never carries the
// returnTo URL through the IdP.
func (c *Controller) Initiate(returnTo string) (*Initiation, error) {
	dest := SafeReturnTo(returnTo, c.cfg.RedirectHosts)

	req := saml.NewAuthnRequest(c.cfg.EntityID, c.cfg.IdPSSOURL, c.cfg.ACSURL)
	c.relay.Put(req.ID, dest)

	init := &Initiation{RequestID: req.ID}
	switch c.cfg.Binding {
	case BindingPost:
		encoded, err := saml.EncodePostRequest(req)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		init.FormHTML = saml.PostForm(c.cfg.IdPSSOURL, "SAMLRequest", encoded, req.ID)
	default:
		encoded, err := saml.EncodeRedirect(req)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		u, err := saml.RedirectURL(c.cfg.IdPSSOURL, encoded, req.ID)
		if err != nil {
			return nil, fmt.Errorf("build redirect: %w", err)
		}
		init.RedirectURL = u
	}

	c.log.WithFields(logrus.Fields{
		"correlation_id": req.ID,
		"state":          StateAwaitingAssertion,
	}).Info("login initiated")
	c.recorder.Record(audit.Event{
		Type:          audit.EventLoginInitiated,
		CorrelationID: req.ID,
	})
	return init, nil
}

// LoginResult is a completed, accepted login.
type LoginResult struct {
	Credential *session.Credential
	Token      string
	ReturnTo   string
	Federated  *federation.Credential
	State      LoginState
}

// Callback consumes the IdP's response. The pipeline order is fixed:
// verify everything inside the document first, then consume the one-time
// correlation entry, then replay protection, then policy, extraction and
// issuance. Every rejection is logged and audited with its reason code
// while the caller gets a RejectedError carrying at most the coarse
// browser-facing code.
func (c *Controller) Callback(ctx context.Context, rawResponse []byte, relayState, remoteAddr string) (*LoginResult, error) {
	assertion, err := c.codec.Verify(rawResponse)
	if err != nil {
		return nil, c.reject(relayState, "", remoteAddr, err)
	}

	// RelayState and InResponseTo must name the same pending login, and
	// that entry is consumed atomically: of two raced submissions of the
	// same response exactly one can even reach the replay check.
	if relayState == "" || assertion.InResponseTo == "" || relayState != assertion.InResponseTo {
		return nil, c.reject(relayState, "", remoteAddr,
			&relayError{fmt.Sprintf("relay state %q does not match response correlation %q", relayState, assertion.InResponseTo)})
	}
	returnTo, ok := c.relay.Take(assertion.InResponseTo)
	if !ok {
		return nil, c.reject(relayState, "", remoteAddr,
			&relayError{fmt.Sprintf("no pending login for correlation %q", assertion.InResponseTo)})
	}

	if err := c.replay.Consume(assertion.ID); err != nil {
		return nil, c.reject(relayState, "", remoteAddr, err)
	}

	user, err := identity.Extract(assertion)
	if err != nil {
		return nil, c.reject(relayState, "", remoteAddr, err)
	}

	if err := c.policy.Check(user.Domain); err != nil {
		return nil, c.reject(relayState, user.Email, remoteAddr, err)
	}

	cred, token, err := c.issuer.Issue(user)
	if err != nil {
		return nil, c.reject(relayState, user.Email, remoteAddr, err)
	}

	result := &LoginResult{
		Credential: cred,
		Token:      token,
		ReturnTo:   returnTo,
		State:      StateAuthenticated,
	}

	// Federation failure degrades the feature, never the login.
	if c.federator != nil {
		fedCtx, cancel := context.WithTimeout(ctx, c.cfg.FederationTimeout)
		fed, fedErr := c.federator.Federate(fedCtx, assertion.Raw)
		cancel()
		if fedErr != nil {
			c.log.WithFields(logrus.Fields{
				"correlation_id": relayState,
				"reason":         "FederationFailure",
			}).WithError(fedErr).Warn("credential federation failed")
		} else {
			result.Federated = fed
		}
	}

	c.log.WithFields(logrus.Fields{
		"correlation_id": relayState,
		"session_id":     cred.SessionID,
		"email":          user.Email,
		"state":          StateAuthenticated,
	}).Info("login accepted")
	c.recorder.Record(audit.Event{
		Type:          audit.EventLoginAccepted,
		CorrelationID: relayState,
		Email:         user.Email,
		SessionID:     cred.SessionID,
		RemoteAddr:    remoteAddr,
	})
	return result, nil
}

// Logout records the end of a session. Tokens are stateless, so the
// cookie clear in the handler is the whole mechanism; issued tokens stay
// technically valid until expiry.
func (c *Controller) Logout(cred *session.Credential, remoteAddr string) {
	ev := audit.Event{Type: audit.EventLogout, RemoteAddr: remoteAddr}
	if cred != nil {
		ev.Email = cred.User.Email
		ev.SessionID = cred.SessionID
	}
	c.recorder.Record(ev)
}

// reject logs and audits a callback failure with its precise reason, then
// collapses it to a RejectedError. Only the domain-policy rejection keeps
// its name on the way out; everything an attacker could have forged stays
// behind the generic code.
func (c *Controller) reject(correlationID, email, remoteAddr string, cause error) error {
	reason := "InternalError"
	var coded interface{ Reason() string }
	if errors.As(cause, &coded) {
		reason = coded.Reason()
	}

	c.log.WithFields(logrus.Fields{
		"correlation_id": correlationID,
		"reason":         reason,
		"state":          StateRejected,
	}).WithError(cause).Warn("login rejected")
	c.recorder.Record(audit.Event{
		Type:          audit.EventLoginRejected,
		Reason:        reason,
		CorrelationID: correlationID,
		Email:         email,
		RemoteAddr:    remoteAddr,
	})

	userCode := UserCodeGeneric
	if reason == identity.CodeDomainNotAllowed {
		userCode = identity.CodeDomainNotAllowed
	}
	return &RejectedError{UserCode: userCode}
}
