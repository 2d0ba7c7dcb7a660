package main

import (
	"context"
	"crypto/x509"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/supportchat/authgate/internal/audit"
	"github.com/supportchat/authgate/internal/auth"
	"github.com/supportchat/authgate/internal/config"
	"github.com/supportchat/authgate/internal/core"
	"github.com/supportchat/authgate/internal/crypto"
	"github.com/supportchat/authgate/internal/devidp"
	"github.com/supportchat/authgate/internal/federation"
	"github.com/supportchat/authgate/internal/identity"
	"github.com/supportchat/authgate/internal/saml"
	"github.com/supportchat/authgate/internal/session"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	cfg := config.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if cfg.Debug || cfg.IsDevelopment() {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	// SP signing keypair, used for metadata and published in it.
	keys, err := crypto.LoadOrGenerateKeyPair(cfg.SAML.SPKeyFile, cfg.SAML.SPCertFile, cfg.SAML.EntityID)
	if err != nil {
		log.WithError(err).Fatal("load SP keypair")
	}

	// The embedded IdP replaces the external one entirely in development:
	// it supplies the trusted certificate, the SSO URL and the issuer name.
	var idp *devidp.Provider
	idpEntityID := cfg.SAML.IdPEntityID
	idpSSOURL := cfg.SAML.IdPSSOURL
	var trusted []*x509.Certificate
	if cfg.DevIdPEnabled {
		idp, err = devidp.NewProvider(cfg.BaseURL+"/devidp", nil)
		if err != nil {
			log.WithError(err).Fatal("start development IdP")
		}
		idpEntityID = idp.EntityID()
		idpSSOURL = cfg.BaseURL + "/devidp/sso"
		trusted = []*x509.Certificate{idp.Certificate()}
		log.Warn("development IdP enabled; do not expose this instance")
	} else {
		trusted, err = crypto.LoadCertificates(cfg.SAML.IdPCertFile)
		if err != nil {
			log.WithError(err).Fatal("load IdP certificates")
		}
	}
	if idpSSOURL == "" || idpEntityID == "" {
		log.Fatal("no identity provider configured; set AUTHGATE_SAML_IDP_* or enable AUTHGATE_DEV_IDP")
	}

	codec := saml.NewCodec(cfg.SAML.EntityID, idpEntityID, saml.NewVerifier(trusted...), cfg.SAML.ClockSkew)

	signer := saml.NewSigner(keys.Key, keys.Cert)
	metadata, err := signer.SignMetadata(saml.BuildMetadata(saml.MetadataConfig{
		EntityID:    cfg.SAML.EntityID,
		ACSURL:      cfg.ACSURL(),
		Certificate: keys.Cert,
	}))
	if err != nil {
		log.WithError(err).Fatal("build SP metadata")
	}

	secrets := cfg.Session.Secrets
	if len(secrets) == 0 {
		// Validate only lets this through in development. Sessions do not
		// survive a restart with an ephemeral secret, which is fine there.
		secrets = []string{session.GenerateSecret()}
		log.Warn("no session secrets configured; using an ephemeral secret")
	}
	issuer, err := session.NewIssuer(secrets, cfg.Session.TTL)
	if err != nil {
		log.WithError(err).Fatal("build session issuer")
	}

	policy := identity.NewDomainPolicy(cfg.Session.AllowedDomains)

	var federator federation.Federator
	if cfg.Federation.Enabled {
		federator = federation.NewSTSFederator(
			cfg.Federation.Region,
			cfg.Federation.RoleARN,
			cfg.Federation.PrincipalARN,
			cfg.Federation.Duration,
		)
		log.WithField("role", cfg.Federation.RoleARN).Info("credential federation enabled")
	}

	var store *audit.Store
	if cfg.Audit.DBPath != "" {
		store, err = audit.NewStore(cfg.Audit.DBPath)
		if err != nil {
			log.WithError(err).Fatal("open audit store")
		}
		defer store.Close()
	}
	broadcaster := audit.NewBroadcaster(log, originChecker(cfg))
	recorder := audit.NewRecorder(store, broadcaster, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	recorder.StartPruner(ctx, cfg.Audit.Retention, time.Hour)

	controller := auth.NewController(auth.ControllerConfig{
		EntityID:          cfg.SAML.EntityID,
		IdPSSOURL:         idpSSOURL,
		ACSURL:            cfg.ACSURL(),
		Binding:           cfg.SAML.RequestBinding,
		RedirectHosts:     cfg.Session.RedirectHosts,
		FederationTimeout: cfg.Federation.Timeout,
	}, codec, policy, issuer, federator, recorder, log)
	defer controller.Close()

	guard := auth.NewMiddleware(issuer, policy, cfg.Session.CookieName)
	handler := auth.NewHandler(controller, guard, recorder, broadcaster, metadata, auth.CookieConfig{
		Name:   cfg.Session.CookieName,
		Secure: cfg.Session.CookieSecure,
		TTL:    cfg.Session.TTL,
	}, log)

	server := core.NewServer(cfg, log, func(r chi.Router) {
		handler.RegisterRoutes(r)
		if idp != nil {
			devidp.NewHandler(idp, cfg.SAML.EntityID, log).RegisterRoutes(r)
		}
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"addr":      cfg.ListenAddr,
			"entity_id": cfg.SAML.EntityID,
			"idp":       idpEntityID,
		}).Info("server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("forced shutdown")
		os.Exit(1)
	}
	log.Info("server exited")
}

// originChecker admits websocket upgrades from the configured CORS
// origins and same-origin requests.
func originChecker(cfg config.Config) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(cfg.CORSOrigins)+1)
	for _, o := range cfg.CORSOrigins {
		allowed[o] = struct{}{}
	}
	allowed[cfg.BaseURL] = struct{}{}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}
		// Same-host requests carry the listen host, not the base URL.
		if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
			return true
		}
		return false
	}
}
