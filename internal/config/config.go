package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full service configuration. It is built once at startup
// and passed by value to the components that need it; nothing mutates it
// afterwards.
type Config struct {
	// Environment (development, staging, production)
	Environment string

	// Server listening address
	ListenAddr string

	// Base URL for constructing absolute URLs (ACS, metadata)
	BaseURL string

	// CORS allowed origins for the chat frontend
	CORSOrigins []string

	// Enable debug logging
	Debug bool

	SAML       SAMLConfig
	Session    SessionConfig
	Federation FederationConfig
	Audit      AuditConfig

	// Mount the embedded development IdP under /devidp
	DevIdPEnabled bool
}

// SAMLConfig configures the service-provider side of the SSO exchange.
type SAMLConfig struct {
	// EntityID is the SP entity identifier, also the expected audience
	// of inbound assertions.
	EntityID string

	// IdPEntityID is the expected issuer of inbound assertions.
	IdPEntityID string

	// IdPSSOURL is where authentication requests are sent.
	IdPSSOURL string

	// IdPCertFile holds PEM certificates trusted to sign assertions.
	// Multiple certificates in one file support IdP key rollover.
	IdPCertFile string

	// SPKeyFile / SPCertFile hold the SP signing keypair. When empty a
	// keypair is generated at startup (development only).
	SPKeyFile  string
	SPCertFile string

	// Binding used for the outbound authentication request:
	// "redirect" or "post".
	RequestBinding string

	// ClockSkew tolerated when checking assertion validity windows.
	ClockSkew time.Duration
}

// SessionConfig configures issued session credentials.
type SessionConfig struct {
	// Secrets is the signing-key rotation list. The first entry signs
	// new sessions; all entries verify. Must not be empty outside
	// development.
	Secrets []string

	// TTL for issued sessions.
	TTL time.Duration

	// CookieName for the browser session.
	CookieName string

	// CookieSecure marks the cookie Secure. On by default outside
	// development.
	CookieSecure bool

	// AllowedDomains is the email-domain allow-list. A user whose email
	// domain neither equals nor is a subdomain of an entry is rejected.
	AllowedDomains []string

	// RedirectHosts are external hosts returnTo may point at. Relative
	// paths are always allowed.
	RedirectHosts []string
}

// FederationConfig configures the optional assertion-for-cloud-credentials
// exchange.
type FederationConfig struct {
	Enabled      bool
	RoleARN      string
	PrincipalARN string
	Region       string

	// Duration of the federated credentials.
	Duration time.Duration

	// Timeout bounds the exchange during login; on expiry the login
	// proceeds without federated credentials.
	Timeout time.Duration
}

// AuditConfig configures the login-event store.
type AuditConfig struct {
	// DBPath is the sqlite database file. Empty disables persistence;
	// events still reach live stream subscribers.
	DBPath string

	// Retention for stored events.
	Retention time.Duration
}

// Load reads configuration from AUTHGATE_-prefixed environment variables
// with development defaults.
func Load() Config {
	base := getEnv("AUTHGATE_BASE_URL", "http://localhost:8080")

	return Config{
		Environment: getEnv("AUTHGATE_ENV", "development"),
		ListenAddr:  getEnv("AUTHGATE_LISTEN_ADDR", ":8080"),
		BaseURL:     base,
		CORSOrigins: getEnvList("AUTHGATE_CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		Debug:       getEnvBool("AUTHGATE_DEBUG", false),

		SAML: SAMLConfig{
			EntityID:       getEnv("AUTHGATE_SAML_ENTITY_ID", base+"/auth/metadata"),
			IdPEntityID:    getEnv("AUTHGATE_SAML_IDP_ENTITY_ID", ""),
			IdPSSOURL:      getEnv("AUTHGATE_SAML_IDP_SSO_URL", ""),
			IdPCertFile:    getEnv("AUTHGATE_SAML_IDP_CERT_FILE", ""),
			SPKeyFile:      getEnv("AUTHGATE_SAML_SP_KEY_FILE", ""),
			SPCertFile:     getEnv("AUTHGATE_SAML_SP_CERT_FILE", ""),
			RequestBinding: getEnv("AUTHGATE_SAML_REQUEST_BINDING", "redirect"),
			ClockSkew:      getEnvDuration("AUTHGATE_SAML_CLOCK_SKEW", 90*time.Second),
		},

		Session: SessionConfig{
			Secrets:        getEnvList("AUTHGATE_SESSION_SECRETS", nil),
			TTL:            getEnvDuration("AUTHGATE_SESSION_TTL", 24*time.Hour),
			CookieName:     getEnv("AUTHGATE_SESSION_COOKIE", "session"),
			CookieSecure:   getEnvBool("AUTHGATE_SESSION_COOKIE_SECURE", getEnv("AUTHGATE_ENV", "development") != "development"),
			AllowedDomains: getEnvList("AUTHGATE_ALLOWED_DOMAINS", nil),
			RedirectHosts:  getEnvList("AUTHGATE_REDIRECT_HOSTS", nil),
		},

		Federation: FederationConfig{
			Enabled:      getEnvBool("AUTHGATE_FEDERATION_ENABLED", false),
			RoleARN:      getEnv("AUTHGATE_FEDERATION_ROLE_ARN", ""),
			PrincipalARN: getEnv("AUTHGATE_FEDERATION_PRINCIPAL_ARN", ""),
			Region:       getEnv("AUTHGATE_FEDERATION_REGION", "us-east-1"),
			Duration:     getEnvDuration("AUTHGATE_FEDERATION_DURATION", time.Hour),
			Timeout:      getEnvDuration("AUTHGATE_FEDERATION_TIMEOUT", 5*time.Second),
		},

		Audit: AuditConfig{
			DBPath:    getEnv("AUTHGATE_AUDIT_DB", "authgate-audit.db"),
			Retention: getEnvDuration("AUTHGATE_AUDIT_RETENTION", 30*24*time.Hour),
		},

		DevIdPEnabled: getEnvBool("AUTHGATE_DEV_IDP", false),
	}
}

// Validate rejects configurations that cannot produce a working or safe
// deployment. Development mode relaxes the checks that only matter when
// real users sign in.
func (c Config) Validate() error {
	if len(c.Session.AllowedDomains) == 0 {
		return fmt.Errorf("AUTHGATE_ALLOWED_DOMAINS must name at least one email domain")
	}
	if c.SAML.RequestBinding != "redirect" && c.SAML.RequestBinding != "post" {
		return fmt.Errorf("AUTHGATE_SAML_REQUEST_BINDING must be \"redirect\" or \"post\", got %q", c.SAML.RequestBinding)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("AUTHGATE_SESSION_TTL must be positive")
	}

	if c.IsDevelopment() {
		return nil
	}

	if len(c.Session.Secrets) == 0 {
		return fmt.Errorf("AUTHGATE_SESSION_SECRETS is required outside development")
	}
	for i, s := range c.Session.Secrets {
		if len(s) < 32 {
			return fmt.Errorf("AUTHGATE_SESSION_SECRETS entry %d is shorter than 32 bytes", i)
		}
	}
	if c.SAML.IdPSSOURL == "" {
		return fmt.Errorf("AUTHGATE_SAML_IDP_SSO_URL is required outside development")
	}
	if c.SAML.IdPEntityID == "" {
		return fmt.Errorf("AUTHGATE_SAML_IDP_ENTITY_ID is required outside development")
	}
	if c.SAML.IdPCertFile == "" {
		return fmt.Errorf("AUTHGATE_SAML_IDP_CERT_FILE is required outside development")
	}
	if c.DevIdPEnabled {
		return fmt.Errorf("AUTHGATE_DEV_IDP must not be enabled outside development")
	}
	if c.Federation.Enabled && (c.Federation.RoleARN == "" || c.Federation.PrincipalARN == "") {
		return fmt.Errorf("federation requires AUTHGATE_FEDERATION_ROLE_ARN and AUTHGATE_FEDERATION_PRINCIPAL_ARN")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// ACSURL is the assertion consumer service endpoint published in metadata.
func (c Config) ACSURL() string {
	return c.BaseURL + "/auth/callback"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return strings.ToLower(value) == "true" || value == "1"
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// Bare numbers are read as seconds.
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}
