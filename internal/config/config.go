package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the dialer process.
// All values come from env (optionally seeded from a .env file).
// No business logic should depend on raw environment variables.
type Config struct {
	App    AppConfig
	DB     DBConfig
	Redis  RedisConfig
	Auth   AuthConfig
	Twilio TwilioConfig
	Dialer DialerConfig
	Feed   FeedConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is the externally reachable origin used to build
	// gateway callback URLs, e.g. https://dialer.example.com
	PublicBaseURL string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string

	// API key pair and TwiML app used to mint rep client join tokens.
	APIKeySID     string
	APIKeySecret  string
	TwiMLAppSID   string
	JoinTokenTTL  time.Duration
	ValidateHooks bool
}

// DialerConfig carries the retry and timing policy of the outbound dialer.
type DialerConfig struct {
	MaxDialAttempts      int
	OrphanTimeout        time.Duration
	SweepInterval        time.Duration
	ClaimBatchSize       int
	MaxClaimsPerDispatch int
	OrgPlacementCap      int
	RingTimeout          time.Duration
	HoldMessage          string
}

type FeedConfig struct {
	ChannelPrefix string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present; real env vars win over it.
func Load() (Config, error) {
	_ = godotenv.Load()

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.APIKeySID = strings.TrimSpace(os.Getenv("TWILIO_API_KEY_SID"))
	c.Twilio.APIKeySecret = os.Getenv("TWILIO_API_KEY_SECRET")
	c.Twilio.TwiMLAppSID = strings.TrimSpace(os.Getenv("TWILIO_TWIML_APP_SID"))
	c.Twilio.JoinTokenTTL = mustDuration("TWILIO_JOIN_TOKEN_TTL")
	c.Twilio.ValidateHooks = optionalBool("TWILIO_VALIDATE_SIGNATURES", true)

	c.Dialer.MaxDialAttempts = optionalInt("DIALER_MAX_ATTEMPTS", &parseErrs)
	c.Dialer.OrphanTimeout = mustDuration("DIALER_ORPHAN_TIMEOUT")
	c.Dialer.SweepInterval = mustDuration("DIALER_SWEEP_INTERVAL")
	c.Dialer.ClaimBatchSize = optionalInt("DIALER_CLAIM_BATCH", &parseErrs)
	c.Dialer.MaxClaimsPerDispatch = optionalInt("DIALER_MAX_CLAIMS_PER_DISPATCH", &parseErrs)
	c.Dialer.OrgPlacementCap = optionalInt("DIALER_ORG_PLACEMENT_CAP", &parseErrs)
	c.Dialer.RingTimeout = mustDuration("DIALER_RING_TIMEOUT")
	c.Dialer.HoldMessage = strings.TrimSpace(os.Getenv("DIALER_HOLD_MESSAGE"))

	c.Feed.ChannelPrefix = strings.TrimSpace(os.Getenv("FEED_CHANNEL_PREFIX"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	c = c.WithDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// WithDefaults fills optional values that were left unset.
func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.DB.SSLMode) == "" && !c.IsProduction() {
		c.DB.SSLMode = "disable"
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Twilio.JoinTokenTTL <= 0 {
		c.Twilio.JoinTokenTTL = time.Hour
	}
	c.Dialer = c.Dialer.WithDefaults()
	if c.Feed.ChannelPrefix == "" {
		c.Feed.ChannelPrefix = "dialer:feed"
	}
	return c
}

// WithDefaults fills the dialer policy knobs that were left at zero.
func (d DialerConfig) WithDefaults() DialerConfig {
	if d.MaxDialAttempts <= 0 {
		d.MaxDialAttempts = 3
	}
	if d.OrphanTimeout <= 0 {
		d.OrphanTimeout = 2 * time.Minute
	}
	if d.SweepInterval <= 0 {
		d.SweepInterval = 30 * time.Second
	}
	if d.ClaimBatchSize <= 0 {
		d.ClaimBatchSize = 5
	}
	if d.MaxClaimsPerDispatch <= 0 {
		d.MaxClaimsPerDispatch = 3
	}
	if d.OrgPlacementCap <= 0 {
		d.OrgPlacementCap = 10
	}
	if d.RingTimeout <= 0 {
		d.RingTimeout = 25 * time.Second
	}
	if d.HoldMessage == "" {
		d.HoldMessage = "That representative is on another call. Please hold while we connect you with the next available person."
	}
	return d
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required"))
	} else if !strings.HasPrefix(c.App.PublicBaseURL, "http://") && !strings.HasPrefix(c.App.PublicBaseURL, "https://") {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an http(s) URL, got %q", c.App.PublicBaseURL))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		errs = append(errs, errors.New("DB_SSLMODE is required in production"))
	} else if !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Twilio.AccountSID == "" {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required"))
	}
	if c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required"))
	}
	if c.Twilio.APIKeySID == "" || c.Twilio.APIKeySecret == "" {
		errs = append(errs, errors.New("TWILIO_API_KEY_SID and TWILIO_API_KEY_SECRET are required"))
	}
	if c.Twilio.TwiMLAppSID == "" {
		errs = append(errs, errors.New("TWILIO_TWIML_APP_SID is required"))
	}

	if c.Dialer.MaxDialAttempts < 1 {
		errs = append(errs, fmt.Errorf("DIALER_MAX_ATTEMPTS must be >= 1, got %d", c.Dialer.MaxDialAttempts))
	}
	if c.Dialer.OrphanTimeout <= c.Dialer.RingTimeout {
		errs = append(errs, errors.New("DIALER_ORPHAN_TIMEOUT must be greater than DIALER_RING_TIMEOUT"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// optionalInt returns 0 when unset so defaults apply.
func optionalInt(key string, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return 0
	}
	return n
}

func optionalBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
