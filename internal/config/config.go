package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the surveyd process.
// Values come from the environment, optionally seeded from a .env file.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Twilio    TwilioConfig
	OpenAI    OpenAIConfig
	Scheduler SchedulerConfig
	Dialogue  DialogueConfig
	Events    EventsConfig
}

type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
	// PublicBaseURL is the externally reachable origin used in provider
	// callback addresses, e.g. https://survey.example.com.
	PublicBaseURL string
	// DryRun runs the whole pipeline against in-memory storage, the fake
	// telephony provider and the keyword engine. Never allowed in production.
	DryRun bool
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
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
}

// Telephony providers.
const (
	ProviderTwilio = "twilio"
	ProviderFake   = "fake"
)

type TwilioConfig struct {
	Provider   string
	AccountSID string
	AuthToken  string
	// CallerID is the default outbound number; a campaign may override it.
	CallerID string
	// CallTimeout is how long the provider lets the callee's phone ring.
	CallTimeout time.Duration
}

type OpenAIConfig struct {
	APIKey string
	Model  string
}

type SchedulerConfig struct {
	Interval            time.Duration
	BatchSize           int
	MaxConcurrentCalls  int
	StaleAfter          time.Duration
	DispatchConcurrency int
	LeaseKey            string
}

type DialogueConfig struct {
	EngineTimeout time.Duration
	RefusalGrace  time.Duration
	SessionTTL    time.Duration
	// GatherTimeout is how long the provider waits for the callee to start
	// speaking before reporting silence. Whole seconds.
	GatherTimeout time.Duration
}

type EventsConfig struct {
	Stream       string
	StreamMaxLen int64
	PollInterval time.Duration
	// BatchSize bounds how many outbox rows one relay poll claims.
	BatchSize int
}

// Load reads .env (when present) and the environment, then validates.
func Load() (Config, error) { return load(false) }

// LoadDryRun is Load for local dry runs: Postgres, Redis, Twilio and OpenAI
// settings become optional.
func LoadDryRun() (Config, error) { return load(true) }

func load(dryRun bool) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	c := Config{}
	c.App.DryRun = dryRun
	var parseErrs []error
	collect := func(err error) {
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
	}

	c.App.Env = env("APP_ENV")
	c.App.Port = intOr("APP_PORT", 8080, collect)
	c.App.LogLevel = env("LOG_LEVEL")
	c.App.PublicBaseURL = strings.TrimRight(env("PUBLIC_BASE_URL"), "/")

	c.DB.Host = env("DB_HOST")
	c.DB.Port = intOr("DB_PORT", 5432, collect)
	c.DB.User = env("DB_USER")
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = env("DB_NAME")
	c.DB.SSLMode = env("DB_SSLMODE")

	c.Redis.Host = env("REDIS_HOST")
	c.Redis.Port = intOr("REDIS_PORT", 6379, collect)
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = env("JWT_ISSUER")
	c.Auth.JWTAudience = env("JWT_AUDIENCE")

	c.Twilio.Provider = strings.ToLower(env("TELEPHONY_PROVIDER"))
	c.Twilio.AccountSID = env("TWILIO_ACCOUNT_SID")
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.CallerID = env("TWILIO_CALLER_ID")
	c.Twilio.CallTimeout = durationOr("TWILIO_CALL_TIMEOUT", 0, collect)

	c.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	c.OpenAI.Model = env("OPENAI_MODEL")

	c.Scheduler.Interval = durationOr("SCHEDULER_INTERVAL", 0, collect)
	c.Scheduler.BatchSize = intOr("SCHEDULER_BATCH_SIZE", 0, collect)
	c.Scheduler.MaxConcurrentCalls = intOr("MAX_CONCURRENT_CALLS", 0, collect)
	c.Scheduler.StaleAfter = durationOr("STALE_AFTER", 0, collect)
	c.Scheduler.DispatchConcurrency = intOr("DISPATCH_CONCURRENCY", 0, collect)
	c.Scheduler.LeaseKey = env("SCHEDULER_LEASE_KEY")

	c.Dialogue.EngineTimeout = durationOr("ENGINE_TIMEOUT", 0, collect)
	c.Dialogue.RefusalGrace = durationOr("REFUSAL_HANGUP_GRACE", 0, collect)
	c.Dialogue.SessionTTL = durationOr("DIALOGUE_SESSION_TTL", 0, collect)
	c.Dialogue.GatherTimeout = durationOr("GATHER_TIMEOUT", 0, collect)

	c.Events.Stream = env("EVENTS_STREAM")
	c.Events.StreamMaxLen = int64(intOr("EVENTS_STREAM_MAXLEN", 0, collect))
	c.Events.PollInterval = durationOr("EVENTS_POLL_INTERVAL", 0, collect)
	c.Events.BatchSize = intOr("EVENTS_BATCH_SIZE", 0, collect)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required settings and fills in defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.DryRun {
		c.applyDryRunDefaults()
	}

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required for provider callbacks"))
	} else if u, err := url.Parse(c.App.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL, got %q", c.App.PublicBaseURL))
	} else if c.IsProduction() && u.Scheme != "https" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL must use https in production"))
	}

	if c.App.DryRun {
		if c.IsProduction() {
			errs = append(errs, errors.New("dry run is not allowed in production"))
		}
	} else {
		errs = append(errs, c.validateStorage()...)
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRET is required"))
		}
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	errs = append(errs, c.validateTelephony()...)
	if c.OpenAI.APIKey == "" && !c.App.DryRun {
		errs = append(errs, errors.New("OPENAI_API_KEY is required: no conversation engine configured"))
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o-mini"
	}

	errs = append(errs, c.applySchedulerDefaults()...)
	c.applyDialogueDefaults()

	if c.Events.Stream == "" {
		c.Events.Stream = "survey-events"
	}
	if c.Events.StreamMaxLen <= 0 {
		c.Events.StreamMaxLen = 100000
	}
	if c.Events.PollInterval <= 0 {
		c.Events.PollInterval = 2 * time.Second
	}
	if c.Events.BatchSize <= 0 {
		c.Events.BatchSize = 50
	}

	return joinErrors(errs)
}

func (c *Config) validateStorage() []error {
	var errs []error
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
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	return errs
}

// applyDryRunDefaults fills what a laptop run leaves unset. The telephony
// provider is always the fake one.
func (c *Config) applyDryRunDefaults() {
	if c.App.Env == "" {
		c.App.Env = "local"
	}
	if c.App.PublicBaseURL == "" {
		c.App.PublicBaseURL = fmt.Sprintf("http://localhost:%d", c.App.Port)
	}
	c.Twilio.Provider = ProviderFake
	if c.Twilio.CallerID == "" {
		c.Twilio.CallerID = "+15550100000"
	}
}

// UseOpenAI reports whether the OpenAI conversation engine is configured.
// Dry runs without a key fall back to keyword matching.
func (c Config) UseOpenAI() bool { return c.OpenAI.APIKey != "" }

func (c *Config) validateTelephony() []error {
	var errs []error
	if c.Twilio.Provider == "" {
		c.Twilio.Provider = ProviderTwilio
	}
	switch c.Twilio.Provider {
	case ProviderTwilio:
		if c.Twilio.AccountSID == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required: no telephony provider configured"))
		}
		if c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required: no telephony provider configured"))
		}
	case ProviderFake:
		if c.IsProduction() {
			errs = append(errs, errors.New("TELEPHONY_PROVIDER=fake is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("TELEPHONY_PROVIDER must be one of twilio, fake, got %q", c.Twilio.Provider))
	}
	if c.Twilio.CallerID == "" {
		errs = append(errs, errors.New("TWILIO_CALLER_ID is required"))
	}
	if c.Twilio.CallTimeout <= 0 {
		c.Twilio.CallTimeout = 30 * time.Second
	}
	return errs
}

func (c *Config) applySchedulerDefaults() []error {
	s := &c.Scheduler
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 50
	}
	if s.MaxConcurrentCalls <= 0 {
		s.MaxConcurrentCalls = 10
	}
	if s.StaleAfter <= 0 {
		s.StaleAfter = 30 * time.Minute
	}
	if s.DispatchConcurrency <= 0 {
		s.DispatchConcurrency = 5
	}
	if s.LeaseKey == "" {
		s.LeaseKey = "surveyd:scheduler:leader"
	}

	var errs []error
	if s.Interval < time.Second {
		errs = append(errs, fmt.Errorf("SCHEDULER_INTERVAL must be at least 1s, got %s", s.Interval))
	}
	if s.StaleAfter <= s.Interval {
		errs = append(errs, errors.New("STALE_AFTER must be greater than SCHEDULER_INTERVAL"))
	}
	return errs
}

func (c *Config) applyDialogueDefaults() {
	d := &c.Dialogue
	if d.EngineTimeout <= 0 {
		d.EngineTimeout = 8 * time.Second
	}
	if d.RefusalGrace <= 0 {
		d.RefusalGrace = 10 * time.Second
	}
	if d.SessionTTL <= 0 {
		d.SessionTTL = time.Hour
	}
	if d.GatherTimeout < time.Second {
		d.GatherTimeout = 5 * time.Second
	}
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

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func intOr(key string, def int, collect func(error)) int {
	v := env(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		collect(fmt.Errorf("%s must be an integer, got %q", key, v))
		return def
	}
	return n
}

func durationOr(key string, def time.Duration, collect func(error)) time.Duration {
	v := env(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		collect(fmt.Errorf("%s must be a duration, got %q", key, v))
		return def
	}
	return d
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
