package config

import (
	"strings"
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:    AppConfig{Env: "local", Port: 8080, PublicBaseURL: "http://localhost:8080"},
		DB:     DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "survey"},
		Redis:  RedisConfig{Host: "localhost", Port: 6379},
		Auth:   AuthConfig{JWTSecret: "secret"},
		Twilio: TwilioConfig{Provider: ProviderFake, CallerID: "+390000000000"},
		OpenAI: OpenAIConfig{APIKey: "sk-test"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"APP_ENV", "DB_HOST", "JWT_SECRET", "TWILIO_ACCOUNT_SID", "OPENAI_API_KEY"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in aggregated error, got %v", want, err)
		}
	}
}

func TestValidate_ProductionRequiresSSLModeAndRealProvider(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.App.PublicBaseURL = "https://survey.example.com"
	c.Auth.JWTIssuer = "idp"
	c.Auth.JWTAudience = "surveyd"

	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE and with fake provider")
	}
	if !strings.Contains(err.Error(), "DB_SSLMODE") || !strings.Contains(err.Error(), "fake") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_ProductionRequiresHTTPSCallbacks(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.DB.SSLMode = "require"
	c.Auth.JWTIssuer = "idp"
	c.Auth.JWTAudience = "surveyd"
	c.Twilio = TwilioConfig{Provider: ProviderTwilio, AccountSID: "AC1", AuthToken: "tok", CallerID: "+39000"}

	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "https") {
		t.Fatalf("expected https error, got %v", err)
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Scheduler.Interval != time.Minute || c.Scheduler.MaxConcurrentCalls != 10 {
		t.Fatalf("unexpected scheduler defaults: %+v", c.Scheduler)
	}
	if c.Dialogue.RefusalGrace != 10*time.Second || c.Dialogue.EngineTimeout != 8*time.Second {
		t.Fatalf("unexpected dialogue defaults: %+v", c.Dialogue)
	}
	if c.OpenAI.Model == "" || c.Events.Stream == "" {
		t.Fatalf("expected openai model and stream defaults")
	}
}

func TestValidate_StaleAfterMustExceedInterval(t *testing.T) {
	c := validLocal()
	c.Scheduler.Interval = time.Minute
	c.Scheduler.StaleAfter = 30 * time.Second
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "STALE_AFTER") {
		t.Fatalf("expected STALE_AFTER error, got %v", err)
	}
}

func TestLoad_ParsesEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("PUBLIC_BASE_URL", "https://cb.example.com/")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_USER", "u")
	t.Setenv("DB_NAME", "n")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("TELEPHONY_PROVIDER", "fake")
	t.Setenv("TWILIO_CALLER_ID", "+15550000000")
	t.Setenv("OPENAI_API_KEY", "k")
	t.Setenv("SCHEDULER_INTERVAL", "30s")
	t.Setenv("MAX_CONCURRENT_CALLS", "3")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.App.Port != 9090 || c.DB.Port != 5432 || c.Redis.Port != 6379 {
		t.Fatalf("unexpected ports: %d %d %d", c.App.Port, c.DB.Port, c.Redis.Port)
	}
	if c.App.PublicBaseURL != "https://cb.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", c.App.PublicBaseURL)
	}
	if c.Scheduler.Interval != 30*time.Second || c.Scheduler.MaxConcurrentCalls != 3 {
		t.Fatalf("unexpected scheduler config: %+v", c.Scheduler)
	}
}

func TestLoad_ReportsParseErrors(t *testing.T) {
	t.Setenv("APP_PORT", "eighty")
	t.Setenv("SCHEDULER_INTERVAL", "soon")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected parse errors")
	}
	if !strings.Contains(err.Error(), "APP_PORT") || !strings.Contains(err.Error(), "SCHEDULER_INTERVAL") {
		t.Fatalf("expected both parse errors, got %v", err)
	}
}

func TestValidate_DryRunNeedsNoBackends(t *testing.T) {
	c := Config{App: AppConfig{Port: 8080, DryRun: true}}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.App.Env != "local" || c.App.PublicBaseURL != "http://localhost:8080" {
		t.Fatalf("unexpected app defaults: %+v", c.App)
	}
	if c.Twilio.Provider != ProviderFake || c.Twilio.CallerID == "" {
		t.Fatalf("expected fake provider with a caller id, got %+v", c.Twilio)
	}
	if c.UseOpenAI() {
		t.Fatalf("expected keyword engine without an api key")
	}
}

func TestValidate_DryRunForcesFakeProvider(t *testing.T) {
	c := validLocal()
	c.App.DryRun = true
	c.Twilio.Provider = ProviderTwilio
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Twilio.Provider != ProviderFake {
		t.Fatalf("expected fake provider, got %q", c.Twilio.Provider)
	}
}

func TestValidate_DryRunRejectedInProduction(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.App.PublicBaseURL = "https://cb.example.com"
	c.App.DryRun = true
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "dry run") {
		t.Fatalf("expected dry run error, got %v", err)
	}
}
