package ucwa

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/ucwa-go/events"
	"github.com/joeshaw/envdecode"
)

// Config describes one signed-in client. Defaults can be loaded via
// envdecode.
type Config struct {
	// Domain is the sign-in domain used for discovery. ENV: UCWA_DOMAIN
	// When empty it is taken from Username.
	Domain string `env:"UCWA_DOMAIN"`
	// Username and Password enable the password grant. ENV: UCWA_USERNAME, UCWA_PASSWORD
	Username string `env:"UCWA_USERNAME"`
	Password string `env:"UCWA_PASSWORD"`
	// ConferenceURI enables the anonymous meeting grant. Either a conference
	// URI or a meeting join URL. ENV: UCWA_CONFERENCE_URI
	ConferenceURI string `env:"UCWA_CONFERENCE_URI"`

	// UserAgent and Culture describe the application. ENV: UCWA_USER_AGENT, UCWA_CULTURE
	UserAgent string `env:"UCWA_USER_AGENT,default=ucwa-go"`
	Culture   string `env:"UCWA_CULTURE,default=en-US"`

	// RedisAddr selects the Redis cache backend when set. ENV: UCWA_REDIS_ADDR
	RedisAddr string `env:"UCWA_REDIS_ADDR"`
	// RedisPrefix namespaces cache keys. ENV: UCWA_REDIS_PREFIX
	RedisPrefix string `env:"UCWA_REDIS_PREFIX,default=ucwa:cache:"`

	// Event channel poll tuning. Zero leaves a parameter off the poll URL.
	// ENV: UCWA_EVENTS_LOW, UCWA_EVENTS_MEDIUM, UCWA_EVENTS_PRIORITY, UCWA_EVENTS_TIMEOUT
	EventsLow      int `env:"UCWA_EVENTS_LOW"`
	EventsMedium   int `env:"UCWA_EVENTS_MEDIUM"`
	EventsPriority int `env:"UCWA_EVENTS_PRIORITY"`
	EventsTimeout  int `env:"UCWA_EVENTS_TIMEOUT"`

	// RehomeTimeout bounds each endpoint switch. ENV: UCWA_REHOME_TIMEOUT
	RehomeTimeout time.Duration `env:"UCWA_REHOME_TIMEOUT,default=10s"`
}

// ConfigFromEnv decodes a Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// PollOptions returns the event channel tuning.
func (c Config) PollOptions() events.PollOptions {
	return events.PollOptions{
		Low:      c.EventsLow,
		Medium:   c.EventsMedium,
		Priority: c.EventsPriority,
		Timeout:  c.EventsTimeout,
	}
}

// SignInDomain returns Domain, or the domain part of Username.
func (c Config) SignInDomain() string {
	if c.Domain != "" {
		return c.Domain
	}
	if i := strings.LastIndexByte(c.Username, '@'); i >= 0 {
		return c.Username[i+1:]
	}
	return ""
}

// Validate reports configuration that cannot work.
func (c Config) Validate() error {
	if c.SignInDomain() == "" {
		return errors.New("config: a domain or a username of the form user@domain is required")
	}
	if (c.Username == "") != (c.Password == "") {
		return errors.New("config: username and password must be set together")
	}
	return nil
}
