package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	ucwa "github.com/ggoodman/ucwa-go"
)

// ucwactl config.toml key mapping to client settings.
type fileConfig struct {
	Domain        string   `toml:"domain"`
	Username      string   `toml:"username"`
	Password      string   `toml:"password"`
	ConferenceURI string   `toml:"conference_uri"`
	UserAgent     string   `toml:"user_agent"`
	Culture       string   `toml:"culture"`
	RedisAddr     string   `toml:"redis_addr"`
	RedisPrefix   string   `toml:"redis_prefix"`
	RehomeTimeout string   `toml:"rehome_timeout"`
	Subscribe     []string `toml:"subscribe"`
	MetricsAddr   string   `toml:"metrics_addr"`

	Events struct {
		Low      int `toml:"low"`
		Medium   int `toml:"medium"`
		Priority int `toml:"priority"`
		Timeout  int `toml:"timeout"`
	} `toml:"events"`
}

// settings is everything run needs after env, file and flags are merged.
type settings struct {
	Client      ucwa.Config
	Subscribe   []string
	MetricsAddr string
}

// loadFileConfig overlays the keys defined in path onto s.
func loadFileConfig(path string, s *settings) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load ucwactl config: %w", err)
	}

	cfg := &s.Client
	if meta.IsDefined("domain") {
		cfg.Domain = strings.TrimSpace(raw.Domain)
	}
	if meta.IsDefined("username") {
		cfg.Username = strings.TrimSpace(raw.Username)
	}
	if meta.IsDefined("password") {
		cfg.Password = raw.Password
	}
	if meta.IsDefined("conference_uri") {
		cfg.ConferenceURI = strings.TrimSpace(raw.ConferenceURI)
	}
	if meta.IsDefined("user_agent") {
		cfg.UserAgent = strings.TrimSpace(raw.UserAgent)
	}
	if meta.IsDefined("culture") {
		cfg.Culture = strings.TrimSpace(raw.Culture)
	}
	if meta.IsDefined("redis_addr") {
		cfg.RedisAddr = strings.TrimSpace(raw.RedisAddr)
	}
	if meta.IsDefined("redis_prefix") {
		cfg.RedisPrefix = raw.RedisPrefix
	}
	if meta.IsDefined("rehome_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RehomeTimeout))
		if err != nil {
			return fmt.Errorf("load ucwactl config: rehome_timeout: %w", err)
		}
		cfg.RehomeTimeout = d
	}
	if meta.IsDefined("events", "low") {
		cfg.EventsLow = raw.Events.Low
	}
	if meta.IsDefined("events", "medium") {
		cfg.EventsMedium = raw.Events.Medium
	}
	if meta.IsDefined("events", "priority") {
		cfg.EventsPriority = raw.Events.Priority
	}
	if meta.IsDefined("events", "timeout") {
		cfg.EventsTimeout = raw.Events.Timeout
	}
	if meta.IsDefined("subscribe") {
		s.Subscribe = raw.Subscribe
	}
	if meta.IsDefined("metrics_addr") {
		s.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	return nil
}
