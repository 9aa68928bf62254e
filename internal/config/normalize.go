package config

import (
	"errors"
	"io"
	"strings"
)

// overrideString replaces *dst when v is non-blank.
func overrideString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

// normalizeRedisRawURL accepts bare host:port and prefixes the redis scheme.
func normalizeRedisRawURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" || strings.Contains(u, "://") {
		return u
	}
	return "redis://" + u
}

func normalizeSiteConfig(cfg, raw SiteConfig) SiteConfig {
	overrideString(&cfg.Name, raw.Name)
	overrideString(&cfg.BaseURL, strings.TrimRight(strings.TrimSpace(raw.BaseURL), "/"))
	overrideString(&cfg.WebURL, strings.TrimRight(strings.TrimSpace(raw.WebURL), "/"))
	return cfg
}

// normalizeOrigins drops blanks and trailing slashes so origins compare
// equal to the browser's Origin header.
func normalizeOrigins(origins []string) []string {
	var out []string
	for _, o := range origins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func normalizeEnv(env string) string {
	env = strings.ToLower(strings.TrimSpace(env))
	if env == "" {
		env = defaultEnv
	}
	return env
}

func isEmptyDocument(err error) bool {
	return errors.Is(err, io.EOF)
}
