package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig holds runtime startup configuration loaded from YAML.
type AppConfig struct {
	Port           int                   `yaml:"port"`
	DSN            string                `yaml:"dsn"` // MySQL DSN
	RedisURL       string                `yaml:"redis_url"`
	Database       DatabaseRuntimeConfig `yaml:"database"`
	Redis          RedisRuntimeConfig    `yaml:"redis"`
	Env            string                `yaml:"env"` // "development" | "production"
	Paths          RuntimePathsConfig    `yaml:"paths"`
	LogRotateKeep  *int                  `yaml:"log_rotate_keep"`
	AllowedOrigins []string              `yaml:"allowed_origins"`
	JWTSecret      string                `yaml:"jwt_secret"`
	Timezone       string                `yaml:"timezone"`
	Capability     CapabilityConfig      `yaml:"capability"`
	Digest         DigestConfig          `yaml:"digest"`
	Site           SiteConfig            `yaml:"site"`
	Mail           MailConfig            `yaml:"mail"`
}

type DatabaseRuntimeConfig struct {
	DSN       string            `yaml:"dsn"`
	Host      string            `yaml:"host"`
	Port      int               `yaml:"port"`
	User      string            `yaml:"user"`
	Password  string            `yaml:"password"`
	Name      string            `yaml:"name"`
	Charset   string            `yaml:"charset"`
	ParseTime bool              `yaml:"parse_time"`
	Loc       string            `yaml:"loc"`
	Params    map[string]string `yaml:"params"`
}

type RedisRuntimeConfig struct {
	URL      string            `yaml:"url"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	DB       int               `yaml:"db"`
	TLS      bool              `yaml:"tls"`
	Scheme   string            `yaml:"scheme"`
	Params   map[string]string `yaml:"params"`
}

type RuntimePathsConfig struct {
	Logs string `yaml:"logs"`
}

// CapabilityConfig configures link signing and single-use enforcement.
type CapabilityConfig struct {
	PrimarySecret     string        `yaml:"primary_secret"`
	AlternateSecret   string        `yaml:"alternate_secret"`
	SignWithAlternate bool          `yaml:"sign_with_alternate"`
	LinkTTL           time.Duration `yaml:"link_ttl"`
	NonceStore        string        `yaml:"nonce_store"`
	NonceRetention    time.Duration `yaml:"nonce_retention"`
}

// DigestConfig configures the digest scheduler and its trigger endpoint.
type DigestConfig struct {
	EnableCron       bool          `yaml:"enable_cron"`
	Interval         time.Duration `yaml:"interval"`
	ToleranceMinutes int           `yaml:"tolerance_minutes"`
	ArticleLimit     int           `yaml:"article_limit"`
	Concurrency      int           `yaml:"concurrency"`
	MailTimeout      time.Duration `yaml:"mail_timeout"`
	OperatorSecret   string        `yaml:"operator_secret"`
	WebhookSecret    string        `yaml:"webhook_secret"`
}

// SiteConfig holds the public URLs links are built against.
type SiteConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"` // API origin, e.g. https://api.example.com/api/v2
	WebURL  string `yaml:"web_url"`  // front-end origin used for redirects
}

type MailConfig struct {
	Enable    bool       `yaml:"enable"`
	From      string     `yaml:"from"`
	ReplyTo   string     `yaml:"reply_to"`
	SMTP      SMTPConfig `yaml:"smtp"`
	ResendKey string     `yaml:"resend_key"`
}

type SMTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
}

type rawAppConfig struct {
	Port               int               `yaml:"port"`
	DSN                string            `yaml:"dsn"`
	DatabaseURL        string            `yaml:"database_url"`
	RedisURL           string            `yaml:"redis_url"`
	Database           rawDatabaseConfig `yaml:"database"`
	Redis              rawRedisConfig    `yaml:"redis"`
	Env                string            `yaml:"env"`
	Paths              rawPathsConfig    `yaml:"paths"`
	LogDir             string            `yaml:"log_dir"`
	LogRotateKeep      *int              `yaml:"log_rotate_keep"`
	AllowedOrigins     []string          `yaml:"allowed_origins"`
	CORSAllowedOrigins []string          `yaml:"cors_allowed_origins"`
	JWTSecret          string            `yaml:"jwt_secret"`
	Timezone           string            `yaml:"timezone"`
	TZ                 string            `yaml:"tz"`
	Capability         rawCapability     `yaml:"capability"`
	Digest             rawDigest         `yaml:"digest"`
	Site               SiteConfig        `yaml:"site"`
	Mail               rawMail           `yaml:"mail"`
}

type rawDatabaseConfig struct {
	DSN       string            `yaml:"dsn"`
	URL       string            `yaml:"url"`
	Host      string            `yaml:"host"`
	Port      int               `yaml:"port"`
	User      string            `yaml:"user"`
	Password  string            `yaml:"password"`
	Name      string            `yaml:"name"`
	Charset   string            `yaml:"charset"`
	ParseTime *bool             `yaml:"parse_time"`
	Loc       string            `yaml:"loc"`
	Params    map[string]string `yaml:"params"`
}

type rawRedisConfig struct {
	URL      string            `yaml:"url"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	DB       *int              `yaml:"db"`
	TLS      *bool             `yaml:"tls"`
	Scheme   string            `yaml:"scheme"`
	Params   map[string]string `yaml:"params"`
}

type rawPathsConfig struct {
	Logs string `yaml:"logs"`
}

type rawCapability struct {
	PrimarySecret     string `yaml:"primary_secret"`
	AlternateSecret   string `yaml:"alternate_secret"`
	SignWithAlternate *bool  `yaml:"sign_with_alternate"`
	LinkTTL           string `yaml:"link_ttl"`
	NonceStore        string `yaml:"nonce_store"`
	NonceRetention    string `yaml:"nonce_retention"`
}

type rawDigest struct {
	EnableCron       *bool  `yaml:"enable_cron"`
	Interval         string `yaml:"interval"`
	ToleranceMinutes *int   `yaml:"tolerance_minutes"`
	ArticleLimit     *int   `yaml:"article_limit"`
	Concurrency      *int   `yaml:"concurrency"`
	MailTimeout      string `yaml:"mail_timeout"`
	OperatorSecret   string `yaml:"operator_secret"`
	WebhookSecret    string `yaml:"webhook_secret"`
}

type rawMail struct {
	Enable    *bool      `yaml:"enable"`
	From      string     `yaml:"from"`
	ReplyTo   string     `yaml:"reply_to"`
	SMTP      SMTPConfig `yaml:"smtp"`
	ResendKey string     `yaml:"resend_key"`
}

func Load(configPath string) (*AppConfig, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		path = DefaultConfigPath
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	cfg, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML content on top of the defaults and validates the result.
func Parse(content []byte) (*AppConfig, error) {
	cfg := defaultAppConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	raw := rawAppConfig{}
	if err := decoder.Decode(&raw); err != nil && !isEmptyDocument(err) {
		return nil, fmt.Errorf("parse: %w", err)
	}

	if err := applyRawAppConfig(&cfg, raw); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d, expected 1-65535", c.Port)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database.port %d, expected 1-65535", c.Database.Port)
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		return fmt.Errorf("invalid redis.port %d, expected 1-65535", c.Redis.Port)
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("invalid redis.db %d, expected >= 0", c.Redis.DB)
	}
	switch c.Capability.NonceStore {
	case NonceStoreDatabase, NonceStoreRedis, NonceStoreMemory:
	default:
		return fmt.Errorf("invalid capability.nonce_store %q, expected database, redis or memory", c.Capability.NonceStore)
	}
	if c.Capability.LinkTTL <= 0 {
		return fmt.Errorf("invalid capability.link_ttl %s, expected > 0", c.Capability.LinkTTL)
	}
	if c.Digest.ToleranceMinutes < 1 || c.Digest.ToleranceMinutes > 60 {
		return fmt.Errorf("invalid digest.tolerance_minutes %d, expected 1-60", c.Digest.ToleranceMinutes)
	}
	if c.Digest.ArticleLimit < 1 || c.Digest.ArticleLimit > maxArticleLimit {
		return fmt.Errorf("invalid digest.article_limit %d, expected 1-%d", c.Digest.ArticleLimit, maxArticleLimit)
	}
	if c.Digest.Concurrency < 1 {
		return fmt.Errorf("invalid digest.concurrency %d, expected >= 1", c.Digest.Concurrency)
	}
	if c.Digest.Interval < time.Minute {
		return fmt.Errorf("invalid digest.interval %s, expected >= 1m", c.Digest.Interval)
	}
	if c.Mail.SMTP.Port < 0 || c.Mail.SMTP.Port > 65535 {
		return fmt.Errorf("invalid mail.smtp.port %d, expected 1-65535", c.Mail.SMTP.Port)
	}
	return nil
}

func defaultAppConfig() AppConfig {
	cfg := AppConfig{
		Port: defaultPort,
		Env:  defaultEnv,
		Database: DatabaseRuntimeConfig{
			Host:      defaultDBHost,
			Port:      defaultDBPort,
			User:      defaultDBUser,
			Password:  defaultDBPassword,
			Name:      defaultDBName,
			Charset:   defaultDBCharset,
			ParseTime: true,
			Loc:       defaultDBLoc,
		},
		Redis: RedisRuntimeConfig{
			Host: defaultRedisHost,
			Port: defaultRedisPort,
			DB:   defaultRedisDB,
		},
		Capability: CapabilityConfig{
			LinkTTL:        defaultLinkTTL,
			NonceStore:     NonceStoreDatabase,
			NonceRetention: defaultNonceRetention,
		},
		Digest: DigestConfig{
			EnableCron:       true,
			Interval:         defaultDigestInterval,
			ToleranceMinutes: defaultToleranceMinutes,
			ArticleLimit:     defaultArticleLimit,
			Concurrency:      defaultConcurrency,
			MailTimeout:      defaultMailTimeout,
		},
		Site: SiteConfig{Name: defaultSiteName},
		Mail: MailConfig{SMTP: SMTPConfig{Port: defaultSMTPPort}},
	}
	cfg.DSN = cfg.Database.DSNValue()
	cfg.RedisURL = cfg.Redis.URLValue()
	return cfg
}

func applyRawAppConfig(cfg *AppConfig, raw rawAppConfig) error {
	if raw.Port != 0 {
		cfg.Port = raw.Port
	}
	cfg.Database = applyRawDatabaseConfig(cfg.Database, raw)
	cfg.Redis = applyRawRedisConfig(cfg.Redis, raw)
	if v := strings.TrimSpace(raw.Env); v != "" {
		cfg.Env = v
	}
	if v := strings.TrimSpace(raw.Paths.Logs); v != "" {
		cfg.Paths.Logs = v
	}
	if v := strings.TrimSpace(raw.LogDir); v != "" {
		cfg.Paths.Logs = v
	}
	if raw.LogRotateKeep != nil {
		v := *raw.LogRotateKeep
		cfg.LogRotateKeep = &v
	}

	switch {
	case raw.AllowedOrigins != nil:
		cfg.AllowedOrigins = normalizeOrigins(raw.AllowedOrigins)
	case raw.CORSAllowedOrigins != nil:
		cfg.AllowedOrigins = normalizeOrigins(raw.CORSAllowedOrigins)
	}

	if v := strings.TrimSpace(raw.JWTSecret); v != "" {
		cfg.JWTSecret = v
	}
	if v := strings.TrimSpace(raw.Timezone); v != "" {
		cfg.Timezone = v
	}
	if v := strings.TrimSpace(raw.TZ); v != "" {
		cfg.Timezone = v
	}

	var err error
	if cfg.Capability, err = applyRawCapability(cfg.Capability, raw.Capability); err != nil {
		return err
	}
	if cfg.Digest, err = applyRawDigest(cfg.Digest, raw.Digest); err != nil {
		return err
	}
	cfg.Site = normalizeSiteConfig(cfg.Site, raw.Site)
	cfg.Mail = applyRawMail(cfg.Mail, raw.Mail)

	cfg.DSN = cfg.Database.DSNValue()
	cfg.RedisURL = cfg.Redis.URLValue()
	cfg.Env = normalizeEnv(cfg.Env)
	return nil
}

func applyRawDatabaseConfig(cfg DatabaseRuntimeConfig, raw rawAppConfig) DatabaseRuntimeConfig {
	// Later aliases win: database.dsn < database.url < dsn < database_url.
	for _, dsn := range []string{raw.Database.DSN, raw.Database.URL, raw.DSN, raw.DatabaseURL} {
		overrideString(&cfg.DSN, dsn)
	}
	db := raw.Database
	overrideString(&cfg.Host, db.Host)
	overrideString(&cfg.User, db.User)
	overrideString(&cfg.Password, db.Password)
	overrideString(&cfg.Name, db.Name)
	overrideString(&cfg.Charset, db.Charset)
	overrideString(&cfg.Loc, db.Loc)
	if db.Port != 0 {
		cfg.Port = db.Port
	}
	if db.ParseTime != nil {
		cfg.ParseTime = *db.ParseTime
	}
	if db.Params != nil {
		cfg.Params = trimmedParams(db.Params)
	}
	return cfg
}

func applyRawRedisConfig(cfg RedisRuntimeConfig, raw rawAppConfig) RedisRuntimeConfig {
	rr := raw.Redis
	overrideString(&cfg.URL, rr.URL)
	overrideString(&cfg.URL, raw.RedisURL)
	overrideString(&cfg.Host, rr.Host)
	overrideString(&cfg.Username, rr.Username)
	overrideString(&cfg.Password, rr.Password)
	overrideString(&cfg.Scheme, rr.Scheme)
	if rr.Port != 0 {
		cfg.Port = rr.Port
	}
	if rr.DB != nil {
		cfg.DB = *rr.DB
	}
	if rr.TLS != nil {
		cfg.TLS = *rr.TLS
	}
	if rr.Params != nil {
		cfg.Params = trimmedParams(rr.Params)
	}
	return cfg
}

func applyRawCapability(cfg CapabilityConfig, raw rawCapability) (CapabilityConfig, error) {
	cfg.PrimarySecret = strings.TrimSpace(raw.PrimarySecret)
	cfg.AlternateSecret = strings.TrimSpace(raw.AlternateSecret)
	if raw.SignWithAlternate != nil {
		cfg.SignWithAlternate = *raw.SignWithAlternate
	}
	if v := strings.ToLower(strings.TrimSpace(raw.NonceStore)); v != "" {
		cfg.NonceStore = v
	}
	var err error
	if cfg.LinkTTL, err = parseDuration("capability.link_ttl", raw.LinkTTL, cfg.LinkTTL); err != nil {
		return cfg, err
	}
	if cfg.NonceRetention, err = parseDuration("capability.nonce_retention", raw.NonceRetention, cfg.NonceRetention); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyRawDigest(cfg DigestConfig, raw rawDigest) (DigestConfig, error) {
	if raw.EnableCron != nil {
		cfg.EnableCron = *raw.EnableCron
	}
	if raw.ToleranceMinutes != nil {
		cfg.ToleranceMinutes = *raw.ToleranceMinutes
	}
	if raw.ArticleLimit != nil {
		cfg.ArticleLimit = *raw.ArticleLimit
	}
	if raw.Concurrency != nil {
		cfg.Concurrency = *raw.Concurrency
	}
	cfg.OperatorSecret = strings.TrimSpace(raw.OperatorSecret)
	cfg.WebhookSecret = strings.TrimSpace(raw.WebhookSecret)

	var err error
	if cfg.Interval, err = parseDuration("digest.interval", raw.Interval, cfg.Interval); err != nil {
		return cfg, err
	}
	if cfg.MailTimeout, err = parseDuration("digest.mail_timeout", raw.MailTimeout, cfg.MailTimeout); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyRawMail(cfg MailConfig, raw rawMail) MailConfig {
	if raw.Enable != nil {
		cfg.Enable = *raw.Enable
	}
	cfg.From = strings.TrimSpace(raw.From)
	cfg.ReplyTo = strings.TrimSpace(raw.ReplyTo)
	cfg.ResendKey = strings.TrimSpace(raw.ResendKey)
	cfg.SMTP.Host = strings.TrimSpace(raw.SMTP.Host)
	cfg.SMTP.User = strings.TrimSpace(raw.SMTP.User)
	cfg.SMTP.Pass = raw.SMTP.Pass
	if raw.SMTP.Port != 0 {
		cfg.SMTP.Port = raw.SMTP.Port
	}
	return cfg
}

func parseDuration(field, raw string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, v, err)
	}
	return d, nil
}

func (c *AppConfig) IsDev() bool {
	return c.Env == "development" || c.Env == "dev"
}

func (c *AppConfig) LogRotateKeepCount() (int, bool) {
	if c.LogRotateKeep == nil {
		return 0, false
	}
	return *c.LogRotateKeep, true
}
