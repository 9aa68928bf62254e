package config

import "time"

const (
	// DefaultConfigPath is used when --config is not provided.
	DefaultConfigPath = "config.yml"
	defaultPort       = 2333
	defaultEnv        = "development"
	defaultDBHost     = "127.0.0.1"
	defaultDBPort     = 3306
	defaultDBUser     = "root"
	defaultDBPassword = "password"
	defaultDBName     = "newsletter"
	defaultDBCharset  = "utf8mb4"
	defaultDBLoc      = "Local"
	defaultRedisHost  = "localhost"
	defaultRedisPort  = 6379
	defaultRedisDB    = 0
	defaultSiteName   = "Newsletter"

	defaultLinkTTL          = 7 * 24 * time.Hour
	defaultNonceRetention   = 7 * 24 * time.Hour
	defaultDigestInterval   = 15 * time.Minute
	defaultToleranceMinutes = 15
	defaultArticleLimit     = 5
	maxArticleLimit         = 20
	defaultConcurrency      = 4
	defaultMailTimeout      = 10 * time.Second
	defaultSMTPPort         = 465
)

// Nonce store backends.
const (
	NonceStoreDatabase = "database"
	NonceStoreRedis    = "redis"
	NonceStoreMemory   = "memory"
)
