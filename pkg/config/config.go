package config

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/apec-labs/apec-certs-go/pkg/merkle"
)

// Environment variable names for the certificate proof server
const (
	EnvPort            = "APEC_PORT"
	EnvLeafOrder       = "APEC_LEAF_ORDER"
	EnvMaxConcurrency  = "APEC_MAX_CONCURRENCY"
	EnvRateLimit       = "APEC_RATE_LIMIT"
	EnvRateBurst       = "APEC_RATE_BURST"
	EnvPostgresURL     = "APEC_POSTGRES_URL"
	EnvPersistenceType = "APEC_PERSISTENCE_TYPE"
	EnvBadgerPath      = "APEC_BADGER_PATH"
	EnvRedisAddress    = "APEC_REDIS_ADDRESS"
	EnvRedisPassword   = "APEC_REDIS_PASSWORD"
	EnvRedisDB         = "APEC_REDIS_DB"
	EnvRedisKeyPrefix  = "APEC_REDIS_KEY_PREFIX"
	EnvVerbose         = "APEC_VERBOSE"
)

type PersistenceType string

func (p PersistenceType) String() string {
	return string(p)
}

const (
	PersistenceTypeMemory PersistenceType = "memory"
	PersistenceTypeBadger PersistenceType = "badger"
	PersistenceTypeRedis  PersistenceType = "redis"
)

// SupportedPersistenceTypes returns the accepted persistence backends, for CLI help
func SupportedPersistenceTypes() []string {
	return []string{
		PersistenceTypeMemory.String(),
		PersistenceTypeBadger.String(),
		PersistenceTypeRedis.String(),
	}
}

const (
	DefaultPort           = 8080
	DefaultMaxConcurrency = 8
	DefaultRateLimit      = 50.0
	DefaultRateBurst      = 100
	DefaultBadgerPath     = "./data/commitments"
)

// PersistenceConfig selects and configures the commitment store.
type PersistenceConfig struct {
	Type PersistenceType `json:"type" yaml:"type"`

	// BadgerPath is the data directory, required for badger
	BadgerPath string `json:"badgerPath" yaml:"badgerPath"`

	RedisAddress   string `json:"redisAddress" yaml:"redisAddress"`
	RedisPassword  string `json:"-" yaml:"-"`
	RedisDB        int    `json:"redisDB" yaml:"redisDB"`
	RedisKeyPrefix string `json:"redisKeyPrefix" yaml:"redisKeyPrefix"`
}

func (pc *PersistenceConfig) validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList

	switch pc.Type {
	case PersistenceTypeMemory:
	case PersistenceTypeBadger:
		if strings.TrimSpace(pc.BadgerPath) == "" {
			allErrors = append(allErrors, field.Required(path.Child("badgerPath"), "badgerPath is required for badger persistence"))
		}
	case PersistenceTypeRedis:
		if pc.RedisAddress == "" {
			allErrors = append(allErrors, field.Required(path.Child("redisAddress"), "redisAddress is required for redis persistence"))
		}
		if pc.RedisDB < 0 || pc.RedisDB > 15 {
			allErrors = append(allErrors, field.Invalid(path.Child("redisDB"), pc.RedisDB, "must be between 0-15"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(path.Child("type"), pc.Type, SupportedPersistenceTypes()))
	}

	return allErrors
}

// Validate validates the persistence configuration
func (pc *PersistenceConfig) Validate() error {
	if allErrors := pc.validate(field.NewPath("persistence")); len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

// ServerConfig represents the complete configuration for the proof server
type ServerConfig struct {
	Port int `json:"port" yaml:"port"`

	// LeafOrder applies to newly published commitments
	LeafOrder      merkle.LeafOrder `json:"leafOrder" yaml:"leafOrder"`
	MaxConcurrency int              `json:"maxConcurrency" yaml:"maxConcurrency"`

	// RateLimit is the sustained requests per second; zero disables limiting
	RateLimit float64 `json:"rateLimit" yaml:"rateLimit"`
	RateBurst int     `json:"rateBurst" yaml:"rateBurst"`

	// PostgresURL points at the certificate database. When empty, commitments can
	// only be published with an explicit address list.
	PostgresURL string `json:"-" yaml:"-"`

	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`

	Debug bool `json:"debug" yaml:"debug"`
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	var allErrors field.ErrorList

	if c.Port < 1 || c.Port > 65535 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("port"), c.Port, "must be between 1-65535"))
	}
	if !c.LeafOrder.Valid() {
		allErrors = append(allErrors, field.NotSupported(field.NewPath("leafOrder"), c.LeafOrder,
			[]string{merkle.LeafOrderSorted.String(), merkle.LeafOrderInput.String()}))
	}
	if c.MaxConcurrency < 1 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("maxConcurrency"), c.MaxConcurrency, "must be at least 1"))
	}
	if c.RateLimit < 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("rateLimit"), c.RateLimit, "cannot be negative"))
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("rateBurst"), c.RateBurst, "must be at least 1 when rate limiting is enabled"))
	}
	if c.PostgresURL != "" && !strings.HasPrefix(c.PostgresURL, "postgres://") && !strings.HasPrefix(c.PostgresURL, "postgresql://") {
		allErrors = append(allErrors, field.Invalid(field.NewPath("postgresURL"), "<redacted>", "must be a postgres:// URL"))
	}

	allErrors = append(allErrors, c.Persistence.validate(field.NewPath("persistence"))...)

	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

// Address returns the listen address for the HTTP server.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}
