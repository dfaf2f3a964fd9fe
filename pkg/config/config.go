package config

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Borrowing    BorrowingConfig
	FeatureFlags FeatureFlagsConfig
	Cron         CronConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string   `envconfig:"SHELFLEDGER_APP_ENV" required:"true"`
	Port         string   `envconfig:"SHELFLEDGER_APP_PORT" required:"true"`
	LogLevel     string   `envconfig:"SHELFLEDGER_LOG_LEVEL" default:"info"`
	LogWarnStack bool     `envconfig:"SHELFLEDGER_LOG_WARN_STACK" default:"false"`
	LogFormat    string   `envconfig:"SHELFLEDGER_LOG_FORMAT" default:"json"`
	// CORSOrigins is a comma separated allow-list; empty keeps the local development hosts.
	CORSOrigins  []string `envconfig:"SHELFLEDGER_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"SHELFLEDGER_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"SHELFLEDGER_DB_DSN"`
	Driver string `envconfig:"SHELFLEDGER_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"SHELFLEDGER_DB_HOST"`
	LegacyPort     int    `envconfig:"SHELFLEDGER_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"SHELFLEDGER_DB_USER"`
	LegacyPassword string `envconfig:"SHELFLEDGER_DB_PASSWORD"`
	LegacyName     string `envconfig:"SHELFLEDGER_DB_NAME"`
	LegacySSLMode  string `envconfig:"SHELFLEDGER_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"SHELFLEDGER_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"SHELFLEDGER_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"SHELFLEDGER_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"SHELFLEDGER_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	// LockTimeout bounds how long a borrow waits on a book row lock; 0 leaves the server default.
	LockTimeout time.Duration `envconfig:"SHELFLEDGER_DB_LOCK_TIMEOUT" default:"5s"`
}

type RedisConfig struct {
	URL          string        `envconfig:"SHELFLEDGER_REDIS_URL" required:"true"`
	Address      string        `envconfig:"SHELFLEDGER_REDIS_ADDR"`
	Password     string        `envconfig:"SHELFLEDGER_REDIS_PASSWORD"`
	DB           int           `envconfig:"SHELFLEDGER_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"SHELFLEDGER_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"SHELFLEDGER_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"SHELFLEDGER_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"SHELFLEDGER_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"SHELFLEDGER_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// BorrowingConfig tunes the borrow coordinator.
type BorrowingConfig struct {
	MaxAttempts     int           `envconfig:"SHELFLEDGER_BORROW_MAX_ATTEMPTS" default:"3"`
	RetryBaseDelay  time.Duration `envconfig:"SHELFLEDGER_BORROW_RETRY_BASE_DELAY" default:"25ms"`
	MaxBatchSize    int           `envconfig:"SHELFLEDGER_BORROW_MAX_BATCH" default:"20"`
	DefaultLoanDays int           `envconfig:"SHELFLEDGER_BORROW_DEFAULT_LOAN_DAYS" default:"14"`
	Isolation       string        `envconfig:"SHELFLEDGER_BORROW_ISOLATION" default:"serializable"`
}

// DefaultLoanPeriod returns the loan length applied when a request carries no due date.
func (b BorrowingConfig) DefaultLoanPeriod() time.Duration {
	if b.DefaultLoanDays <= 0 {
		return 0
	}
	return time.Duration(b.DefaultLoanDays) * 24 * time.Hour
}

// IsolationLevel maps the configured isolation name onto database/sql levels.
func (b BorrowingConfig) IsolationLevel() sql.IsolationLevel {
	switch strings.ToLower(strings.TrimSpace(b.Isolation)) {
	case "read_committed", "read-committed":
		return sql.LevelReadCommitted
	case "repeatable_read", "repeatable-read":
		return sql.LevelRepeatableRead
	case "default":
		return sql.LevelDefault
	default:
		return sql.LevelSerializable
	}
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"SHELFLEDGER_AUTO_MIGRATE" default:"false"`
}

type CronConfig struct {
	Interval            time.Duration `envconfig:"SHELFLEDGER_CRON_INTERVAL" default:"1h"`
	OverdueBatch        int           `envconfig:"SHELFLEDGER_CRON_OVERDUE_BATCH" default:"200"`
	OutboxRetentionDays int           `envconfig:"SHELFLEDGER_CRON_OUTBOX_RETENTION_DAYS" default:"30"`
	LockTTL             time.Duration `envconfig:"SHELFLEDGER_CRON_LOCK_TTL" default:"55m"`
	MetricsListen       string        `envconfig:"SHELFLEDGER_CRON_METRICS_ADDR" default:":9091"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"SHELFLEDGER_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	LoansTopic string `envconfig:"SHELFLEDGER_PUBSUB_LOANS_TOPIC" default:"shelfledger-loan-events"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"SHELFLEDGER_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"SHELFLEDGER_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"SHELFLEDGER_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
