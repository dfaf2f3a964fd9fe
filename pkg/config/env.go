package config

// EnvPrefix is unused by the explicit envconfig tags but keeps Process happy.
const EnvPrefix = "SHELFLEDGER"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv   = "SHELFLEDGER_APP_ENV"
	EnvPort     = "SHELFLEDGER_APP_PORT"
	EnvLogLevel = "SHELFLEDGER_LOG_LEVEL"

	EnvDBDSN      = "SHELFLEDGER_DB_DSN"
	EnvDBHost     = "SHELFLEDGER_DB_HOST"
	EnvDBPort     = "SHELFLEDGER_DB_PORT"
	EnvDBUser     = "SHELFLEDGER_DB_USER"
	EnvDBPassword = "SHELFLEDGER_DB_PASSWORD"
	EnvDBName     = "SHELFLEDGER_DB_NAME"
	EnvDBSSLMode  = "SHELFLEDGER_DB_SSLMODE"

	EnvRedisURL = "SHELFLEDGER_REDIS_URL"

	EnvBorrowMaxAttempts = "SHELFLEDGER_BORROW_MAX_ATTEMPTS"
	EnvBorrowMaxBatch    = "SHELFLEDGER_BORROW_MAX_BATCH"
	EnvBorrowIsolation   = "SHELFLEDGER_BORROW_ISOLATION"

	EnvGCPProjectID     = "SHELFLEDGER_GCP_PROJECT_ID"
	EnvPubSubLoansTopic = "SHELFLEDGER_PUBSUB_LOANS_TOPIC"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
