// Package config loads the process-lifetime configuration surface of spec
// §6.4 from the environment, overlaying an embedded set of tuning
// defaults. Unlike a live-reloadable config, this is read once at startup.
// Load fails when DB_DRIVER is not postgres, a numeric or date setting does
// not parse, or no outbox DSN can be built; other unset values fall back to
// their defaults or to empty strings, and an unparseable boolean falls back
// to its default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "embed"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type tuningDefaults struct {
	MotoristaSyncIntervalSeconds  int    `yaml:"motorista_sync_interval_seconds"`
	MotoristaSyncBatchSize        int    `yaml:"motorista_sync_batch_size"`
	AfastamentoSyncIntervalSeconds int   `yaml:"afastamento_sync_interval_seconds"`
	AfastamentoSyncBatchSize      int    `yaml:"afastamento_sync_batch_size"`
	AfastamentoSyncDataInicio     string `yaml:"afastamento_sync_data_inicio"`

	APISyncIntervalSeconds       int `yaml:"api_sync_interval_seconds"`
	APISyncBatchSizeMotoristas   int `yaml:"api_sync_batch_size_motoristas"`
	APISyncBatchSizeAfastamentos int `yaml:"api_sync_batch_size_afastamentos"`
	APISyncMaxTentativas         int `yaml:"api_sync_max_tentativas"`
	APISyncLockTimeoutMinutes    int `yaml:"api_sync_lock_timeout_minutes"`
	APISyncRetryBaseSeconds      int `yaml:"api_sync_retry_base_seconds"`
	APISyncRetryMaxSeconds       int `yaml:"api_sync_retry_max_seconds"`

	APITimeoutSeconds int `yaml:"api_timeout_seconds"`
}

// Database holds the SRC/DST connection configuration (§6.4).
type Database struct {
	Server     string
	User       string
	Password   string
	Driver     string
	Encrypt    bool
	TrustCert  bool
}

// Config is the fully-resolved, immutable configuration for one process.
type Config struct {
	AppEnv             string // "dev" or "prod"; selects SourceDatabase{Dev,Prod}/SourceSchema{Dev,Prod}
	SourceDatabaseDev  string
	SourceDatabaseProd string
	SourceSchemaDev    string
	SourceSchemaProd    string

	TargetDatabase        string
	TargetSchema          string
	TargetMotoristaTable  string
	TargetAfastamentoTable string

	EmployeeTablePrimary      string
	EmployeeDateColumnPrimary string
	EmployeeIDColumnPrimary   string
	EmployeeTableSecondary      string
	EmployeeDateColumnSecondary string
	EmployeeIDColumnSecondary   string

	SRC Database
	DST Database

	APILoginURL           string
	APIBaseURL            string
	APIUser               string
	APIPass               string
	APITimeout            time.Duration
	APIMotoristaEndpoint  string
	APIAfastamentoEndpoint string
	APILoginProbePaths    []string

	MotoristaSyncInterval   time.Duration
	MotoristaSyncBatchSize  int
	AfastamentoSyncInterval time.Duration
	AfastamentoSyncBatchSize int
	AfastamentoSyncDataInicio time.Time

	APISyncInterval           time.Duration
	APIBatchSizeMotoristas    int
	APIBatchSizeAfastamentos  int
	MaxTentativas             int
	LockTimeout               time.Duration
	RetryBaseSeconds          int
	RetryMaxSeconds           int

	ClientRegistryPath   string
	ClientRegistrySecret string

	MetricsAddr string
}

// Load resolves Config from the environment, overlaid on the embedded
// defaults. Returns an error describing the first invalid/missing
// required value; callers must treat that as fatal (§7).
func Load() (*Config, error) {
	var d tuningDefaults
	if err := yaml.Unmarshal(defaultsYAML, &d); err != nil {
		return nil, fmt.Errorf("config: parse embedded defaults: %w", err)
	}

	driver := env("DB_DRIVER", "postgres")
	if driver != "postgres" {
		return nil, fmt.Errorf("config: DB_DRIVER %q not supported (only postgres is implemented)", driver)
	}

	dataInicio, err := time.Parse("2006-01-02", env("AFASTAMENTO_SYNC_DATA_INICIO", d.AfastamentoSyncDataInicio))
	if err != nil {
		return nil, fmt.Errorf("config: AFASTAMENTO_SYNC_DATA_INICIO: %w", err)
	}

	motoristaInterval, err := envIntDefault("MOTORISTA_SYNC_INTERVAL_SECONDS", d.MotoristaSyncIntervalSeconds)
	if err != nil {
		return nil, err
	}
	afastamentoInterval, err := envIntDefault("AFASTAMENTO_SYNC_INTERVAL_SECONDS", d.AfastamentoSyncIntervalSeconds)
	if err != nil {
		return nil, err
	}
	motoristaBatch, err := envIntDefault("MOTORISTA_SYNC_BATCH_SIZE", d.MotoristaSyncBatchSize)
	if err != nil {
		return nil, err
	}
	afastamentoBatch, err := envIntDefault("AFASTAMENTO_SYNC_BATCH_SIZE", d.AfastamentoSyncBatchSize)
	if err != nil {
		return nil, err
	}

	apiSyncInterval, err := envIntDefault("API_SYNC_INTERVAL_SECONDS", d.APISyncIntervalSeconds)
	if err != nil {
		return nil, err
	}
	batchMotoristas, err := envIntDefault("API_SYNC_BATCH_SIZE_MOTORISTAS", d.APISyncBatchSizeMotoristas)
	if err != nil {
		return nil, err
	}
	batchAfastamentos, err := envIntDefault("API_SYNC_BATCH_SIZE_AFASTAMENTOS", d.APISyncBatchSizeAfastamentos)
	if err != nil {
		return nil, err
	}
	maxTentativas, err := envIntDefault("API_SYNC_MAX_TENTATIVAS", d.APISyncMaxTentativas)
	if err != nil {
		return nil, err
	}
	lockTimeoutMinutes, err := envIntDefault("API_SYNC_LOCK_TIMEOUT_MINUTES", d.APISyncLockTimeoutMinutes)
	if err != nil {
		return nil, err
	}
	retryBase, err := envIntDefault("API_SYNC_RETRY_BASE_SECONDS", d.APISyncRetryBaseSeconds)
	if err != nil {
		return nil, err
	}
	retryMax, err := envIntDefault("API_SYNC_RETRY_MAX_SECONDS", d.APISyncRetryMaxSeconds)
	if err != nil {
		return nil, err
	}
	apiTimeout, err := envIntDefault("API_TIMEOUT_SECONDS", d.APITimeoutSeconds)
	if err != nil {
		return nil, err
	}

	var probePaths []string
	if raw := env("API_LOGIN_PROBE_PATHS", ""); raw != "" {
		probePaths = strings.Split(raw, ",")
	}

	cfg := &Config{
		AppEnv:             env("APP_ENV", "prod"),
		SourceDatabaseDev:  env("SOURCE_DATABASE_DEV", ""),
		SourceDatabaseProd: env("SOURCE_DATABASE_PROD", ""),
		SourceSchemaDev:    env("SOURCE_SCHEMA_DEV", "dbo"),
		SourceSchemaProd:   env("SOURCE_SCHEMA_PROD", "dbo"),

		TargetDatabase:         env("TARGET_DATABASE", ""),
		TargetSchema:           env("TARGET_SCHEMA", "public"),
		TargetMotoristaTable:   env("TARGET_MOTORISTA_TABLE", "MotoristaCadastro"),
		TargetAfastamentoTable: env("TARGET_AFASTAMENTO_TABLE", "Afastamento"),

		EmployeeTablePrimary:        env("EMPLOYEE_TABLE_PRIMARY", "motorista_cadastro"),
		EmployeeDateColumnPrimary:   env("EMPLOYEE_DATE_COLUMN_PRIMARY", "data_alteracao"),
		EmployeeIDColumnPrimary:     env("EMPLOYEE_ID_COLUMN_PRIMARY", "id_motorista"),
		EmployeeTableSecondary:      env("EMPLOYEE_TABLE_SECONDARY", "motorista_endereco"),
		EmployeeDateColumnSecondary: env("EMPLOYEE_DATE_COLUMN_SECONDARY", "data_alteracao"),
		EmployeeIDColumnSecondary:   env("EMPLOYEE_ID_COLUMN_SECONDARY", "id_motorista"),

		SRC: Database{
			Server:    env("DB_SERVER", ""),
			User:      env("DB_USER", ""),
			Password:  env("DB_PASSWORD", ""),
			Driver:    driver,
			Encrypt:   envBool("DB_ENCRYPT", true),
			TrustCert: envBool("DB_TRUST_CERT", false),
		},

		APILoginURL:            env("API_LOGIN_URL", ""),
		APIBaseURL:             env("API_BASE_URL", ""),
		APIUser:                env("API_USER", ""),
		APIPass:                env("API_PASS", ""),
		APITimeout:             time.Duration(apiTimeout) * time.Second,
		APIMotoristaEndpoint:   env("API_MOTORISTA_ENDPOINT", ""),
		APIAfastamentoEndpoint: env("API_AFASTAMENTO_ENDPOINT", ""),
		APILoginProbePaths:     probePaths,

		MotoristaSyncInterval:     time.Duration(motoristaInterval) * time.Second,
		MotoristaSyncBatchSize:    motoristaBatch,
		AfastamentoSyncInterval:   time.Duration(afastamentoInterval) * time.Second,
		AfastamentoSyncBatchSize:  afastamentoBatch,
		AfastamentoSyncDataInicio: dataInicio,

		APISyncInterval:          time.Duration(apiSyncInterval) * time.Second,
		APIBatchSizeMotoristas:   batchMotoristas,
		APIBatchSizeAfastamentos: batchAfastamentos,
		MaxTentativas:            maxTentativas,
		LockTimeout:              time.Duration(lockTimeoutMinutes) * time.Minute,
		RetryBaseSeconds:         retryBase,
		RetryMaxSeconds:          retryMax,

		ClientRegistryPath:   env("CLIENT_REGISTRY_PATH", "clientes_api.json"),
		ClientRegistrySecret: env("REGISTRY_SECRET", ""),

		MetricsAddr: env("METRICS_ADDR", ":9090"),
	}

	if cfg.DSTDSN() == "" {
		return nil, fmt.Errorf("config: TARGET_DATABASE/DB_SERVER must resolve to a usable DSN")
	}

	return cfg, nil
}

// DSTDSN builds the pgx DSN for the outbox database from the resolved
// configuration. Exposed as a method rather than a field because it is
// derived, not independently configured.
func (c *Config) DSTDSN() string {
	if c.TargetDatabase == "" || c.SRC.Server == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s", c.SRC.User, c.SRC.Password, c.SRC.Server, c.TargetDatabase)
}

// SRCDSN builds the pgx DSN for the upstream HR database named by
// databaseName (callers pass SourceDatabaseName for the dev/prod choice).
func (c *Config) SRCDSN(databaseName string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s", c.SRC.User, c.SRC.Password, c.SRC.Server, databaseName)
}

// SourceDatabaseName and SourceSchemaName resolve the dev/prod flavor
// selected by AppEnv (§6.4: "Source routing").
func (c *Config) SourceDatabaseName() string {
	if c.AppEnv == "dev" {
		return c.SourceDatabaseDev
	}
	return c.SourceDatabaseProd
}

func (c *Config) SourceSchemaName() string {
	if c.AppEnv == "dev" {
		return c.SourceSchemaDev
	}
	return c.SourceSchemaProd
}

func env(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntDefault(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
