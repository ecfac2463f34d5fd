// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultCallTimeout     = 420 * time.Second
	defaultWaitTime        = 20 * time.Second
	defaultPollInterval    = 10 * time.Second
	defaultMaxRedoAttempts = 20
	defaultFolder          = "exporter-outputs"
	defaultPartSize        = 10 * 1024 * 1024
	minPartSize            = 5 * 1024 * 1024
	defaultDatabaseName    = "sqs_entity_resolution"
)

// QueueConfig selects and configures the message transport.
type QueueConfig struct {
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	NATSURL         string        `yaml:"natsUrl"`
	Stream          string        `yaml:"stream"`
	Subject         string        `yaml:"subject"`
	Durable         string        `yaml:"durable"`
	MaxDeliver      int           `yaml:"maxDeliver"`
	WaitTime        time.Duration `yaml:"waitTime"`
	MaxPollFailures int           `yaml:"maxPollFailures"`
}

func (c *QueueConfig) applyDefaults() {
	c.Driver = normalizeName(c.Driver)
	if c.Driver == "" {
		c.Driver = QueueDriverSQS
	}
	c.URL = strings.TrimSpace(c.URL)
	c.NATSURL = strings.TrimSpace(c.NATSURL)
	if c.Stream == "" {
		c.Stream = "ENTITY_RECORDS"
	}
	if c.Subject == "" {
		c.Subject = "entity.records"
	}
	if c.Durable == "" {
		c.Durable = "entity-consumer"
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.WaitTime <= 0 {
		c.WaitTime = defaultWaitTime
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = 10
	}
}

func (c QueueConfig) validate() error {
	switch c.Driver {
	case QueueDriverSQS:
		if c.URL == "" {
			return fmt.Errorf("url required for sqs driver (Q_URL)")
		}
	case QueueDriverNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("natsUrl required for nats driver (NATS_URL)")
		}
	default:
		return fmt.Errorf("driver must be one of sqs, nats")
	}
	if c.WaitTime > 20*time.Second && c.Driver == QueueDriverSQS {
		return fmt.Errorf("waitTime must be <= 20s for sqs")
	}
	return nil
}

// EngineConfig selects the resolution engine binding.
type EngineConfig struct {
	Driver       string        `yaml:"driver"`
	InstanceName string        `yaml:"instanceName"`
	SettingsJSON string        `yaml:"settingsJson"`
	CallTimeout  time.Duration `yaml:"callTimeout"`
}

func (c *EngineConfig) applyDefaults() {
	c.Driver = normalizeName(c.Driver)
	if c.Driver == "" {
		c.Driver = "memory"
	}
	if c.InstanceName == "" {
		c.InstanceName = "sqs-entity-resolution"
	}
	c.SettingsJSON = strings.TrimSpace(c.SettingsJSON)
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
}

func (c EngineConfig) validate() error {
	if c.Driver != "memory" && c.SettingsJSON == "" {
		return fmt.Errorf("settingsJson required for driver %q (SENZING_ENGINE_CONFIGURATION_JSON)", c.Driver)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("callTimeout must be >0")
	}
	return nil
}

// RedoConfig controls the redo processor loop.
type RedoConfig struct {
	PollInterval       time.Duration `yaml:"pollInterval"`
	RetryInterval      time.Duration `yaml:"retryInterval"`
	MaxAttempts        int           `yaml:"maxAttempts"`
	DeadLetterCapacity int           `yaml:"deadLetterCapacity"`
}

func (c *RedoConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = c.PollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxRedoAttempts
	}
	if c.DeadLetterCapacity <= 0 {
		c.DeadLetterCapacity = 256
	}
}

// ExportConfig controls exporter runs and artifact placement.
type ExportConfig struct {
	Mode          ExportMode `yaml:"mode"`
	Bucket        string     `yaml:"bucket"`
	Folder        string     `yaml:"folder"`
	PartSizeBytes int64      `yaml:"partSizeBytes"`
}

func (c *ExportConfig) applyDefaults() {
	c.Mode = ExportMode(normalizeName(string(c.Mode)))
	if c.Mode == "" {
		c.Mode = ExportDelta
	}
	c.Bucket = strings.TrimSpace(c.Bucket)
	c.Folder = strings.Trim(strings.TrimSpace(c.Folder), "/")
	if c.Folder == "" {
		c.Folder = defaultFolder
	}
	if c.PartSizeBytes <= 0 {
		c.PartSizeBytes = defaultPartSize
	}
}

func (c ExportConfig) validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("mode must be one of full, delta")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket required (S3_BUCKET_NAME)")
	}
	if c.PartSizeBytes < minPartSize {
		return fmt.Errorf("partSizeBytes must be >= %d", minPartSize)
	}
	return nil
}

// AWSConfig holds the settings shared by the SQS and S3 clients.
type AWSConfig struct {
	Region      string `yaml:"region"`
	EndpointURL string `yaml:"endpointUrl"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *LoggingConfig) applyDefaults() {
	c.Level = normalizeName(c.Level)
	if c.Level == "" {
		c.Level = "info"
	}
	c.Format = normalizeName(c.Format)
	if c.Format == "" {
		c.Format = "json"
	}
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/" + defaultDatabaseName
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// BuildDSN assembles a PostgreSQL URL from libpq-style connection parts.
func BuildDSN(host, port, user, password, database string) string {
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "5432"
	}
	if database == "" {
		database = defaultDatabaseName
	}
	u := url.URL{
		Scheme: "postgresql",
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + database,
	}
	switch {
	case user != "" && password != "":
		u.User = url.UserPassword(user, password)
	case user != "":
		u.User = url.User(user)
	}
	return u.String()
}

// AppConfig is the configuration shared by the consumer, redoer and exporter binaries.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Queue       QueueConfig     `yaml:"queue"`
	Engine      EngineConfig    `yaml:"engine"`
	Redo        RedoConfig      `yaml:"redo"`
	Export      ExportConfig    `yaml:"export"`
	AWS         AWSConfig       `yaml:"aws"`
	Database    DatabaseConfig  `yaml:"database"`
	Logging     LoggingConfig   `yaml:"logging"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Load reads an AppConfig from the provided YAML file, applies environment
// overrides and defaults, and validates the shared sections.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(cfg)
}

// LoadOrDefault behaves like Load but falls back to an empty file when
// configPath is blank or does not exist, so environment variables alone suffice.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return finish(AppConfig{})
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return finish(AppConfig{})
	}
	return cfg, err
}

func finish(cfg AppConfig) (AppConfig, error) {
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return AppConfig{}, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(normalizeName(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvUnknown
	}
	c.AWS.Region = strings.TrimSpace(c.AWS.Region)
	c.AWS.EndpointURL = strings.TrimSpace(c.AWS.EndpointURL)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	c.Queue.applyDefaults()
	c.Engine.applyDefaults()
	c.Redo.applyDefaults()
	c.Export.applyDefaults()
	c.Logging.applyDefaults()
	c.Database.applyDefaults()
}

// Validate performs semantic validation on the sections every binary needs.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd, EnvUnknown:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be json or console")
	}
	if err := c.Engine.validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}

// ValidateConsumer checks the settings the consumer binary requires.
func (c AppConfig) ValidateConsumer() error {
	if err := c.Queue.validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

// ValidateRedoer checks the settings the redoer binary requires.
func (c AppConfig) ValidateRedoer() error {
	if c.Redo.MaxAttempts <= 0 {
		return fmt.Errorf("redo: maxAttempts must be >0")
	}
	if c.Redo.PollInterval <= 0 {
		return fmt.Errorf("redo: pollInterval must be >0")
	}
	return nil
}

// ValidateExporter checks the settings the exporter binary requires.
func (c AppConfig) ValidateExporter() error {
	if err := c.Export.validate(); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if c.Export.Mode == ExportDelta {
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
