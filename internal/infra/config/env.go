package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// lookupFunc matches os.LookupEnv.
type lookupFunc func(string) (string, bool)

// applyEnv overlays environment variables onto values read from YAML.
func (c *AppConfig) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	seconds := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return fmt.Errorf("%s: expected positive integer seconds, got %q", key, v)
		}
		*dst = time.Duration(n) * time.Second
		return nil
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return fmt.Errorf("%s: expected positive integer, got %q", key, v)
		}
		*dst = n
		return nil
	}

	var env string
	str("RUNTIME_ENV", &env)
	if env != "" {
		c.Environment = Environment(env)
	}

	str("QUEUE_DRIVER", &c.Queue.Driver)
	str("Q_URL", &c.Queue.URL)
	str("NATS_URL", &c.Queue.NATSURL)

	str("ENGINE_DRIVER", &c.Engine.Driver)
	str("SENZING_ENGINE_CONFIGURATION_JSON", &c.Engine.SettingsJSON)

	var mode string
	str("EXPORT_MODE", &mode)
	if mode != "" {
		c.Export.Mode = ExportMode(mode)
	}
	str("S3_BUCKET_NAME", &c.Export.Bucket)
	str("FOLDER_NAME", &c.Export.Folder)

	str("AWS_REGION", &c.AWS.Region)
	str("AWS_ENDPOINT_URL", &c.AWS.EndpointURL)

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)

	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)

	if err := seconds("SZ_CALL_TIMEOUT_SECONDS", &c.Engine.CallTimeout); err != nil {
		return err
	}
	if err := seconds("WAIT_SECONDS", &c.Redo.PollInterval); err != nil {
		return err
	}
	if err := seconds("REDO_RETRY_SECONDS", &c.Redo.RetryInterval); err != nil {
		return err
	}
	if err := integer("MAX_REDO_ATTEMPTS", &c.Redo.MaxAttempts); err != nil {
		return err
	}
	var partSize int
	if err := integer("PART_SIZE_BYTES", &partSize); err != nil {
		return err
	}
	if partSize > 0 {
		c.Export.PartSizeBytes = int64(partSize)
	}

	if v, ok := lookup("DATABASE_URL"); ok && strings.TrimSpace(v) != "" {
		c.Database.DSN = strings.TrimSpace(v)
	} else if host, ok := lookup("PGHOST"); ok && strings.TrimSpace(host) != "" {
		get := func(key string) string {
			v, _ := lookup(key)
			return strings.TrimSpace(v)
		}
		c.Database.DSN = BuildDSN(get("PGHOST"), get("PGPORT"), get("PGUSER"), get("PGPASSWORD"), get("PGDATABASE"))
	}
	return nil
}
