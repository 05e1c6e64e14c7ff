package config

import (
	"fmt"
	"os"
	"strconv"
)

// getEnv returns the value of key or def when unset/empty.
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envString assigns *dst from key when the variable is set.
func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// envInt assigns *dst from key when set; a non-integer value is an error.
func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidValue, key, v)
	}
	*dst = n
	return nil
}

// envBool assigns *dst from key when set; accepts strconv.ParseBool forms.
func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidValue, key, v)
	}
	*dst = b
	return nil
}

// applyEnv overrides the configuration from the documented environment
// variables. It runs last, after defaults and the YAML overlay.
func (c *Config) applyEnv() error {
	intVars := []struct {
		key string
		dst *int
	}{
		{"PORT", &c.Server.Port},
		{"SYSLOG_UDP_PORT", &c.Ingest.Syslog.UDPPort},
		{"SYSLOG_TCP_PORT", &c.Ingest.Syslog.TCPPort},
		{"GELF_UDP_PORT", &c.Ingest.GELF.UDPPort},
		{"GELF_TCP_PORT", &c.Ingest.GELF.TCPPort},
		{"BEATS_PORT", &c.Ingest.Beats.Port},
		{"FLUENT_PORT", &c.Ingest.Fluent.Port},
		{"LOG_RETENTION_DAYS", &c.Retention.RetentionDays},
	}
	for _, v := range intVars {
		if err := envInt(v.key, v.dst); err != nil {
			return err
		}
	}

	boolVars := []struct {
		key string
		dst *bool
	}{
		{"USE_HTTPS", &c.Server.UseHTTPS},
		{"ALLOW_DEV_SECRET", &c.Auth.AllowDevSecret},
		{"SYSLOG_ENABLED", &c.Ingest.Syslog.Enabled},
		{"GELF_ENABLED", &c.Ingest.GELF.Enabled},
		{"BEATS_ENABLED", &c.Ingest.Beats.Enabled},
		{"FLUENT_ENABLED", &c.Ingest.Fluent.Enabled},
		{"MQTT_ENABLED", &c.Ingest.MQTT.Enabled},
		{"FILE_TAIL_ENABLED", &c.Ingest.FileTail.Enabled},
		{"SEARCH_ORDER_INGEST", &c.Search.OrderByIngest},
		{"RDNS_ENABLED", &c.Enrich.RDNSEnabled},
	}
	for _, v := range boolVars {
		if err := envBool(v.key, v.dst); err != nil {
			return err
		}
	}

	envString("SSL_KEY_PATH", &c.Server.SSLKeyPath)
	envString("SSL_CERT_PATH", &c.Server.SSLCertPath)
	envString("TIMEZONE", &c.Server.Timezone)
	envString("ENVIRONMENT", &c.Server.Environment)
	envString("DATA_DIR", &c.Server.DataDir)
	envString("JWT_SECRET", &c.Auth.JWTSecret)
	envString("AUTH_PASSWORD", &c.Auth.AdminPassword)
	envString("MQTT_BROKER_URL", &c.Ingest.MQTT.BrokerURL)
	envString("MQTT_TOPIC", &c.Ingest.MQTT.Topic)
	envString("FILE_TAIL_DIR", &c.Ingest.FileTail.Dir)
	envString("BACKUP_SCHEDULE", &c.Retention.Schedule)
	envString("GEOIP_TABLE_PATH", &c.Enrich.GeoTablePath)
	envString("LOG_LEVEL", &c.Logging.Level)

	return nil
}
