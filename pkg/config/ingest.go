package config

import (
	"fmt"
	"time"
)

// SyslogConfig controls the syslog UDP and TCP listeners.
type SyslogConfig struct {
	Enabled bool `yaml:"enabled"`
	UDPPort int  `yaml:"udp_port"`
	TCPPort int  `yaml:"tcp_port"`
}

// GELFConfig controls the GELF UDP (chunked) and TCP (NUL-framed) listeners.
type GELFConfig struct {
	Enabled bool `yaml:"enabled"`
	UDPPort int  `yaml:"udp_port"`
	TCPPort int  `yaml:"tcp_port"`

	// ReassemblyTimeout bounds how long partial chunk sets are kept.
	ReassemblyTimeout time.Duration `yaml:"reassembly_timeout"`
}

// BeatsConfig controls the Lumberjack v2 listener.
type BeatsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// FluentConfig controls the Fluent HTTP intake, served on its own port.
type FluentConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// MQTTConfig controls the MQTT subscriber. Disabled by default because it
// needs an external broker.
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BrokerURL string `yaml:"broker_url"`
	Topic     string `yaml:"topic"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// FileTailConfig controls the directory tail listener.
type FileTailConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`

	// PollInterval backs up fsnotify for filesystems without events.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// IngestConfig groups all protocol listener settings.
type IngestConfig struct {
	Syslog   *SyslogConfig   `yaml:"syslog"`
	GELF     *GELFConfig     `yaml:"gelf"`
	Beats    *BeatsConfig    `yaml:"beats"`
	Fluent   *FluentConfig   `yaml:"fluent"`
	MQTT     *MQTTConfig     `yaml:"mqtt"`
	FileTail *FileTailConfig `yaml:"file_tail"`

	// MaxMessageBytes caps a single message; larger payloads are truncated
	// and tagged, not dropped.
	MaxMessageBytes int `yaml:"max_message_bytes"`

	// MaxMetadataBytes caps the serialized metadata blob.
	MaxMetadataBytes int `yaml:"max_metadata_bytes"`
}

// DefaultIngestConfig returns the built-in listener defaults with the
// standard ports for each protocol.
func DefaultIngestConfig() *IngestConfig {
	return &IngestConfig{
		Syslog: &SyslogConfig{Enabled: true, UDPPort: 514, TCPPort: 601},
		GELF: &GELFConfig{
			Enabled:           true,
			UDPPort:           12201,
			TCPPort:           12202,
			ReassemblyTimeout: 5 * time.Second,
		},
		Beats:  &BeatsConfig{Enabled: true, Port: 5044},
		Fluent: &FluentConfig{Enabled: true, Port: 9880},
		MQTT: &MQTTConfig{
			Enabled:   false,
			BrokerURL: "tcp://localhost:1883",
			Topic:     "logs/#",
		},
		FileTail: &FileTailConfig{
			Enabled:      false,
			PollInterval: 2 * time.Second,
		},
		MaxMessageBytes:  64 * 1024,
		MaxMetadataBytes: 8 * 1024,
	}
}

// EnabledProtocols lists the protocols that will start, for startup logging.
func (c *IngestConfig) EnabledProtocols() []string {
	var out []string
	if c.Syslog.Enabled {
		out = append(out, "syslog")
	}
	if c.GELF.Enabled {
		out = append(out, "gelf")
	}
	if c.Beats.Enabled {
		out = append(out, "beats")
	}
	if c.Fluent.Enabled {
		out = append(out, "fluent")
	}
	if c.MQTT.Enabled {
		out = append(out, "mqtt")
	}
	if c.FileTail.Enabled {
		out = append(out, "file_tail")
	}
	return out
}

// Validate checks the ingest section.
func (c *IngestConfig) Validate() error {
	ports := map[string]int{
		"syslog.udp_port": c.Syslog.UDPPort,
		"syslog.tcp_port": c.Syslog.TCPPort,
		"gelf.udp_port":   c.GELF.UDPPort,
		"gelf.tcp_port":   c.GELF.TCPPort,
		"beats.port":      c.Beats.Port,
		"fluent.port":     c.Fluent.Port,
	}
	for name, p := range ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("%w: %s %d", ErrInvalidValue, name, p)
		}
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("%w: mqtt.broker_url", ErrMissingRequiredField)
	}
	if c.FileTail.Enabled && c.FileTail.Dir == "" {
		return fmt.Errorf("%w: file_tail.dir", ErrMissingRequiredField)
	}
	if c.MaxMessageBytes < 1024 {
		return fmt.Errorf("%w: max_message_bytes must be at least 1024", ErrInvalidValue)
	}
	if c.MaxMetadataBytes < 256 {
		return fmt.Errorf("%w: max_metadata_bytes must be at least 256", ErrInvalidValue)
	}
	return nil
}
