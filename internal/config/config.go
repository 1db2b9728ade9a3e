// Package config loads the dispatcher's YAML configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// QueueBackend selects which Queue implementation the repository builds.
type QueueBackend string

const (
	QueueBackendMemory QueueBackend = "memory"
	QueueBackendSQLite QueueBackend = "sqlite"
	QueueBackendNATS   QueueBackend = "nats"
)

// Config is the dispatcher's complete configuration.
type Config struct {
	// HTTPAddr is the address the pub/sub HTTP adapter listens on.
	HTTPAddr string `yaml:"http-addr"`

	// SelfURI identifies this dispatcher instance for chaining loop
	// detection and the combined set's owner.
	SelfURI string `yaml:"self-uri"`

	// QueuePath is the directory for persistent queues; empty means
	// memory queues are used.
	QueuePath string `yaml:"queue-path"`

	// QueueBackend selects memory, sqlite, or nats when QueuePath is set.
	// Memory is implied regardless of this field when QueuePath is empty.
	QueueBackend QueueBackend `yaml:"queue-backend"`

	// NATSURL is the broker address used when QueueBackend is "nats". An
	// empty value means an embedded in-process broker is started.
	NATSURL string `yaml:"nats-url"`

	// FailedDispatchRetrySeconds is the initial retry backoff, default 60.
	FailedDispatchRetrySeconds int `yaml:"failed-dispatch-retry"`

	// MaxRetryDelaySeconds caps the doubling backoff.
	MaxRetryDelaySeconds int `yaml:"max-retry-delay"`

	// MaxQueueDepth is the per-recipient backpressure limit.
	MaxQueueDepth int `yaml:"max-queue-depth"`

	Upstream   []string `yaml:"upstream"`
	Downstream []string `yaml:"downstream"`

	// ToastNotifyOnDeadQueue enables the Windows desktop alert fired when
	// a queue transitions to Dead (internal/notify, no-op off Windows).
	ToastNotifyOnDeadQueue bool `yaml:"notify-dead-queue"`
}

// Default returns a Config with the built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr:                   ":8901",
		SelfURI:                    "http://localhost:8901/pubsub",
		QueueBackend:               QueueBackendMemory,
		FailedDispatchRetrySeconds: 60,
		MaxRetryDelaySeconds:       1800,
		MaxQueueDepth:              10000,
	}
}

// Load reads and parses a YAML config file at path, filling in defaults
// for anything the file leaves zero-valued. A missing file is not fatal by
// itself; that decision belongs to the caller, which may choose to run
// with defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.FailedDispatchRetrySeconds == 0 {
		cfg.FailedDispatchRetrySeconds = 60
	}
	if cfg.MaxRetryDelaySeconds == 0 {
		cfg.MaxRetryDelaySeconds = 1800
	}
	if cfg.MaxQueueDepth == 0 {
		cfg.MaxQueueDepth = 10000
	}
	if cfg.QueueBackend == "" {
		// Presence of queue-path alone selects the persistent backing;
		// memory queues are the fallback when no path is configured.
		if cfg.QueuePath != "" {
			cfg.QueueBackend = QueueBackendSQLite
		} else {
			cfg.QueueBackend = QueueBackendMemory
		}
	}
	return cfg, nil
}
