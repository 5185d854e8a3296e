// Package config implements the YAML configuration loader of the ambient
// stack: struct-tag validation via go-playground/validator, and hot-reload
// via fsnotify watching the config file's directory (the rename-and-replace
// idiom most editors and ConfigMap projections use), modeled on
// kubernaut's internal/config.Load shape (one Load(path) entry point,
// sensible defaults applied before validation).
package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/jordigilh/guardian/internal/guardianerr"
)

// ServerConfig configures the RPC surface (§4.13/§6).
type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr" validate:"required"`
	MetricsAddr string `yaml:"metrics_addr" validate:"required"`
}

// ModelConfig names the active model and its signing key (§4.7).
type ModelConfig struct {
	Name         string `yaml:"name" validate:"required"`
	SigningKeyID string `yaml:"signing_key_id" validate:"required"`
}

// DetectionConfig tunes the threat detector's confidence gate and the
// feature extractor's adaptive sampling base rate (§4.10, §4.8), both
// hot-reloadable non-identity fields (SPEC_FULL.md AMBIENT STACK).
type DetectionConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" validate:"gte=0,lte=1"`
	SamplingBaseRate    float64 `yaml:"sampling_base_rate" validate:"gte=0,lte=1"`
}

// AuditConfig holds the audit retention window in days (§4.12). It is
// validated and loaded but not passed to the audit recorder, which uses
// audit.DefaultRetention.
type AuditConfig struct {
	RetentionDays int `yaml:"retention_days" validate:"gte=1"`
}

// LoggingConfig controls logrus output, matching kubernaut's
// logging.level/format convention.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig    `yaml:"server" validate:"required"`
	Model     ModelConfig     `yaml:"model" validate:"required"`
	Detection DetectionConfig `yaml:"detection"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:  ":7443",
			MetricsAddr: ":9090",
		},
		Detection: DetectionConfig{ConfidenceThreshold: 0.95, SamplingBaseRate: 1.0},
		Audit:     AuditConfig{RetentionDays: 90},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
}

var validate = validator.New()

// Load reads and validates the YAML configuration at path, applying
// defaults for any field the document leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, guardianerr.Validation("failed to read config file: "+path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, guardianerr.Validation("failed to parse config yaml", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, guardianerr.Validation("config failed validation", err)
	}

	return &cfg, nil
}

// ReloadFunc is invoked with the newly loaded config on every detected
// change; it returns an error to reject the reload, in which case the
// prior configuration remains active.
type ReloadFunc func(*Config) error

// Watch reloads path on change, applying fn only when the new document
// parses and validates cleanly — an invalid edit is logged and otherwise
// ignored rather than crashing the watcher (§4.13's "graceful degradation"
// posture applied to configuration).
func Watch(ctx context.Context, path string, fn ReloadFunc, log *logrus.Entry) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return guardianerr.System("failed to start config watcher", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return guardianerr.System("failed to watch config directory: "+dir, err)
	}

	log = log.WithField("component", "config_watcher")

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					cfg, err := Load(path)
					if err != nil {
						log.WithError(err).Warn("config reload rejected, keeping previous configuration")
						return
					}
					if err := fn(cfg); err != nil {
						log.WithError(err).Warn("config reload callback failed")
						return
					}
					log.Info("configuration reloaded")
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			}
		}
	}()

	return nil
}
