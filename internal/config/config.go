// Package config loads the juicydb YAML configuration.
package config

import (
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/oda/juicydb/internal/dberr"
	"github.com/oda/juicydb/internal/pager"
)

// Config is the configuration for the juicydb binary
type Config struct {
	Storage Storage `yaml:"storage"`
	Server  Server  `yaml:"server"`
	Logger  Logger  `yaml:"logger"`
}

// Storage is the configuration for the data directory and its files
type Storage struct {
	Dir        string `yaml:"dir" validate:"required"`
	PageSize   int    `yaml:"page_size" validate:"min=1024,max=65536,pow2"`
	Order      int    `yaml:"order" validate:"omitempty,min=3,max=65535"` // 0 derives it from the page size
	CacheSize  int    `yaml:"cache_size" validate:"min=0"`                // pages per file
	SyncWrites bool   `yaml:"sync_writes"`
}

// Server is the configuration for the HTTP server
type Server struct {
	Network string `yaml:"network" validate:"oneof=unix tcp"`
	Addr    string `yaml:"addr" validate:"required"` // socket path or host:port
}

// Logger is the configuration for the logger
type Logger struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	Encoding   string `yaml:"encoding" validate:"oneof=json console"`
	OutputPath string `yaml:"output_path"` // empty or "stderr" logs to stderr
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"min=0"`
	MaxBackups int    `yaml:"max_backups" validate:"min=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"min=0"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Storage: Storage{
			Dir:       "data",
			PageSize:  pager.DefaultPageSize,
			CacheSize: 64,
		},
		Server: Server{
			Network: "unix",
			Addr:    "juicydb.sock",
		},
		Logger: Logger{
			Level:      "warn",
			Encoding:   "console",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path over the defaults and validates the result.
// An empty path yields the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, dberr.IO(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, dberr.Wrapf(dberr.ErrConfig, "parse %s: %v", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field against its constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return dberr.Wrapf(dberr.ErrConfig, "%v", err)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("pow2", isPowerOfTwo); err != nil {
		panic(err)
	}
	return v
}

func isPowerOfTwo(fl validator.FieldLevel) bool {
	n := fl.Field().Int()
	return n > 0 && n&(n-1) == 0
}
