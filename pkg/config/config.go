// Package config loads typed configuration from the process environment.
//
// Values are parsed with caarlos0/env using `env` and `envDefault` struct tags.
// A dotenv file, when present, is merged into the environment first; variables
// already set in the environment always win.
//
//	type Config struct {
//		Addr string `env:"HTTP_ADDR" envDefault:":8080"`
//	}
//
//	cfg, err := config.Load[Config]()
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	// ErrParsingConfig is returned when environment variables cannot be parsed into the config struct.
	ErrParsingConfig = errors.New("failed to parse environment variables into config")

	// ErrLoadingEnvFile is returned when a dotenv file exists but cannot be read.
	ErrLoadingEnvFile = errors.New("failed to load env file")
)

type options struct {
	files    []string
	required bool
	prefix   string
	environ  map[string]string
}

// Option configures Load.
type Option func(*options)

// WithEnvFiles sets dotenv files to merge before parsing.
// Missing files are ignored unless WithRequiredFiles is also given.
func WithEnvFiles(files ...string) Option {
	return func(o *options) { o.files = files }
}

// WithRequiredFiles makes a missing dotenv file an error.
func WithRequiredFiles() Option {
	return func(o *options) { o.required = true }
}

// WithPrefix scopes every variable name with prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithEnvironment replaces the process environment, mostly useful in tests.
func WithEnvironment(environ map[string]string) Option {
	return func(o *options) { o.environ = environ }
}

// Load parses the environment into a new T.
func Load[T any](opts ...Option) (T, error) {
	o := options{files: []string{".env"}}
	for _, opt := range opts {
		opt(&o)
	}

	var cfg T
	for _, f := range o.files {
		if err := godotenv.Load(f); err != nil {
			if !o.required && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return cfg, errors.Join(ErrLoadingEnvFile, fmt.Errorf("%s: %w", f, err))
		}
	}

	parseOpts := env.Options{Prefix: o.prefix}
	if o.environ != nil {
		parseOpts.Environment = o.environ
	}
	if err := env.ParseWithOptions(&cfg, parseOpts); err != nil {
		return cfg, errors.Join(ErrParsingConfig, err)
	}
	return cfg, nil
}

// MustLoad works like Load but panics on failure.
// Intended for process startup where a bad configuration must stop the binary.
func MustLoad[T any](opts ...Option) T {
	cfg, err := Load[T](opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
	return cfg
}
