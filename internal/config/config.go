// Package config loads the revisioner's YAML configuration.
package config

import (
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/metaglass/metaglass/internal/blobstore"
	"github.com/metaglass/metaglass/internal/catalog/postgres"
	"github.com/metaglass/metaglass/internal/errs"
	"github.com/metaglass/metaglass/internal/logger"
	"github.com/metaglass/metaglass/internal/taskqueue"
)

// Scheduler controls periodic run triggering.
type Scheduler struct {
	Enabled bool `yaml:"enabled"`

	// Spec is a cron expression; every tick starts a run for each
	// datastore without an unfinished one.
	Spec string `yaml:"spec"`
}

// Config is the full revisioner configuration.
type Config struct {
	Log       logger.Config    `yaml:"log"`
	Catalog   postgres.Config  `yaml:"catalog"`
	BlobStore blobstore.Config `yaml:"blob_store"`
	Queue     taskqueue.Config `yaml:"queue"`
	Scheduler Scheduler        `yaml:"scheduler"`
}

// Default returns production defaults. Load starts from these, so a
// partial file only overrides what it names.
func Default() Config {
	return Config{
		Log:       logger.Config{Level: "info", Format: "json"},
		Catalog:   postgres.DefaultConfig(),
		BlobStore: *blobstore.DefaultConfig("localhost:9000", "", ""),
		Queue:     *taskqueue.DefaultConfig(),
		Scheduler: Scheduler{Enabled: true, Spec: "@hourly"},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errs.Wrap(errs.ErrKindNotFound, "reading config file", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errs.Wrap(errs.ErrKindMalformed, "parsing config file", err)
	}
	return cfg, nil
}
