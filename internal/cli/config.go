package cli

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cuejson "cuelang.org/go/encoding/json"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var configSchema string

// envPrefix namespaces the environment overrides: RESTITCH_SOURCE_TABLE,
// RESTITCH_BACKUP_ROOT, and so on.
const envPrefix = "RESTITCH_"

// Duration is a time.Duration that round-trips through YAML, JSON, and
// environment variables as a Go duration string ("30s", "1h").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the recovery settings shared by all commands. Precedence is
// flags over environment over file over defaults; zero values mean "not
// set" and each command applies its own defaults.
type Config struct {
	SourceTable  string `yaml:"source_table" json:"source_table,omitempty" env:"SOURCE_TABLE"`
	TargetTable  string `yaml:"target_table" json:"target_table,omitempty" env:"TARGET_TABLE"`
	BackupRoot   string `yaml:"backup_root" json:"backup_root,omitempty" env:"BACKUP_ROOT"`
	SourceRegion string `yaml:"source_region" json:"source_region,omitempty" env:"SOURCE_REGION"`
	TargetRegion string `yaml:"target_region" json:"target_region,omitempty" env:"TARGET_REGION"`

	SnapshotID   string `yaml:"snapshot_id" json:"snapshot_id,omitempty" env:"SNAPSHOT_ID"`
	DisasterTime string `yaml:"disaster_time" json:"disaster_time,omitempty" env:"DISASTER_TIME"`

	PollInterval Duration `yaml:"poll_interval" json:"poll_interval,omitempty" env:"POLL_INTERVAL"`
	PollCeiling  Duration `yaml:"poll_ceiling" json:"poll_ceiling,omitempty" env:"POLL_CEILING"`

	BatchRetries int `yaml:"batch_retries" json:"batch_retries,omitempty" env:"BATCH_RETRIES"`
	SubBatchSize int `yaml:"sub_batch_size" json:"sub_batch_size,omitempty" env:"SUB_BATCH_SIZE"`
}

// LoadConfig reads the optional YAML config file, applies environment
// overrides, and validates the result against the embedded schema. An empty
// path skips the file and still applies the environment.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("environment overrides: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validateConfig checks the merged config against the embedded CUE schema.
// Violations are configuration errors: they abort before any table or blob
// store is touched.
func validateConfig(cfg Config) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(configSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if !def.Exists() {
		return fmt.Errorf("config schema: #Config not found")
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	expr, err := cuejson.Extract("config", data)
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	unified := def.Unify(ctx.BuildExpr(expr))
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// firstOf returns the flag value when set, else the config fallback.
func firstOf(flag, fallback string) string {
	if flag != "" {
		return flag
	}
	return fallback
}
