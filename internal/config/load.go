package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	invschema "github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the config file looked up in the working directory.
	FileName = ".finagent.yaml"

	// DataDirFileName is the config file looked up in the data directory.
	DataDirFileName = "config.yaml"

	// DataDirEnv overrides the default data directory.
	DataDirEnv = "FINAGENT_DATA_DIR"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Schema returns the JSON Schema for the config file.
func Schema() *invschema.Schema {
	r := &invschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
		Mapper: func(t reflect.Type) *invschema.Schema {
			if t == durationType {
				return &invschema.Schema{
					Type:        "string",
					Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
					Description: "Go duration string",
				}
			}
			return nil
		},
	}
	s := r.Reflect(&Config{})
	s.Title = "finagent configuration"
	return s
}

// SchemaJSON returns the indented JSON encoding of Schema.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		data, err := SchemaJSON()
		if err != nil {
			compileErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		compiled, compileErr = jsonschema.NewCompiler().Compile(data)
	})
	return compiled, compileErr
}

// ValidateRaw checks a YAML document against the config schema.
func ValidateRaw(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if raw == nil {
		return nil
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("convert to json: %w", err)
	}

	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	result := schema.ValidateJSON(doc)
	if result.IsValid() {
		return nil
	}

	return fmt.Errorf("schema validation failed: %v", result.Errors)
}

// Parse decodes a YAML document on top of the defaults.
func Parse(data []byte) (*Config, error) {
	if err := ValidateRaw(data); err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// DefaultDataDir returns the data directory used when none is given.
func DefaultDataDir() string {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".finagent"
	}
	return filepath.Join(home, ".finagent")
}

// Resolve finds the config file to use. An explicit path wins, then
// FileName in cwd, then DataDirFileName in dataDir. It returns "" when
// no file exists.
func Resolve(explicit, cwd, dataDir string) string {
	if explicit != "" {
		return explicit
	}
	for _, p := range []string{
		filepath.Join(cwd, FileName),
		filepath.Join(dataDir, DataDirFileName),
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Init loads the effective configuration. It returns the defaults when
// no file is found. The data directory is created when missing.
func Init(explicit, cwd, dataDir string) (*Config, string, error) {
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	path := Resolve(explicit, cwd, dataDir)
	cfg := DefaultConfig()
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, path, err
		}
		cfg = loaded
	}

	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	if cfg.Retrieval.CorpusPath != "" && !filepath.IsAbs(cfg.Retrieval.CorpusPath) && path != "" {
		cfg.Retrieval.CorpusPath = filepath.Join(filepath.Dir(path), cfg.Retrieval.CorpusPath)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, path, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, path, nil
}
