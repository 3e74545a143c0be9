package race

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the configuration tree the Runtime loads, per spec.md §6:
// a root naming the Runtime, an ordered sequence of Entity
// specifications, and an optional confidential-values store.
type Config struct {
	RuntimeName string                 `yaml:"runtimeName"`
	Listen      string                 `yaml:"listen,omitempty"`
	Entities    []EntityConfig         `yaml:"entities"`
	Secrets     map[string]string      `yaml:"secrets,omitempty"`
	Options     map[string]interface{} `yaml:"options,omitempty"`
}

// EntityConfig is one declared Entity. Implementation names the factory
// registered for this Entity's class (see Registry in this package);
// Options carries arbitrary nested values the Entity constructor
// interprets and unknown keys are accepted and passed through
// unchanged, per spec.md §6.
type EntityConfig struct {
	Name           string                 `yaml:"name"`
	Implementation string                 `yaml:"implementation"`
	RemoteURI      string                 `yaml:"remoteUri,omitempty"`
	RemoteMode     string                 `yaml:"remoteMode,omitempty"` // "lookup" or "start"
	WriteTo        []string               `yaml:"writeTo,omitempty"`
	ReadFrom       []string               `yaml:"readFrom,omitempty"`
	Options        map[string]interface{} `yaml:"options,omitempty"`
}

// LoadConfig reads and parses a Config from path, then runs Validate on
// it, so config-error diagnostics (missing mandatory fields, duplicate
// names) are returned from here as well.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewError(ErrClassConfig, "failed to read configuration file", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, NewError(ErrClassConfig, "failed to parse configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces spec.md §7's Config error conditions: missing
// mandatory options, duplicate Entity names. Unknown Entity
// implementations are caught later, at Registry resolution time, since
// that requires knowledge the config tree itself doesn't carry.
func (c *Config) Validate() error {
	if c.RuntimeName == "" {
		return NewError(ErrClassConfig, "runtimeName is mandatory", nil)
	}
	seen := make(map[string]struct{}, len(c.Entities))
	for _, e := range c.Entities {
		if e.Name == "" {
			return NewError(ErrClassConfig, "entity name is mandatory", nil)
		}
		if e.Implementation == "" {
			return NewError(ErrClassConfig, fmt.Sprintf("entity %q is missing an implementation", e.Name), nil)
		}
		if _, dup := seen[e.Name]; dup {
			return NewError(ErrClassConfig, fmt.Sprintf("duplicate entity name %q", e.Name), nil)
		}
		seen[e.Name] = struct{}{}
	}
	return nil
}

// Resolve replaces every `??`-prefixed value in opts with the value
// EnvSecretStore (or store, if non-nil) returns for it, recursing into
// nested maps. It never mutates opts in place; it returns a copy.
func Resolve(opts map[string]interface{}, store SecretStore) (map[string]interface{}, error) {
	if store == nil {
		store = EnvSecretStore{}
	}
	return resolveMap(opts, store)
}

func resolveMap(in map[string]interface{}, store SecretStore) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		resolved, err := resolveValue(v, store)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(v interface{}, store SecretStore) (interface{}, error) {
	switch t := v.(type) {
	case string:
		if name, ok := IsSecretRef(t); ok {
			val, err := store.Resolve(name)
			if err != nil {
				return nil, NewError(ErrClassConfig, fmt.Sprintf("failed to resolve secret %q", name), err)
			}
			return val, nil
		}
		return t, nil
	case map[string]interface{}:
		return resolveMap(t, store)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			resolved, err := resolveValue(e, store)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}
