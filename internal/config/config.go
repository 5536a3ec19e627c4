// Package config loads the statesync configuration file.
//
// A configuration file is YAML:
//
//	statePath: state.json        # relative to the config file
//	cacheTtl: 5m
//	secrets:
//	  crmDsn: "file:{{env:CRM_DB}}?mode=rw"
//	systems:
//	  - name: crm
//	    type: sqlite
//	    connection: "{{secret:crmDsn}}"
//	    permissions: { canWrite: true }
//	    dataSets:
//	      - name: contacts
//	        queryConfig: '{"table":"contacts","key":"id"}'
//	        createDeleteDirection: in
//	        mappings:
//	          - { system: id, state: contactId, direction: join }
//
// {{env:NAME}} tokens resolve from the environment and {{secret:NAME}} tokens
// from the secrets block, whose values may themselves use env tokens.
// Connection strings and query configs are substituted at load; mapping
// expressions are substituted when first compiled.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/statesync/internal/connector"
	"github.com/roach88/statesync/internal/expr"
	"github.com/roach88/statesync/internal/model"
)

// Token scopes resolved from configuration.
const (
	ScopeEnv    = "env"
	ScopeSecret = "secret"
)

// DefaultStatePath is used when statePath is omitted.
const DefaultStatePath = "statesync-state.json"

// Config is a loaded configuration file.
type Config struct {
	StatePath string `yaml:"statePath"`

	// JournalPath is the SQLite action journal. Empty disables journaling.
	JournalPath string `yaml:"journalPath"`

	CacheTTL time.Duration           `yaml:"cacheTtl"`
	Secrets  map[string]string       `yaml:"secrets"`
	Systems  []model.ConnectedSystem `yaml:"systems"`

	path        string
	subst       *expr.Substituter
	connections map[string]string // system name -> unsubstituted connection
}

// Load reads, parses and resolves the configuration file at path.
// Relative statePath and journalPath are resolved against the file's
// directory.
// Load does not validate; call Validate before running passes.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	cfg.path = path
	cfg.StatePath = relativeTo(path, cfg.StatePath)
	if cfg.JournalPath != "" {
		cfg.JournalPath = relativeTo(path, cfg.JournalPath)
	}
	return cfg, nil
}

func relativeTo(configPath, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}

// Parse decodes configuration YAML, rejecting unknown top-level fields,
// and resolves env and secret tokens in connection strings and query
// configs.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.StatePath == "" {
		cfg.StatePath = DefaultStatePath
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolve builds the substituter and rewrites connector-specific strings.
func (c *Config) resolve() error {
	env := expr.NewSubstituter()
	env.Register(ScopeEnv, expr.EnvResolver(), false)

	secrets := make(map[string]string, len(c.Secrets))
	for name, raw := range c.Secrets {
		v, err := env.Substitute(raw)
		if err != nil {
			return fmt.Errorf("secret %s: %w", name, err)
		}
		secrets[name] = v
	}

	c.subst = expr.NewSubstituter()
	c.subst.Register(ScopeEnv, expr.EnvResolver(), false)
	c.subst.Register(ScopeSecret, expr.MapResolver(secrets), true)

	c.connections = make(map[string]string, len(c.Systems))
	for i := range c.Systems {
		sys := &c.Systems[i]
		c.connections[sys.Name] = sys.Connection

		conn, err := c.subst.Substitute(sys.Connection)
		if err != nil {
			return fmt.Errorf("system %s: connection: %w", sys.Name, err)
		}
		sys.Connection = conn

		for j := range sys.DataSets {
			ds := &sys.DataSets[j]
			qc, err := c.subst.Substitute(ds.QueryConfig)
			if err != nil {
				return fmt.Errorf("system %s dataset %s: queryConfig: %w", sys.Name, ds.Name, err)
			}
			ds.QueryConfig = qc
		}
	}
	return nil
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Substituter returns the env and secret token substituter, for mapping
// expressions.
func (c *Config) Substituter() *expr.Substituter {
	return c.subst
}

// MaskedConnection returns sys's connection string with secrets masked.
func (c *Config) MaskedConnection(system string) string {
	return c.subst.Mask(c.connections[system])
}

// System returns the named connected system.
func (c *Config) System(name string) (*model.ConnectedSystem, bool) {
	for i := range c.Systems {
		if c.Systems[i].Name == name {
			return &c.Systems[i], true
		}
	}
	return nil, false
}

// ConnectorOptions returns the options connectors are opened with.
func (c *Config) ConnectorOptions() connector.Options {
	return connector.Options{CacheTTL: c.CacheTTL}
}

// Validate checks every system: model validation, connector type and query
// configs, mapping expression syntax and lookup targets. All problems are
// collected.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Systems) == 0 {
		errs = append(errs, errors.New("at least one connected system is required"))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, errors.New("cacheTtl must not be negative"))
	}

	names := make(map[string]bool, len(c.Systems))
	for i := range c.Systems {
		if name := c.Systems[i].Name; name != "" {
			if names[name] {
				errs = append(errs, fmt.Errorf("duplicate connected system name %q", name))
			}
			names[name] = true
		}
	}

	eval := expr.NewCUE(expr.WithSubstituter(c.subst))
	for i := range c.Systems {
		sys := &c.Systems[i]
		if err := sys.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := connector.Validate(sys); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, validateMappings(eval, sys, names)...)
	}
	return errors.Join(errs...)
}

func validateMappings(eval *expr.CUE, sys *model.ConnectedSystem, systems map[string]bool) []error {
	var errs []error
	for i := range sys.DataSets {
		ds := &sys.DataSets[i]
		for j, m := range ds.Mappings {
			for _, expression := range []string{m.SystemExpression, m.StateExpression} {
				if err := eval.Compile(expression); err != nil {
					errs = append(errs, fmt.Errorf("system %s dataset %s mappings[%d]: %w", sys.Name, ds.Name, j, err))
				}
				for _, target := range expr.LookupSystems(expression) {
					if !systems[target] {
						errs = append(errs, fmt.Errorf("system %s dataset %s mappings[%d]: lookup targets unknown connected system %q",
							sys.Name, ds.Name, j, target))
					}
				}
			}
		}
	}
	return errs
}
