// Package config loads the HCL configuration that names the engines a
// session writes through and the trace setting for flush plans.
package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// Config is the decoded configuration.
type Config struct {
	Trace     bool
	Databases []Database
}

// Database names one SQLite engine and the file it lives in.
type Database struct {
	Name string
	Path string
}

type hclFile struct {
	Trace     *bool          `hcl:"trace,optional"`
	Databases []*hclDatabase `hcl:"database,block"`
}

type hclDatabase struct {
	Name string `hcl:"name,label"`
	Path string `hcl:"path"`
}

// Load parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse config %s: %w", path, diags)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("decode config %s: %w", path, diags)
	}

	cfg := &Config{}
	if parsed.Trace != nil {
		cfg.Trace = *parsed.Trace
	}
	seen := make(map[string]bool)
	for _, db := range parsed.Databases {
		if db.Path == "" {
			return nil, fmt.Errorf("config %s: database %q has an empty path", path, db.Name)
		}
		if seen[db.Name] {
			return nil, fmt.Errorf("config %s: duplicate database %q", path, db.Name)
		}
		seen[db.Name] = true
		cfg.Databases = append(cfg.Databases, Database{Name: db.Name, Path: db.Path})
	}
	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("config %s: at least one database block is required", path)
	}
	return cfg, nil
}

// Database returns the database entry with the given name.
func (c *Config) Database(name string) (Database, bool) {
	for _, db := range c.Databases {
		if db.Name == name {
			return db, true
		}
	}
	return Database{}, false
}
