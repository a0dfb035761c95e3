// Package config loads and validates the YAML job configuration: the
// local AE identity, the nodes to query, the query shape, and the
// retrieval policy.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/pacsgather/internal/assoc"
	"github.com/roach88/pacsgather/internal/dicom"
	"github.com/roach88/pacsgather/internal/find"
	"github.com/roach88/pacsgather/internal/sched"
)

// Duration wraps time.Duration so YAML accepts "30s" / "2m" strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Date wraps time.Time for "2006-01-02" YAML values.
type Date struct {
	time.Time
}

func (d *Date) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.Parse("2006-01-02", s)
	if err != nil {
		return fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", s, err)
	}
	d.Time = parsed
	return nil
}

// Node is one remote archive.
type Node struct {
	AETitle  string   `yaml:"ae_title"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	MaxAssoc int      `yaml:"max_assoc"`
	Timeout  Duration `yaml:"timeout"`
}

// Query shapes the discovery C-FIND.
type Query struct {
	Level     string            `yaml:"level"`
	Match     map[string]string `yaml:"match"`
	Fields    []string          `yaml:"fields"`
	StartDate Date              `yaml:"start_date"`
	EndDate   Date              `yaml:"end_date"`
	Modality  string            `yaml:"modality"`
}

// Retrieval tunes the scheduler.
type Retrieval struct {
	Policy                 string   `yaml:"policy"`
	RetryBudget            int      `yaml:"retry_budget"`
	BackoffBase            Duration `yaml:"backoff_base"`
	BackoffCap             Duration `yaml:"backoff_cap"`
	AcceptPartialDiscovery bool     `yaml:"accept_partial_discovery"`
}

// Config is the full job configuration file.
type Config struct {
	CallingAE string    `yaml:"calling_ae"`
	Nodes     []Node    `yaml:"nodes"`
	Query     Query     `yaml:"query"`
	Retrieval Retrieval `yaml:"retrieval"`
	// Ledger is the SQLite progress database path.
	Ledger string `yaml:"ledger"`
	// Output is the CSV destination for converted records.
	Output string `yaml:"output"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates configuration bytes.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for holes a job cannot run with.
func (c *Config) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("config: at least one node is required")
	}
	for i, n := range c.Nodes {
		if n.AETitle == "" {
			return fmt.Errorf("config: node %d has no ae_title", i)
		}
		if n.Host == "" {
			return fmt.Errorf("config: node %s has no host", n.AETitle)
		}
		if n.Port <= 0 || n.Port > 65535 {
			return fmt.Errorf("config: node %s has invalid port %d", n.AETitle, n.Port)
		}
	}
	if c.Query.Level != "" && !find.Level(c.Query.Level).Valid() {
		return fmt.Errorf("config: invalid query level %q", c.Query.Level)
	}
	for _, kw := range c.Query.Fields {
		if _, ok := dicom.TagForKeyword(kw); !ok {
			return fmt.Errorf("config: unknown query field %q", kw)
		}
	}
	for kw := range c.Query.Match {
		if _, ok := dicom.TagForKeyword(kw); !ok {
			return fmt.Errorf("config: unknown match keyword %q", kw)
		}
	}
	switch sched.Policy(c.Retrieval.Policy) {
	case "", sched.PolicyAllOrNothing, sched.PolicyBestEffort:
	default:
		return fmt.Errorf("config: invalid retrieval policy %q", c.Retrieval.Policy)
	}
	if c.Ledger == "" {
		return fmt.Errorf("config: ledger path is required")
	}
	return nil
}

// Plan translates the configuration into a scheduler configuration.
func (c *Config) Plan() sched.Config {
	level := find.Level(c.Query.Level)
	if level == "" {
		level = find.LevelStudy
	}
	spec := find.QuerySpec{
		Level:     level,
		Match:     c.Query.Match,
		Fields:    c.Query.Fields,
		StartDate: c.Query.StartDate.Time,
		EndDate:   c.Query.EndDate.Time,
		Modality:  c.Query.Modality,
	}

	fields := c.Query.Fields
	if len(fields) == 0 {
		fields = []string{"SOPInstanceUID"}
	}
	plan := sched.Config{
		Queries:                []find.QuerySpec{spec},
		Fields:                 fields,
		RetryBudget:            c.Retrieval.RetryBudget,
		BackoffBase:            time.Duration(c.Retrieval.BackoffBase),
		BackoffCap:             time.Duration(c.Retrieval.BackoffCap),
		Policy:                 sched.Policy(c.Retrieval.Policy),
		AcceptPartialDiscovery: c.Retrieval.AcceptPartialDiscovery,
	}
	for _, n := range c.Nodes {
		plan.Nodes = append(plan.Nodes, sched.NodePlan{
			Node:     assoc.Node{AETitle: n.AETitle, Host: n.Host, Port: n.Port},
			MaxAssoc: n.MaxAssoc,
			Options: assoc.Options{
				CallingAE: c.CallingAE,
				Timeout:   time.Duration(n.Timeout),
			},
		})
	}
	return plan
}
