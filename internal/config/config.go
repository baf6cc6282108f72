// Package config loads pairwise configuration.
//
// Values are layered: Default, then an optional YAML file, then PAIRWISE_*
// environment variables (optionally seeded from .env files). The merged
// result is checked against an embedded CUE schema before use.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/pairwise/internal/candidate"
	"github.com/roach88/pairwise/internal/engine"
	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/lock"
	"github.com/roach88/pairwise/internal/pairing"
	"github.com/roach88/pairwise/internal/policy"
	"github.com/roach88/pairwise/internal/queue"
	"github.com/roach88/pairwise/internal/scoring"
)

//go:embed schema.cue
var schemaSource []byte

// Environment variables read by ApplyEnv.
const (
	EnvLedger       = "PAIRWISE_LEDGER"
	EnvDocstoreDSN  = "PAIRWISE_DOCSTORE_DSN"
	EnvRedisAddr    = "PAIRWISE_REDIS_ADDR"
	EnvKafkaBrokers = "PAIRWISE_KAFKA_BROKERS"
	EnvKafkaTopic   = "PAIRWISE_KAFKA_TOPIC"
	EnvAMQPURL      = "PAIRWISE_AMQP_URL"
	EnvAMQPQueue    = "PAIRWISE_AMQP_QUEUE"
	EnvAPIAddr      = "PAIRWISE_API_ADDR"
)

// Config is the full pairwise configuration.
type Config struct {
	Scoring     scoring.Config         `json:"scoring" yaml:"scoring"`
	Candidates  candidate.Options      `json:"candidates" yaml:"candidates"`
	Pairing     pairing.Config         `json:"pairing" yaml:"pairing"`
	Policy      policy.Config          `json:"policy" yaml:"policy"`
	Queue       queue.Config           `json:"queue" yaml:"queue"`
	LateMatches engine.LateMatchConfig `json:"late_matches" yaml:"late_matches"`

	// Aliases maps canonical supplier names to known variants.
	Aliases map[string][]string `json:"aliases" yaml:"aliases"`

	Ledger   LedgerConfig     `json:"ledger" yaml:"ledger"`
	Docstore DocstoreConfig   `json:"docstore" yaml:"docstore"`
	Locks    lock.RedisConfig `json:"locks" yaml:"locks"`
	Audit    AuditConfig      `json:"audit" yaml:"audit"`
	API      APIConfig        `json:"api" yaml:"api"`
}

// LedgerConfig locates the SQLite ledger holding pairs, the audit log and
// the action queue.
type LedgerConfig struct {
	Path string `json:"path" yaml:"path"`
}

// DocstoreConfig locates the invoice and delivery-note database.
type DocstoreConfig struct {
	// DSN is a gorm DSN with a driver prefix: sqlite://, postgres:// or
	// mysql://. A bare path is opened with SQLite.
	DSN string `json:"dsn" yaml:"dsn"`
}

// AuditConfig selects where audit records are published besides the ledger.
type AuditConfig struct {
	Log   bool        `json:"log" yaml:"log"`
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
	AMQP  AMQPConfig  `json:"amqp" yaml:"amqp"`
}

// KafkaConfig enables the Kafka audit sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

// AMQPConfig enables the AMQP audit sink when URL is set.
type AMQPConfig struct {
	URL   string `json:"url" yaml:"url"`
	Queue string `json:"queue" yaml:"queue"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Addr         string   `json:"addr" yaml:"addr"`
	AllowOrigins []string `json:"allow_origins" yaml:"allow_origins"`
}

// Default returns the built-in configuration.
func Default() Config {
	ec := engine.DefaultConfig()
	return Config{
		Scoring:     ec.Scoring,
		Candidates:  ec.Candidates,
		Pairing:     ec.Pairing,
		Policy:      ec.Policy,
		Queue:       ec.Queue,
		LateMatches: ec.LateMatches,
		Ledger:      LedgerConfig{Path: "pairwise.db"},
		Docstore:    DocstoreConfig{DSN: "sqlite://documents.db"},
		Audit:       AuditConfig{Log: true, Kafka: KafkaConfig{Topic: "pairwise.audit"}, AMQP: AMQPConfig{Queue: "pairwise.audit"}},
		API:         APIConfig{Addr: ":8080"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, ir.WrapError(ir.KindInput, "config.Load", err)
	}
	defer f.Close()
	if err := cfg.decode(f); err != nil {
		return Config{}, ir.WrapError(ir.KindInput, "config.Load", fmt.Errorf("%s: %w", path, err))
	}
	return cfg, nil
}

// Parse reads YAML bytes over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return Config{}, ir.WrapError(ir.KindInput, "config.Parse", err)
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadEnv loads .env files into the process environment without overriding
// variables that are already set. Missing files are ignored when none are
// named explicitly.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return godotenv.Load(files...)
}

// ApplyEnv overrides values from PAIRWISE_* variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvLedger, &c.Ledger.Path)
	set(EnvDocstoreDSN, &c.Docstore.DSN)
	set(EnvRedisAddr, &c.Locks.Addr)
	set(EnvKafkaTopic, &c.Audit.Kafka.Topic)
	set(EnvAMQPURL, &c.Audit.AMQP.URL)
	set(EnvAMQPQueue, &c.Audit.AMQP.Queue)
	set(EnvAPIAddr, &c.API.Addr)
	if v, ok := lookup(EnvKafkaBrokers); ok && v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Audit.Kafka.Brokers = brokers
	}
}

// Validate checks the configuration against the embedded schema.
func (c Config) Validate() error {
	const op = "config.Validate"
	data, err := json.Marshal(c)
	if err != nil {
		return ir.WrapError(ir.KindInput, op, err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	value := ctx.CompileBytes(data, cue.Filename("config.json"))
	if err := value.Err(); err != nil {
		return ir.WrapError(ir.KindInput, op, err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return ir.Errorf(ir.KindInput, op, "%s", strings.Join(messages(err), "; "))
	}
	return nil
}

func messages(err error) []string {
	var out []string
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if path := e.Path(); len(path) > 0 {
			msg = strings.Join(path, ".") + ": " + msg
		}
		out = append(out, msg)
	}
	if len(out) == 0 {
		out = append(out, err.Error())
	}
	return out
}

// Engine returns the engine's part of the configuration.
func (c Config) Engine() engine.Config {
	return engine.Config{
		Scoring:     c.Scoring,
		Candidates:  c.Candidates,
		Pairing:     c.Pairing,
		Policy:      c.Policy,
		Queue:       c.Queue,
		LateMatches: c.LateMatches,
		Aliases:     c.Aliases,
	}
}
