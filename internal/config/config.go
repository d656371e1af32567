// Package config provides configuration types and loading for kafswarm.
package config

import (
	"strings"
	"time"
)

// Config is the root configuration struct.
// Top-level groups: Paths, Bus, Store, Registry, Consensus, Orchestrator.
type Config struct {
	Paths        PathsConfig        `json:"paths"`
	Bus          BusConfig          `json:"bus"`
	Store        StoreConfig        `json:"store"`
	Registry     RegistryConfig     `json:"registry"`
	Consensus    ConsensusConfig    `json:"consensus"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	DataDir    string `json:"dataDir" envconfig:"DATA_DIR"`
	TimelineDB string `json:"timelineDb" envconfig:"TIMELINE_DB"` // empty = <dataDir>/timeline.db
}

// ---------------------------------------------------------------------------
// Bus – message transport
// ---------------------------------------------------------------------------

const (
	BackendMemory = "memory"
	BackendKafka  = "kafka"
	BackendSQLite = "sqlite"
)

// BusConfig selects and configures the message transport.
type BusConfig struct {
	Backend       string        `json:"backend" envconfig:"BACKEND"` // memory | kafka
	Namespace     string        `json:"namespace" envconfig:"NAMESPACE"`
	KafkaBrokers  string        `json:"kafkaBrokers" envconfig:"KAFKA_BROKERS"` // comma-separated
	ConsumerGroup string        `json:"consumerGroup" envconfig:"KAFKA_CONSUMER_GROUP"`
	SASLMechanism string        `json:"saslMechanism" envconfig:"KAFKA_SASL_MECHANISM"`
	SASLUsername  string        `json:"saslUsername" envconfig:"KAFKA_SASL_USERNAME"`
	SASLPassword  string        `json:"saslPassword,omitempty" envconfig:"KAFKA_SASL_PASSWORD"`
	TLS           bool          `json:"tls" envconfig:"KAFKA_TLS"`
	WriteTimeout  time.Duration `json:"writeTimeout" envconfig:"KAFKA_WRITE_TIMEOUT"`
	AuditTTL      time.Duration `json:"auditTtl" envconfig:"AUDIT_TTL"`
}

// Brokers splits KafkaBrokers.
func (b BusConfig) Brokers() []string {
	var out []string
	for _, s := range strings.Split(b.KafkaBrokers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Store – key/value backing store
// ---------------------------------------------------------------------------

// StoreConfig selects the backing store shared by the context store, the
// registry and the bus audit log.
type StoreConfig struct {
	Backend      string        `json:"backend" envconfig:"BACKEND"`        // memory | sqlite
	SQLitePath   string        `json:"sqlitePath" envconfig:"SQLITE_PATH"` // empty = <dataDir>/swarm.db
	DefaultTTL   time.Duration `json:"defaultTtl" envconfig:"DEFAULT_TTL"`
	JanitorEvery time.Duration `json:"janitorEvery" envconfig:"JANITOR_EVERY"`
}

// ---------------------------------------------------------------------------
// Registry / Consensus / Orchestrator
// ---------------------------------------------------------------------------

// RegistryConfig tunes agent liveness and metrics.
type RegistryConfig struct {
	HeartbeatTTL time.Duration `json:"heartbeatTtl" envconfig:"HEARTBEAT_TTL"`
	MetricsAlpha float64       `json:"metricsAlpha" envconfig:"METRICS_ALPHA"`
}

// ConsensusConfig holds debate defaults.
type ConsensusConfig struct {
	Rounds         int           `json:"rounds" envconfig:"ROUNDS"`
	Threshold      float64       `json:"threshold" envconfig:"THRESHOLD"`
	Timeout        time.Duration `json:"timeout" envconfig:"TIMEOUT"`
	ReasoningLimit int           `json:"reasoningLimit" envconfig:"REASONING_LIMIT"`
}

// OrchestratorConfig holds workflow polling and limits.
type OrchestratorConfig struct {
	ID              string        `json:"id" envconfig:"ID"`
	PollInterval    time.Duration `json:"pollInterval" envconfig:"POLL_INTERVAL"`
	BarrierTimeout  time.Duration `json:"barrierTimeout" envconfig:"BARRIER_TIMEOUT"`
	WorkflowTimeout time.Duration `json:"workflowTimeout" envconfig:"WORKFLOW_TIMEOUT"`
	MaxParallel     int           `json:"maxParallel" envconfig:"MAX_PARALLEL"`
	WorkflowTTL     time.Duration `json:"workflowTtl" envconfig:"WORKFLOW_TTL"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "~/.kafswarm/data",
		},
		Bus: BusConfig{
			Backend:       BackendMemory,
			Namespace:     "default",
			KafkaBrokers:  "localhost:9092",
			ConsumerGroup: "kafswarm",
			WriteTimeout:  10 * time.Second,
			AuditTTL:      7 * 24 * time.Hour,
		},
		Store: StoreConfig{
			Backend:      BackendMemory,
			DefaultTTL:   24 * time.Hour,
			JanitorEvery: time.Minute,
		},
		Registry: RegistryConfig{
			HeartbeatTTL: 30 * time.Second,
			MetricsAlpha: 0.5,
		},
		Consensus: ConsensusConfig{
			Rounds:         2,
			Threshold:      0.6,
			Timeout:        60 * time.Second,
			ReasoningLimit: 280,
		},
		Orchestrator: OrchestratorConfig{
			ID:              "orchestrator",
			PollInterval:    500 * time.Millisecond,
			BarrierTimeout:  5 * time.Minute,
			WorkflowTimeout: 30 * time.Minute,
			MaxParallel:     4,
			WorkflowTTL:     24 * time.Hour,
		},
	}
}
