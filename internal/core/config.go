package core

import (
	"fmt"
	"log"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ScoreWeights mirrors the weighted-sum coefficients of the scorer.
// Loss is reserved: no loss probe exists yet, so it never contributes.
type ScoreWeights struct {
	RTT        float64 `yaml:"rtt"`
	Jitter     float64 `yaml:"jitter"`
	Throughput float64 `yaml:"throughput"`
	Loss       float64 `yaml:"loss"`
}

// SelectorConfig holds every tunable named in the scoring/probing/breaker
// design as overridable configuration, defaulting to the compile-time
// constants when a YAML file omits them.
type SelectorConfig struct {
	TCPTimeoutMs          int64        `yaml:"tcp_timeout_ms"`
	TunneledPingCeilingMs int64        `yaml:"tunneled_ping_ceiling_ms"`
	ThroughputSizeKB      int64        `yaml:"throughput_size_kb"`
	TCPPingRepetitions    int          `yaml:"tcp_ping_repetitions"`
	FailureThreshold      int          `yaml:"failure_threshold"`
	OpenWindowMs          int64        `yaml:"open_window_ms"`
	HalfOpenGapMs         int64        `yaml:"half_open_gap_ms"`
	Weights               ScoreWeights `yaml:"weights"`
	FailurePenalty        float64      `yaml:"failure_penalty"`
	EWMAAlpha             float64      `yaml:"ewma_alpha"`
	StalenessDivisorMs    int64        `yaml:"staleness_divisor_ms"`
	StalenessCap          float64      `yaml:"staleness_cap"`
}

// DefaultSelectorConfig returns the spec's compile-time constants.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		TCPTimeoutMs:          3000,
		TunneledPingCeilingMs: 5000,
		ThroughputSizeKB:      256,
		TCPPingRepetitions:    3,
		FailureThreshold:      3,
		OpenWindowMs:          60000,
		HalfOpenGapMs:         10000,
		Weights: ScoreWeights{
			RTT:        0.35,
			Jitter:     0.15,
			Throughput: 0.25,
			Loss:       0.25,
		},
		FailurePenalty:     10000,
		EWMAAlpha:          0.3,
		StalenessDivisorMs: 120000,
		StalenessCap:       10000,
	}
}

// StoreConfig points the bbolt-backed store adapters at their database file.
type StoreConfig struct {
	BoltPath string `yaml:"bolt_path,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	Log      LogConfig      `yaml:"log,omitempty"`
	Selector SelectorConfig `yaml:"selector,omitempty"`
	Store    StoreConfig    `yaml:"store,omitempty"`
}

// ConfigManager handles loading, saving, and hot-reloading configuration.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// NewConfigManager creates a config manager that reads from the given file.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{
		filePath: filePath,
		bus:      bus,
	}
}

// defaultConfig returns a valid configuration with every tunable defaulted.
func defaultConfig() Config {
	return Config{
		Selector: DefaultSelectorConfig(),
		Store:    StoreConfig{BoltPath: "selector.db"},
	}
}

// Load reads and parses the configuration from disk.
// If the config file does not exist, it creates one with default values.
func (cm *ConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[Core] Config %s not found, creating default config", cm.filePath)
			cm.mu.Lock()
			cm.config = defaultConfig()
			cm.mu.Unlock()
			if saveErr := cm.Save(); saveErr != nil {
				return fmt.Errorf("[Core] failed to create default config: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("[Core] failed to read config %s: %w", cm.filePath, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("[Core] failed to parse config: %w", err)
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}

	return nil
}

// Save writes the current configuration to disk.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[Core] failed to marshal config: %w", err)
	}

	if err := os.WriteFile(cm.filePath, data, 0644); err != nil {
		return fmt.Errorf("[Core] failed to write config %s: %w", cm.filePath, err)
	}

	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}
