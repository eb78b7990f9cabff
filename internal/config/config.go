// Package config provides configuration management for the voltsched
// simulator core.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/voltsched/voltsched/internal/domain"
)

// Config holds all configuration for the application.
type Config struct {
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	DVFS       DVFSConfig       `mapstructure:"dvfs"`
	Power      PowerConfig      `mapstructure:"power"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SchedulerConfig holds placement configuration.
type SchedulerConfig struct {
	// LoadLow and LoadHigh bound the per-machine load tiers used by
	// placement scoring and the DVFS load policy.
	LoadLow  float64 `mapstructure:"load_low"`
	LoadHigh float64 `mapstructure:"load_high"`

	// HighUtil is the utilization above which a machine is considered
	// overloaded and excluded as a migration target.
	HighUtil float64 `mapstructure:"high_util"`

	// LowUtil is the utilization below which a machine is a
	// consolidation candidate.
	LowUtil float64 `mapstructure:"low_util"`

	// VMMemoryOverheadMiB is added to every VM memory check.
	VMMemoryOverheadMiB int64 `mapstructure:"vm_memory_overhead_mib"`
}

// DVFSConfig holds the performance-state policy configuration.
type DVFSConfig struct {
	// SLAFactors scale the required instruction rate before the risk
	// scan forces P0, indexed by SLA class. Stricter classes boost
	// earlier.
	SLAFactors [4]float64 `mapstructure:"sla_factors"`
}

// Factor returns the risk-scan headroom factor for an SLA class.
func (c DVFSConfig) Factor(sla domain.SLA) float64 {
	return c.SLAFactors[sla]
}

// PowerConfig holds power management and migration configuration.
type PowerConfig struct {
	// InitialActiveMachines is the floor on always-warm machines.
	InitialActiveMachines int `mapstructure:"initial_active_machines"`

	// ConsolidationIntervalUS is the minimum simulated time between
	// consolidation sweeps, in microseconds.
	ConsolidationIntervalUS int64 `mapstructure:"consolidation_interval_us"`

	// PowerOnDwellUS is the minimum simulated time a just-woken machine
	// stays on before it may be retired again, in microseconds.
	PowerOnDwellUS int64 `mapstructure:"power_on_dwell_us"`
}

// ConsolidationInterval returns the sweep interval as a simulated duration.
func (c PowerConfig) ConsolidationInterval() domain.Time {
	return domain.Time(c.ConsolidationIntervalUS)
}

// PowerOnDwell returns the power-on dwell as a simulated duration.
func (c PowerConfig) PowerOnDwell() domain.Time {
	return domain.Time(c.PowerOnDwellUS)
}

// SimulationConfig holds the reference substrate configuration.
type SimulationConfig struct {
	// Fleet describes the machine groups of the simulated cluster. When
	// empty, DefaultFleet is used.
	Fleet []MachineGroup `mapstructure:"fleet"`

	// Tasks is the number of tasks the workload generator produces.
	Tasks int `mapstructure:"tasks"`

	// Seed seeds the workload generator.
	Seed int64 `mapstructure:"seed"`

	// PeriodIntervalUS is the PeriodicCheck interval, in microseconds.
	PeriodIntervalUS int64 `mapstructure:"period_interval_us"`

	// StateChangeLatencyUS is the simulated latency of a power
	// transition, in microseconds.
	StateChangeLatencyUS int64 `mapstructure:"state_change_latency_us"`

	// MigrationLatencyUS is the simulated latency of a live migration,
	// in microseconds.
	MigrationLatencyUS int64 `mapstructure:"migration_latency_us"`

	// HorizonUS caps the simulated run length, in microseconds.
	HorizonUS int64 `mapstructure:"horizon_us"`
}

// MachineGroup describes a homogeneous slice of the simulated fleet.
type MachineGroup struct {
	Count     int            `mapstructure:"count"`
	CPU       domain.CPUType `mapstructure:"cpu"`
	Cores     int            `mapstructure:"cores"`
	MemoryMiB int64          `mapstructure:"memory_mib"`
	GPU       bool           `mapstructure:"gpu"`
	MIPS      [4]int64       `mapstructure:"mips"`    // per P-state
	PowerW    [4]float64     `mapstructure:"power_w"` // per P-state, active
	SleepW    float64        `mapstructure:"sleep_w"` // S1..S4
	OffW      float64        `mapstructure:"off_w"`   // S5
}

// DefaultFleet is the 16-machine reference cluster: 8 X86 nodes, 4 ARM
// nodes and 4 GPU-equipped POWER nodes.
func DefaultFleet() []MachineGroup {
	return []MachineGroup{
		{
			Count: 8, CPU: domain.CPUX86, Cores: 4, MemoryMiB: 16 * 1024,
			MIPS:   [4]int64{3000, 2400, 1600, 800},
			PowerW: [4]float64{240, 180, 120, 80},
			SleepW: 15, OffW: 2,
		},
		{
			Count: 4, CPU: domain.CPUARM, Cores: 2, MemoryMiB: 8 * 1024,
			MIPS:   [4]int64{2000, 1600, 1100, 600},
			PowerW: [4]float64{120, 90, 60, 40},
			SleepW: 8, OffW: 1,
		},
		{
			Count: 4, CPU: domain.CPUPower, Cores: 8, MemoryMiB: 32 * 1024, GPU: true,
			MIPS:   [4]int64{4200, 3400, 2300, 1200},
			PowerW: [4]float64{480, 360, 240, 160},
			SleepW: 25, OffW: 4,
		},
	}
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("VOLTSCHED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.Simulation.Fleet) == 0 {
		cfg.Simulation.Fleet = DefaultFleet()
	}

	return &cfg, nil
}

// Default returns the built-in configuration without touching the
// filesystem or environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic("invalid built-in defaults: " + err.Error())
	}
	cfg.Simulation.Fleet = DefaultFleet()
	return &cfg
}

func setDefaults(v *viper.Viper) {
	// Scheduler
	v.SetDefault("scheduler.load_low", 0.30)
	v.SetDefault("scheduler.load_high", 0.70)
	v.SetDefault("scheduler.high_util", 0.80)
	v.SetDefault("scheduler.low_util", 0.30)
	v.SetDefault("scheduler.vm_memory_overhead_mib", 128)

	// DVFS
	v.SetDefault("dvfs.sla_factors", []float64{0.85, 0.90, 0.95, 1.0})

	// Power
	v.SetDefault("power.initial_active_machines", 12)
	v.SetDefault("power.consolidation_interval_us", 300_000)
	v.SetDefault("power.power_on_dwell_us", 300_000)

	// Simulation
	v.SetDefault("simulation.tasks", 200)
	v.SetDefault("simulation.seed", 1)
	v.SetDefault("simulation.period_interval_us", 50_000)
	v.SetDefault("simulation.state_change_latency_us", 20_000)
	v.SetDefault("simulation.migration_latency_us", 40_000)
	v.SetDefault("simulation.horizon_us", 60_000_000)

	// Metrics
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":2112")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
