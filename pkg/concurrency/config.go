package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// EngineMode defines how an engine schedules node bodies within a run.
type EngineMode string

const (
	// EngineModeParallel launches every node body at once and lets the
	// completion gates order them.
	EngineModeParallel EngineMode = "parallel"

	// EngineModeSequential runs node bodies one at a time in plan order.
	EngineModeSequential EngineMode = "sequential"
)

// WindowMode defines how the runner processes the windows of one batch.
type WindowMode string

const (
	WindowModeParallel   WindowMode = "parallel"
	WindowModeSequential WindowMode = "sequential"
)

// ConfigSource indicates where the configuration came from.
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
	ConfigSourceDefault    ConfigSource = "default"
)

// Config holds concurrency configuration parameters.
type Config struct {
	MaxConcurrent int
	RunnerWorkers int
	EngineMode    EngineMode
	WindowMode    WindowMode
	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads concurrency configuration with priority: environment
// variables, then auto-detection, then defaults.
//
// Recognized variables: DAEDALUS_MAX_CONCURRENT, DAEDALUS_CONCURRENCY_MULTIPLIER,
// DAEDALUS_RUNNER_WORKERS, DAEDALUS_ENGINE_MODE (parallel|sequential) and
// DAEDALUS_WINDOW_MODE (parallel|sequential).
func LoadConfig() *Config {
	config := &Config{}

	config.IsKubernetes = isKubernetes()

	// GOMAXPROCS already reflects cgroup limits once automaxprocs ran.
	config.EffectiveCPUs = runtime.GOMAXPROCS(0)

	if maxConcurrent := getEnvInt("DAEDALUS_MAX_CONCURRENT", 0); maxConcurrent > 0 {
		config.MaxConcurrent = maxConcurrent
		config.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt("DAEDALUS_CONCURRENCY_MULTIPLIER", 0); multiplier > 0 {
		config.MaxConcurrent = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		config.MaxConcurrent = defaultMaxConcurrent(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}

	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}

	if workers := getEnvInt("DAEDALUS_RUNNER_WORKERS", 0); workers > 0 {
		config.RunnerWorkers = workers
	} else {
		config.RunnerWorkers = defaultRunnerWorkers(config.IsKubernetes, config.EffectiveCPUs)
	}

	if mode := os.Getenv("DAEDALUS_ENGINE_MODE"); mode != "" {
		config.EngineMode = EngineMode(strings.ToLower(mode))
	} else {
		config.EngineMode = EngineModeParallel
	}
	if config.EngineMode != EngineModeParallel && config.EngineMode != EngineModeSequential {
		config.EngineMode = EngineModeParallel
	}

	if mode := os.Getenv("DAEDALUS_WINDOW_MODE"); mode != "" {
		config.WindowMode = WindowMode(strings.ToLower(mode))
	} else {
		// Sequential windows keep result ordering predictable.
		config.WindowMode = WindowModeSequential
	}
	if config.WindowMode != WindowModeParallel && config.WindowMode != WindowModeSequential {
		config.WindowMode = WindowModeSequential
	}

	return config
}

// isKubernetes detects whether the process runs inside a Kubernetes pod.
func isKubernetes() bool {
	// Kubernetes sets this environment variable in all containers.
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

func defaultMaxConcurrent(isK8s bool, cpus int) int {
	if isK8s {
		// Conservative under Kubernetes to respect pod limits.
		return cpus * 2
	}
	return cpus * 4
}

func defaultRunnerWorkers(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 4)
	}
	return max(cpus*2, 8)
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// String returns a formatted representation of the config.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxConcurrent: %d, RunnerWorkers: %d, EngineMode: %s, WindowMode: %s, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxConcurrent,
		c.RunnerWorkers,
		c.EngineMode,
		c.WindowMode,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}

// GetOptimalConcurrency calculates a concurrency bound for a given multiplier
// over the effective CPU count.
func GetOptimalConcurrency(multiplier int) int {
	cpus := runtime.GOMAXPROCS(0)
	if multiplier <= 0 {
		multiplier = 2
	}
	return cpus * multiplier
}
