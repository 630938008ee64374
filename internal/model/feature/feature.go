package feature

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Kind selects how a feature produces its events.
type Kind string

const (
	// KindProcess runs a solver subprocess through the event bridge.
	KindProcess Kind = "process"
	// KindLLM streams an analysis from the configured chat model.
	KindLLM Kind = "llm"
)

const defaultTimeout = 30 * time.Minute

var ErrFeatureNotFound = errors.New("feature not found")

// Feature is a named producer of stream events exposed to the frontend.
type Feature struct {
	ID          string            `json:"id" toml:"id" yaml:"id"`
	Name        string            `json:"name" toml:"name" yaml:"name"`
	Description string            `json:"description,omitempty" toml:"description" yaml:"description"`
	Kind        Kind              `json:"kind" toml:"kind" yaml:"kind"`
	Models      []string          `json:"models,omitempty" toml:"models" yaml:"models"`
	TimeoutSec  int               `json:"timeoutSec" toml:"timeout_sec" yaml:"timeout_sec"`
	Command     string            `json:"-" toml:"command" yaml:"command"`
	Args        []string          `json:"-" toml:"args" yaml:"args"`
	Env         map[string]string `json:"-" toml:"env" yaml:"env"`
	Dir         string            `json:"-" toml:"dir" yaml:"dir"`
}

// Timeout is the hard limit for one run of the feature.
func (f Feature) Timeout() time.Duration {
	if f.TimeoutSec <= 0 {
		return defaultTimeout
	}
	return time.Duration(f.TimeoutSec) * time.Second
}

// AllowsModel reports whether modelKey may be used. An empty list allows any model.
func (f Feature) AllowsModel(modelKey string) bool {
	if len(f.Models) == 0 {
		return true
	}
	for _, m := range f.Models {
		if m == modelKey {
			return true
		}
	}
	return false
}

// EnvList renders Env as KEY=VALUE pairs, expanding ${VAR} references.
func (f Feature) EnvList() []string {
	out := make([]string, 0, len(f.Env))
	for k, v := range f.Env {
		out = append(out, k+"="+os.ExpandEnv(v))
	}
	return out
}

// Validate checks the fields a catalog entry must carry.
func (f Feature) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return fmt.Errorf("feature id is required")
	}
	switch f.Kind {
	case KindProcess:
		if strings.TrimSpace(f.Command) == "" {
			return fmt.Errorf("feature %s: command is required for process features", f.ID)
		}
	case KindLLM:
	default:
		return fmt.Errorf("feature %s: unknown kind %q", f.ID, f.Kind)
	}
	if f.TimeoutSec < 0 {
		return fmt.Errorf("feature %s: timeout_sec must not be negative", f.ID)
	}
	return nil
}

// Seed returns the built-in solver catalog. Each solver wrapper reads its run
// payload from stdin and prints NDJSON events to stdout.
func Seed() []Feature {
	python := getenv("PYTHON_BIN", "python3")
	return []Feature{
		{
			ID:          "poetiq",
			Name:        "Poetiq",
			Description: "Iterative code-generation solver with self-audit",
			Kind:        KindProcess,
			TimeoutSec:  1800,
			Command:     python,
			Args:        []string{"-u", "server/python/poetiq_wrapper.py"},
		},
		{
			ID:          "saturn",
			Name:        "Saturn",
			Description: "Visual solver rendering grids as images",
			Kind:        KindProcess,
			TimeoutSec:  1800,
			Command:     python,
			Args:        []string{"-u", "server/python/saturn_wrapper.py"},
		},
		{
			ID:          "grover",
			Name:        "Grover",
			Description: "Quantum-inspired program search over candidate solvers",
			Kind:        KindProcess,
			TimeoutSec:  1200,
			Command:     python,
			Args:        []string{"-u", "server/python/grover_executor.py"},
		},
		{
			ID:          "snakebench",
			Name:        "SnakeBench",
			Description: "Head-to-head LLM snake matches",
			Kind:        KindProcess,
			TimeoutSec:  900,
			Command:     python,
			Args:        []string{"-u", "server/python/snakebench_runner.py"},
		},
		{
			ID:          "arc3",
			Name:        "ARC-AGI-3 Agent",
			Description: "Interactive game agent playing ARC-AGI-3 environments",
			Kind:        KindProcess,
			TimeoutSec:  1800,
			Command:     python,
			Args:        []string{"-u", "server/python/arc3_agent_runner.py"},
		},
		{
			ID:          "analyze",
			Name:        "Puzzle analysis",
			Description: "Streams a model's explanation of a puzzle",
			Kind:        KindLLM,
			TimeoutSec:  300,
		},
	}
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
