package config

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where tradegate operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// TelemetryName maps the environment onto the label used by metrics and the logger preset.
func (e Environment) TelemetryName() string {
	switch e {
	case EnvProd:
		return "production"
	case EnvStaging:
		return "staging"
	default:
		return "development"
	}
}

type workerKind int

const (
	workerUnset workerKind = iota
	workerExplicit
	workerAuto
)

// WorkerSetting is a worker count that accepts an integer or "auto" (one per CPU).
type WorkerSetting struct {
	kind  workerKind
	value int
}

// Workers returns an explicit setting of n.
func Workers(n int) WorkerSetting {
	if n <= 0 {
		return WorkerSetting{}
	}
	return WorkerSetting{kind: workerExplicit, value: n}
}

// UnmarshalYAML supports integer, "auto" and "default" values.
func (s *WorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = WorkerSetting{}
		return nil
	}
	return s.parse(node.Value)
}

// MarshalYAML writes the setting back in its textual form.
func (s WorkerSetting) MarshalYAML() (any, error) {
	switch s.kind {
	case workerExplicit:
		return s.value, nil
	case workerAuto:
		return "auto", nil
	default:
		return "default", nil
	}
}

func (s *WorkerSetting) parse(raw string) error {
	text := strings.ToLower(strings.TrimSpace(raw))
	switch text {
	case "", "default":
		*s = WorkerSetting{}
		return nil
	case "auto":
		*s = WorkerSetting{kind: workerAuto}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("workers: invalid value %q", raw)
	}
	if val <= 0 {
		return fmt.Errorf("workers: numeric value must be > 0")
	}
	*s = WorkerSetting{kind: workerExplicit, value: val}
	return nil
}

// Resolve returns the effective count, falling back to def when unset.
func (s WorkerSetting) Resolve(def int) int {
	switch s.kind {
	case workerExplicit:
		return s.value
	case workerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return def
	default:
		return def
	}
}
