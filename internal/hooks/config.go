// Package hooks runs configurable external validator/transformer programs at
// well-defined execution lifecycle points.
package hooks

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cc-executor/cc-executor/internal/common/logger"
)

// Point identifies a lifecycle point at which hooks may run. The set is
// closed; unknown points in the config file are ignored with a warning.
type Point string

const (
	PointPreExecute Point = "pre_execute"
	PointPreClaude  Point = "pre_claude"
	PointPostClaude Point = "post_claude"
	PointPreTool    Point = "pre_tool"
	PointPostTool   Point = "post_tool"
	PointPreEdit    Point = "pre_edit"
	PointPostEdit   Point = "post_edit"
	PointPostOutput Point = "post_output"
)

var knownPoints = map[Point]bool{
	PointPreExecute: true,
	PointPreClaude:  true,
	PointPostClaude: true,
	PointPreTool:    true,
	PointPostTool:   true,
	PointPreEdit:    true,
	PointPostEdit:   true,
	PointPostOutput: true,
}

// mutatingPoints are the points whose hooks may rewrite the command or abort
// the execution. Hooks at other points may only emit warnings.
var mutatingPoints = map[Point]bool{
	PointPreExecute: true,
	PointPreClaude:  true,
}

// Spec is one configured hook command.
type Spec struct {
	Point   Point
	Command string
	Timeout time.Duration
}

// Config is the parsed hook configuration file.
type Config struct {
	Specs          map[Point][]Spec
	DefaultTimeout time.Duration
	Env            map[string]string
}

// hookFile mirrors the JSON config file layout. Unknown top-level keys are
// ignored by encoding/json.
type hookFile struct {
	Hooks    map[string]json.RawMessage `json:"hooks"`
	TimeoutS float64                    `json:"timeout"`
	Env      map[string]string          `json:"env"`
}

// hookEntry is the explicit object form of a hook declaration.
type hookEntry struct {
	Command  string  `json:"command"`
	TimeoutS float64 `json:"timeout"`
}

// LoadFile parses the hook config at path. An empty path yields an empty
// (no-hooks) configuration. fallbackTimeout applies to hooks without a
// per-hook or per-file timeout.
func LoadFile(path string, fallbackTimeout time.Duration, log *logger.Logger) (*Config, error) {
	cfg := &Config{
		Specs:          make(map[Point][]Spec),
		DefaultTimeout: fallbackTimeout,
		Env:            map[string]string{},
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading hook config %s: %w", path, err)
	}
	var file hookFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing hook config %s: %w", path, err)
	}

	if file.TimeoutS > 0 {
		cfg.DefaultTimeout = time.Duration(file.TimeoutS * float64(time.Second))
	}
	if file.Env != nil {
		cfg.Env = file.Env
	}

	for name, raw := range file.Hooks {
		point := Point(name)
		if !knownPoints[point] {
			log.Warn("ignoring unknown hook point in config",
				zap.String("hook_point", name),
				zap.String("path", path))
			continue
		}
		specs, err := parseDeclaration(point, raw, cfg.DefaultTimeout)
		if err != nil {
			return nil, fmt.Errorf("hook config %s, point %s: %w", path, name, err)
		}
		cfg.Specs[point] = specs
	}
	return cfg, nil
}

// parseDeclaration accepts the three declaration shapes: a shorthand command
// string, an explicit {command, timeout} object, or a list of either.
func parseDeclaration(point Point, raw json.RawMessage, defaultTimeout time.Duration) ([]Spec, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		list = []json.RawMessage{raw}
	}

	specs := make([]Spec, 0, len(list))
	for _, item := range list {
		var command string
		if err := json.Unmarshal(item, &command); err == nil {
			if command == "" {
				return nil, fmt.Errorf("empty hook command")
			}
			specs = append(specs, Spec{Point: point, Command: command, Timeout: defaultTimeout})
			continue
		}
		var entry hookEntry
		if err := json.Unmarshal(item, &entry); err != nil {
			return nil, fmt.Errorf("hook declaration must be a string or an object: %w", err)
		}
		if entry.Command == "" {
			return nil, fmt.Errorf("hook object missing command")
		}
		timeout := defaultTimeout
		if entry.TimeoutS > 0 {
			timeout = time.Duration(entry.TimeoutS * float64(time.Second))
		}
		specs = append(specs, Spec{Point: point, Command: entry.Command, Timeout: timeout})
	}
	return specs, nil
}

// HasHooks reports whether any hook is declared for the point.
func (c *Config) HasHooks(point Point) bool {
	return len(c.Specs[point]) > 0
}
