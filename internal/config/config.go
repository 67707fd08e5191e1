// Package config parses the ambient tunables spec.md section 4.2 names
// (ring capacity, deferred-completion wait-out count) plus the live-session
// control surface (tracked processes, track-display, filtered-events,
// custom output attributes), combining environment variables (via
// caarlos0/env/v11) with command-line flags the way the teacher's
// ParseArgs does.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/ElysiumPtolemus/presentmon/internal/attributes"
)

// Config holds every tunable the presentmon binary needs at startup.
// Env vars are parsed first; CLI flags layer on top, matching the
// teacher's "env then CLI" custom-attribute merge order.
type Config struct {
	RingCapacity        int  `env:"PRESENTMON_RING_CAPACITY" envDefault:"4096"`
	DeferredCompletionN int  `env:"PRESENTMON_DEFERRED_N" envDefault:"3"`
	TrackDisplay        bool `env:"PRESENTMON_TRACK_DISPLAY" envDefault:"true"`
	FilteredEvents      bool `env:"PRESENTMON_FILTERED_EVENTS" envDefault:"false"`
	Debug               bool `env:"PRESENTMON_DEBUG" envDefault:"false"`

	TrackedProcesses []uint32
	CustomAttributes []attributes.CustomAttribute

	// InputPath, when non-empty, selects replay mode: a recorded event
	// trace is read from this path instead of a live ETW session.
	InputPath string
}

// ParseEnv parses the scalar env-tag fields, leaving the CLI-only fields
// (TrackedProcesses, CustomAttributes, InputPath) at their zero values.
func ParseEnv() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}
	return &cfg, nil
}

// ParseArgs parses cfg's CLI-only fields from args (os.Args[1:]), layering
// them on top of any values ParseEnv already populated.
//
// Recognized flags:
//
//	--pid N                 add a tracked process id (repeatable)
//	--track-display bool    override PRESENTMON_TRACK_DISPLAY
//	--filtered-events bool  override PRESENTMON_FILTERED_EVENTS
//	--ring-capacity N       override PRESENTMON_RING_CAPACITY
//	--attr name=expression  add a custom output attribute (repeatable)
//	--input path            replay a recorded trace instead of a live session
func (cfg *Config) ParseArgs(args []string) error {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--pid":
			val, err := nextArg(args, &i, "--pid")
			if err != nil {
				return err
			}
			pid, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return fmt.Errorf("config: invalid --pid %q: %w", val, err)
			}
			cfg.TrackedProcesses = append(cfg.TrackedProcesses, uint32(pid))

		case arg == "--track-display":
			val, err := nextArg(args, &i, "--track-display")
			if err != nil {
				return err
			}
			cfg.TrackDisplay = val == "true"

		case arg == "--filtered-events":
			val, err := nextArg(args, &i, "--filtered-events")
			if err != nil {
				return err
			}
			cfg.FilteredEvents = val == "true"

		case arg == "--ring-capacity":
			val, err := nextArg(args, &i, "--ring-capacity")
			if err != nil {
				return err
			}
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("config: invalid --ring-capacity %q: %w", val, err)
			}
			cfg.RingCapacity = n

		case arg == "--input":
			val, err := nextArg(args, &i, "--input")
			if err != nil {
				return err
			}
			cfg.InputPath = val

		case arg == "--attr":
			val, err := nextArg(args, &i, "--attr")
			if err != nil {
				return err
			}
			attr, err := parseCustomAttribute(val)
			if err != nil {
				return err
			}
			cfg.CustomAttributes = append(cfg.CustomAttributes, attr)

		default:
			return fmt.Errorf("config: unrecognized argument %q", arg)
		}
	}
	return nil
}

func nextArg(args []string, i *int, flag string) (string, error) {
	if *i+1 >= len(args) {
		return "", fmt.Errorf("config: %s requires a value", flag)
	}
	*i++
	return args[*i], nil
}

// parseCustomAttribute splits a "name=expression" flag value into a
// CustomAttribute, the way the teacher's ParseArgs splits "--attr" values.
func parseCustomAttribute(spec string) (attributes.CustomAttribute, error) {
	parts := strings.SplitN(spec, "=", 2)
	if len(parts) != 2 {
		return attributes.CustomAttribute{}, fmt.Errorf("config: malformed --attr %q, want name=expression", spec)
	}
	name := strings.TrimSpace(parts[0])
	expr := strings.TrimSpace(parts[1])
	if name == "" {
		return attributes.CustomAttribute{}, fmt.Errorf("config: empty attribute name in %q", spec)
	}
	if expr == "" {
		return attributes.CustomAttribute{}, fmt.Errorf("config: empty expression in %q", spec)
	}
	return attributes.CustomAttribute{Name: name, Expression: expr}, nil
}
