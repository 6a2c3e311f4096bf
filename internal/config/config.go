// Package config loads and validates the JSON configuration file described
// in spec.md §6.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Protocol is the forwarding protocol for an Application (spec.md §3).
type Protocol int

const (
	ProtocolTCP Protocol = iota
	ProtocolUDP
)

func (p Protocol) String() string {
	if p == ProtocolUDP {
		return "udp"
	}
	return "tcp"
}

// UnmarshalJSON accepts any casing of "tcp"/"udp".
func (p *Protocol) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "", "tcp":
		*p = ProtocolTCP
	case "udp":
		*p = ProtocolUDP
	default:
		return fmt.Errorf("unknown protocol %q", s)
	}
	return nil
}

// InactiveAction is the action taken on an idle container group
// (spec.md §3).
type InactiveAction int

const (
	ActionPause InactiveAction = iota
	ActionStop
)

func (a InactiveAction) String() string {
	if a == ActionStop {
		return "stop"
	}
	return "pause"
}

// UnmarshalJSON accepts any casing of "pause"/"stop".
func (a *InactiveAction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "", "pause":
		*a = ActionPause
	case "stop":
		*a = ActionStop
	default:
		return fmt.Errorf("unknown inactive action %q", s)
	}
	return nil
}

// Duration wraps time.Duration to additionally accept "HH:MM:SS" in JSON,
// alongside Go's own duration syntax ("10m", "1h30m"), per spec.md §6.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := parseDuration(s)
		if perr != nil {
			return perr
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration: %s", string(data))
	}
	*d = Duration(time.Duration(n))
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if strings.Count(s, ":") == 2 {
		var h, m, sec int
		if _, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); err != nil {
			return 0, fmt.Errorf("invalid HH:MM:SS duration %q: %w", s, err)
		}
		return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// ApplicationConfig is one configured Application (spec.md §3), immutable
// once loaded.
type ApplicationConfig struct {
	SocketURI           string         `json:"SocketUri"`
	DockerContainerName string         `json:"DockerContainerName"`
	ApplyToComposeGroup *bool          `json:"ApplyToComposeGroup"`
	Protocol            Protocol       `json:"Protocol"`
	ListenPort          uint16         `json:"ListenPort"`
	TargetAddress       string         `json:"TargetAddress"`
	TargetPort          uint16         `json:"TargetPort"`
	InactiveAfter       *Duration      `json:"InactiveAfter"`
	CheckInterval       *Duration      `json:"CheckInterval"`
	InactiveAction      InactiveAction `json:"InactiveAction"`
	StartupDelay        *Duration      `json:"StartupDelay"`
	HealthcheckEnabled  bool           `json:"HealthcheckEnabled"`
	HealthcheckInterval *Duration      `json:"HealthcheckInterval"`
}

// Defaults, spec.md §3.
const (
	DefaultApplyToComposeGroup = true
	DefaultTargetAddress       = "127.0.0.1"
	DefaultInactiveAfter       = 10 * time.Minute
	DefaultCheckInterval       = 5 * time.Second
	DefaultStartupDelay        = time.Second
	DefaultHealthcheckInterval = time.Second
)

// applyDefaults fills in every optional field left unset in the source JSON.
func (c *ApplicationConfig) applyDefaults() {
	if c.ApplyToComposeGroup == nil {
		v := DefaultApplyToComposeGroup
		c.ApplyToComposeGroup = &v
	}
	if c.TargetAddress == "" {
		c.TargetAddress = DefaultTargetAddress
	}
	if c.InactiveAfter == nil {
		d := Duration(DefaultInactiveAfter)
		c.InactiveAfter = &d
	}
	if c.CheckInterval == nil {
		d := Duration(DefaultCheckInterval)
		c.CheckInterval = &d
	}
	if c.StartupDelay == nil {
		d := Duration(DefaultStartupDelay)
		c.StartupDelay = &d
	}
	if c.HealthcheckInterval == nil {
		d := Duration(DefaultHealthcheckInterval)
		c.HealthcheckInterval = &d
	}
}

// validate enforces the required fields of spec.md §6.
func (c *ApplicationConfig) validate() error {
	if c.DockerContainerName == "" {
		return fmt.Errorf("DockerContainerName is required")
	}
	if c.ListenPort == 0 {
		return fmt.Errorf("ListenPort is required and must be non-zero")
	}
	if c.TargetPort == 0 {
		return fmt.Errorf("TargetPort is required and must be non-zero")
	}
	return nil
}

// Root is the top-level configuration document: { "Applications": [...] }.
type Root struct {
	Applications []ApplicationConfig `json:"Applications"`
}

const DefaultPath = "config.json"

// Load reads and validates the configuration file at path. An empty path
// selects DefaultPath, per spec.md §6.
func Load(path string) (*Root, error) {
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	var root Root
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}

	for i := range root.Applications {
		app := &root.Applications[i]
		app.applyDefaults()
		if err := app.validate(); err != nil {
			return nil, fmt.Errorf("application %d: %w", i, err)
		}
	}

	return &root, nil
}
