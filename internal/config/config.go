package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"

	"deoxy-service/internal/hardware"
	"deoxy-service/internal/types"
)

const (
	MinInterlock     = 20 * time.Millisecond
	DefaultPulses    = 50
	DefaultRedisPort = 6379
)

type MotorMode string

const (
	ModePWM        MotorMode = "pwm"
	ModePulseTrain MotorMode = "pulse-train"
)

// MotorSpec fully specifies a servo valve.
type MotorSpec struct {
	Name   string    `toml:"name"`
	Pin    int       `toml:"pin"`
	Range  []uint32  `toml:"range"`  // µs
	Period uint64    `toml:"period"` // ms
	Mode   MotorMode `toml:"mode"`
	// Pulses is the length of each pulse train in pulse-train mode.
	Pulses int `toml:"pulses"`
}

func (m MotorSpec) MinPulse() time.Duration {
	return time.Duration(m.Range[0]) * time.Microsecond
}

func (m MotorSpec) MaxPulse() time.Duration {
	return time.Duration(m.Range[1]) * time.Microsecond
}

func (m MotorSpec) PeriodDuration() time.Duration {
	return time.Duration(m.Period) * time.Millisecond
}

// PumpSpec describes the H-bridge. Pins 0 and 3 drive forward, 1 and 2
// backward.
type PumpSpec struct {
	Pins        []int `toml:"pins"`
	InterlockMs int   `toml:"interlock_ms"`
}

func (p PumpSpec) Interlock() time.Duration {
	return time.Duration(p.InterlockMs) * time.Millisecond
}

type ProtocolSpec struct {
	Name  string   `toml:"name"`
	Steps []string `toml:"steps"`
}

type ServiceConfig struct {
	GpioChip string `toml:"gpio_chip"`
	// Failsafe stops the pump after a failed or aborted run.
	Failsafe *bool `toml:"failsafe"`
}

type RedisConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

type SchedulerSpec struct {
	SpinUs         int  `toml:"spin_us"`
	RespawnDelayMs int  `toml:"respawn_delay_ms"`
	CPU            *int `toml:"cpu"`
}

func (s SchedulerSpec) Config() hardware.SchedulerConfig {
	cfg := hardware.DefaultSchedulerConfig()
	if s.SpinUs > 0 {
		cfg.SpinWindow = time.Duration(s.SpinUs) * time.Microsecond
	}
	if s.RespawnDelayMs > 0 {
		cfg.RespawnDelay = time.Duration(s.RespawnDelayMs) * time.Millisecond
	}
	if s.CPU != nil {
		cfg.CPU = *s.CPU
	}
	return cfg
}

type Config struct {
	Service   ServiceConfig  `toml:"service"`
	Redis     RedisConfig    `toml:"redis"`
	Scheduler SchedulerSpec  `toml:"scheduler"`
	Motors    []MotorSpec    `toml:"motors"`
	Pump      PumpSpec       `toml:"pump"`
	Protocols []ProtocolSpec `toml:"protocols"`
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func Parse(data string) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Service.GpioChip == "" {
		c.Service.GpioChip = hardware.DefaultGpioChip
	}
	if c.Service.Failsafe == nil {
		on := true
		c.Service.Failsafe = &on
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "127.0.0.1"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = DefaultRedisPort
	}
	if c.Pump.InterlockMs == 0 {
		c.Pump.InterlockMs = int(MinInterlock / time.Millisecond)
	}
	for i := range c.Motors {
		m := &c.Motors[i]
		if m.Mode == "" {
			if hardware.IsPwmCapable(m.Pin) {
				m.Mode = ModePWM
			} else {
				m.Mode = ModePulseTrain
			}
		}
		if m.Mode == ModePulseTrain && m.Pulses == 0 {
			m.Pulses = DefaultPulses
		}
		if m.Name == "" {
			m.Name = fmt.Sprintf("motor %d", i)
		}
	}
}

func (c *Config) FailsafeEnabled() bool {
	return c.Service.Failsafe == nil || *c.Service.Failsafe
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs error
	for i, m := range c.Motors {
		errs = multierr.Append(errs, m.Validate(i))
	}
	errs = multierr.Append(errs, c.Pump.Validate())
	errs = multierr.Append(errs, CheckPinConflicts(c.PinOwners()))
	if c.Scheduler.CPU != nil && *c.Scheduler.CPU < -1 {
		errs = multierr.Append(errs, fmt.Errorf("scheduler: invalid cpu %d", *c.Scheduler.CPU))
	}

	seen := make(map[string]bool)
	for i, p := range c.Protocols {
		if p.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("protocol %d: missing name", i))
		} else if seen[p.Name] {
			errs = multierr.Append(errs, fmt.Errorf("protocol %q: defined twice", p.Name))
		}
		seen[p.Name] = true
		if _, err := c.ProtocolSteps(p); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("protocol %q: %w", p.Name, err))
		}
	}
	return errs
}

func (m MotorSpec) Validate(index int) error {
	var errs error
	if len(m.Range) != 2 {
		return fmt.Errorf("motor %d: range needs exactly two values [min_us, max_us], got %d", index, len(m.Range))
	}
	if m.Range[0] == 0 {
		// a zero width is the stop signal, never a position
		errs = multierr.Append(errs, fmt.Errorf("motor %d: range min must be positive", index))
	}
	if m.Range[0] >= m.Range[1] {
		errs = multierr.Append(errs, fmt.Errorf("motor %d: range min %dus must be below max %dus", index, m.Range[0], m.Range[1]))
	}
	if m.Period == 0 {
		errs = multierr.Append(errs, fmt.Errorf("motor %d: period must be positive", index))
	} else if m.MaxPulse() > m.PeriodDuration() {
		errs = multierr.Append(errs, fmt.Errorf("motor %d: max pulse %v exceeds period %v", index, m.MaxPulse(), m.PeriodDuration()))
	}
	switch m.Mode {
	case ModePWM:
		if !hardware.IsPwmCapable(m.Pin) {
			errs = multierr.Append(errs, fmt.Errorf("motor %d: pin %d has no hardware PWM", index, m.Pin))
		}
	case ModePulseTrain:
		if m.Pulses <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("motor %d: pulses must be positive", index))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("motor %d: unknown mode %q", index, m.Mode))
	}
	return errs
}

func (p PumpSpec) Validate() error {
	var errs error
	if len(p.Pins) != 4 {
		errs = multierr.Append(errs, fmt.Errorf("pump: needs exactly four pins, got %d", len(p.Pins)))
	}
	if p.Interlock() < MinInterlock {
		errs = multierr.Append(errs, fmt.Errorf("pump: interlock %v is below the %v minimum", p.Interlock(), MinInterlock))
	}
	return errs
}

// ProtocolSteps parses a protocol and checks its motor references.
func (c *Config) ProtocolSteps(p ProtocolSpec) ([]types.Step, error) {
	steps, err := types.ParseSteps(p.Steps)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("no steps")
	}
	for i, s := range steps {
		if s.Kind == types.KindMotor && s.Motor >= len(c.Motors) {
			return nil, fmt.Errorf("step %d: motor %d is not configured", i, s.Motor)
		}
	}
	return steps, nil
}

func (c *Config) Protocol(name string) (ProtocolSpec, bool) {
	for _, p := range c.Protocols {
		if p.Name == name {
			return p, true
		}
	}
	return ProtocolSpec{}, false
}

// PinOwners maps each claimed resource to the actuators claiming it. PWM
// channels shared by two pins count as one resource.
func (c *Config) PinOwners() map[int][]string {
	owners := make(map[int][]string)
	for i, m := range c.Motors {
		owners[m.Pin] = append(owners[m.Pin], fmt.Sprintf("motor %d", i))
	}
	for i, p := range c.Pump.Pins {
		owners[p] = append(owners[p], fmt.Sprintf("pump pin %d", i))
	}

	channels := make(map[[2]int]int)
	for i, m := range c.Motors {
		if m.Mode != ModePWM {
			continue
		}
		mapping, ok := hardware.PwmMappings[m.Pin]
		if !ok {
			continue
		}
		key := [2]int{mapping.Chip, mapping.Channel}
		if first, ok := channels[key]; ok && first != m.Pin {
			owners[first] = append(owners[first], fmt.Sprintf("motor %d (shared PWM channel)", i))
			continue
		}
		channels[key] = m.Pin
	}
	return owners
}

// PinConflictError lists every pin claimed by more than one actuator.
type PinConflictError struct {
	Conflicts map[int][]string
}

func (e *PinConflictError) Pins() []int {
	pins := make([]int, 0, len(e.Conflicts))
	for pin := range e.Conflicts {
		pins = append(pins, pin)
	}
	sort.Ints(pins)
	return pins
}

func (e *PinConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, pin := range e.Pins() {
		parts = append(parts, fmt.Sprintf("pin %d claimed by %s", pin, strings.Join(e.Conflicts[pin], ", ")))
	}
	return "pin conflict: " + strings.Join(parts, "; ")
}

// CheckPinConflicts returns a *PinConflictError when any pin has more than
// one owner.
func CheckPinConflicts(owners map[int][]string) error {
	conflicts := make(map[int][]string)
	for pin, who := range owners {
		if len(who) > 1 {
			conflicts[pin] = who
		}
	}
	if len(conflicts) == 0 {
		return nil
	}
	return &PinConflictError{Conflicts: conflicts}
}
