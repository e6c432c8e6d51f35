package hardware

import "time"

const (
	DefaultGpioChip = "gpiochip0"
	Consumer        = "deoxy-service"

	// Scheduler defaults
	DefaultSpinWindow   = 200 * time.Microsecond
	DefaultRespawnDelay = 10 * time.Millisecond
	maxSleepSlice       = 50 * time.Millisecond
)

// PwmMappings lists the BCM pins routed to the SoC PWM block, keyed by pin
// number. Pins 12/18 share channel 0 and 13/19 share channel 1.
var PwmMappings = map[int]struct {
	Chip    int
	Channel int
}{
	12: {0, 0},
	18: {0, 0},
	13: {0, 1},
	19: {0, 1},
}

// IsPwmCapable reports whether the pin can be driven by hardware PWM.
func IsPwmCapable(pin int) bool {
	_, ok := PwmMappings[pin]
	return ok
}
