package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownSignal is returned for unrecognised power signals.
var ErrUnknownSignal = errors.New("lifecycle: unknown signal")

// Signal is a device power transition or a reset request.
type Signal string

const (
	SignalScreenOff Signal = "screen_off"
	SignalScreenOn  Signal = "screen_on"
	SignalShutdown  Signal = "shutdown"
	SignalBoot      Signal = "boot"
	SignalReset     Signal = "reset"
)

// ParseSignal accepts the signal names used on the wire, case-insensitive,
// with either "-" or "_" separators.
func ParseSignal(s string) (Signal, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	switch sig := Signal(normalized); sig {
	case SignalScreenOff, SignalScreenOn, SignalShutdown, SignalBoot, SignalReset:
		return sig, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSignal, s)
}
