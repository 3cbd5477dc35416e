package voicecmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultBatteryLevel is reported by the fixed reader used when no battery
// source is configured.
const DefaultBatteryLevel = 75

// ErrNoBattery is returned when no power supply exposes a capacity.
var ErrNoBattery = errors.New("voicecmd: no battery found")

// BatteryReader reports the remaining charge in percent.
type BatteryReader interface {
	BatteryLevel(ctx context.Context) (int, error)
}

// FixedBattery always reports the same level.
type FixedBattery int

// BatteryLevel returns b.
func (b FixedBattery) BatteryLevel(context.Context) (int, error) { return int(b), nil }

// SysfsBattery reads the capacity of the first Linux power supply matching
// Glob, e.g. "/sys/class/power_supply/BAT*/capacity".
type SysfsBattery struct {
	Glob string
}

// DefaultSysfsGlob matches every power supply exposing a capacity.
const DefaultSysfsGlob = "/sys/class/power_supply/*/capacity"

// BatteryLevel reads and parses the first matching capacity file.
func (b SysfsBattery) BatteryLevel(context.Context) (int, error) {
	pattern := b.Glob
	if pattern == "" {
		pattern = DefaultSysfsGlob
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0, fmt.Errorf("voicecmd: battery glob: %w", err)
	}
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		level, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil || level < 0 || level > 100 {
			continue
		}
		return level, nil
	}
	return 0, ErrNoBattery
}
