package util

import (
	"fmt"
	"math"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// EnsureDirExists creates the given directory path if it doesn't already exist
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}

	return nil
}

// FileExists checks if a file exists and is not a directory before we try using it to prevent further errors
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}

	return err == nil && !info.IsDir()
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	return c
}

// OpenExternal spawns a detached window with the provided command and argument
func OpenExternal(logger *zap.SugaredLogger, cmd string, arg string) error {
	command := exec.Command(cmd, arg)

	if err := command.Start(); err != nil {
		logger.Warnw("Failed to spawn detached process",
			"command", cmd,
			"argument", arg,
			"error", err)

		return fmt.Errorf("spawn detached proc: %w", err)
	}

	return nil
}

// ScaleControlValue maps a raw 7-bit control value (0-127) onto a 0-100 percentage
func ScaleControlValue(raw int) int {
	if raw <= 0 {
		return 0
	}
	if raw >= 127 {
		return 100
	}

	return int(math.Round(float64(raw) * 100 / 127))
}

// ClampPercent bounds a percentage to [0, 100]
func ClampPercent(percent int) int {
	return min(max(percent, 0), 100)
}
