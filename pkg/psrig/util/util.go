package util

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"

	"go.uber.org/zap"
)

// OpenExternal opens a file or folder with the default associated program
func OpenExternal(logger *zap.SugaredLogger, filename string) error {
	command := getOpenExternalCommand(filename)

	if err := command.Start(); err != nil {
		logger.Warnw("Failed to open file",
			"filename", filename,
			"error", err)
		return fmt.Errorf("open file proc: %w", err)
	}

	go waitExternal(logger, filename, command)

	return nil
}

func waitExternal(logger *zap.SugaredLogger, filename string, command *exec.Cmd) {
	if err := command.Wait(); err != nil {
		logger.Warnw("External program exited with an error",
			"filename", filename,
			"command", command.Path,
			"error", err)
	}
}

// EnsureDirExists creates the given directory path if it doesn't already exist
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}

	return nil
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	if err != nil {
		// unreadable entries still occupy the name
		return true
	}

	return !info.IsDir()
}

// Linux returns true if we're running on Linux
func Linux() bool {
	return runtime.GOOS == "linux"
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	return c
}
