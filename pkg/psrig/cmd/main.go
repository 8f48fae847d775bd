package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/nik9play/psrig/pkg/psrig"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose     bool
	showVersion bool
	configPath  string
)

func init() {
	pflag.BoolVarP(&verbose, "verbose", "v", false, "show verbose logs (useful for debugging serial)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")

	// these override the config file when given
	pflag.String("port", "", "serial port of the light controller, or \"auto\"")
	pflag.Int("baud", 0, "serial baud rate")
	pflag.String("kind", "", "image kind used in file names (flat, calibration, target)")
	pflag.String("output", "", "directory captured frames are written to")
	pflag.String("sensor", "", "image sensor (test_pattern, tethered)")
	pflag.Int("brightness", -1, "light level applied after connecting (0-255)")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: psrig [flags] [command [args]]\n\n")
		fmt.Fprintf(os.Stderr, "Without a command, an interactive shell is started.\n")
		fmt.Fprintf(os.Stderr, "Commands: sweep, single <n|s|e|w>, brightness <0-255>, reset, status\n\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func main() {
	if showVersion {
		fmt.Println(versionString())
		return
	}

	// first we need a logger
	logger, err := psrig.NewLogger(buildType, verbose)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	// provide a fair warning if the user's running in verbose mode
	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	// create the psrig instance
	r, err := psrig.NewRig(logger, verbose, configPath)
	if err != nil {
		named.Fatalw("Failed to create psrig object", "error", err)
	}

	// if injected by build process, set version info to show up in the shell banner
	if buildType != "" && (versionTag != "" || gitCommit != "") {
		r.SetVersion(versionString())
	}

	// onwards, to glory
	if err = r.Initialize(pflag.CommandLine, pflag.Args()); err != nil {
		named.Fatalw("Failed to initialize psrig", "error", err)
	}
}

func versionString() string {
	identifier := "dev"
	if versionTag != "" {
		identifier = versionTag
	} else if gitCommit != "" {
		identifier = gitCommit
	}

	if buildType == "" {
		return identifier
	}

	return fmt.Sprintf("%s (%s)", identifier, buildType)
}
