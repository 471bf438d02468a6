package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/MixyLabs/sinkmix/pkg/sinkmix"
	"github.com/MixyLabs/sinkmix/pkg/sinkmix/util"
)

const instanceLockName = "sinkmix"

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose     bool
	configPath  string
	disableTray bool
)

func init() {
	pflag.BoolVarP(&verbose, "verbose", "v", false, "show verbose logs (every control surface event)")
	pflag.StringVarP(&configPath, "config", "c", sinkmix.DefaultConfigFilepath, "path to the configuration file")
	pflag.BoolVar(&disableTray, "no-tray", false, "run without the tray icon (overrides disable_tray)")
	pflag.Parse()
}

func main() {
	logger, err := sinkmix.NewLogger(buildType)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	if err := util.CreateMutex(instanceLockName); err != nil {
		named.Fatalw("Failed to claim single instance lock", "error", err)
	}

	s, err := sinkmix.NewSinkMix(logger, verbose, configPath)
	if err != nil {
		named.Fatalw("Failed to create sinkmix object", "error", err)
	}

	// only an explicit --no-tray wins over the config file
	if flag := pflag.Lookup("no-tray"); flag != nil && flag.Changed {
		if err := s.Config().Viper().BindPFlag("disable_tray", flag); err != nil {
			named.Warnw("Failed to bind flag", "flag", flag.Name, "error", err)
		}
	}

	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		versionString := fmt.Sprintf("Version %s-%s", buildType, identifier)
		s.SetVersion(versionString)
	}

	if err = s.Initialize(); err != nil {
		named.Fatalw("Failed to initialize sinkmix", "error", err)
	}
}
