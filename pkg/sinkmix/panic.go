package sinkmix

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/MixyLabs/sinkmix/pkg/sinkmix/util"
)

const (
	crashlogFilename        = "sinkmix-crash-%s.log"
	crashlogTimestampFormat = "2006.01.02-15.04.05"

	crashMessage = `-----------------------------------------------------------------
                        sinkmix crashlog
-----------------------------------------------------------------
Unfortunately, sinkmix has crashed.
To help diagnose the issue, a crashlog has been generated.
Please consider sharing this file with developers to help improve sinkmix.
You can do so by opening an issue at: https://github.com/MixyLabs/sinkmix/issues/new
-----------------------------------------------------------------
Time: %s
Panic occurred: %s
Stack trace:
%s
-----------------------------------------------------------------
`
)

func (s *SinkMix) recoverFromPanic() {
	r := recover()

	if r == nil {
		return
	}

	now := time.Now()

	if err := util.EnsureDirExists(logDirectory); err != nil {
		panic(fmt.Errorf("ensure crashlog dir exists: %w", err))
	}

	crashlogBytes := bytes.NewBufferString(fmt.Sprintf(crashMessage, now.Format(crashlogTimestampFormat), r, debug.Stack()))
	crashlogPath := filepath.Join(logDirectory, fmt.Sprintf(crashlogFilename, now.Format(crashlogTimestampFormat)))

	if err := os.WriteFile(crashlogPath, crashlogBytes.Bytes(), os.ModePerm); err != nil {
		panic(fmt.Errorf("can't even write the crashlog file contents: %w", err))
	}

	s.logger.Errorw("Encountered and logged panic, crashing",
		"crashlogPath", crashlogPath,
		"error", r)

	s.notifier.Notify("Unexpected crash occurred...",
		fmt.Sprintf("More details in %s", crashlogPath))

	// still sweep our modules off the server
	if s.controller != nil {
		_ = s.shutdownAudio()
	}

	s.logger.Errorw("Quitting", "exitCode", 1)
	os.Exit(1)
}
