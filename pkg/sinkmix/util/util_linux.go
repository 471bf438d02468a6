package util

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	ps "github.com/mitchellh/go-ps"
)

// CreateMutex claims a pid lock file, failing if the pid stored in it belongs to a live process
// running the same executable. A lock left behind by a dead instance is simply taken over.
func CreateMutex(name string) error {
	lockFile := name + ".lock"
	currentPid := os.Getpid()

	lockContent, err := os.ReadFile(lockFile)
	if err == nil {
		content := strings.TrimSpace(string(lockContent))
		if content != "" && content != strconv.Itoa(currentPid) {
			if held, err := lockHolderAlive(content); err == nil && held {
				return fmt.Errorf("another instance of %s is running", name)
			}
		}
	}

	f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0664)
	if err != nil {
		return fmt.Errorf("cannot instantiate mutex: %w", err)
	}
	defer f.Close()

	if _, err = f.WriteString(strconv.Itoa(currentPid)); err != nil {
		return fmt.Errorf("cannot instantiate mutex: %w", err)
	}

	return nil
}

func lockHolderAlive(pidString string) (bool, error) {
	pid, err := strconv.Atoi(pidString)
	if err != nil {
		return false, fmt.Errorf("parse lock pid: %w", err)
	}

	holder, err := ps.FindProcess(pid)
	if err != nil {
		return false, fmt.Errorf("find lock holder: %w", err)
	}

	// pid got recycled by an unrelated program
	if holder == nil {
		return false, nil
	}

	self, err := ps.FindProcess(os.Getpid())
	if err != nil || self == nil {
		return true, nil
	}

	return holder.Executable() == self.Executable(), nil
}
