//go:build !windows

package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// CreateMutex makes sure only one process holds name. The lock is a pid file in
// the temp directory; a file left behind by a dead process is taken over.
func CreateMutex(name string) error {
	lockFile := filepath.Join(os.TempDir(), name+".lock")
	currentPid := os.Getpid()

	lockContent, err := os.ReadFile(lockFile)
	if err == nil {
		content := strings.TrimSpace(string(lockContent))
		if content != "" && content != strconv.Itoa(currentPid) {
			lockProcessId, _ := strconv.Atoi(content)
			if lockProcessId > 0 {
				process, err := os.FindProcess(lockProcessId)
				if err == nil && process.Signal(syscall.Signal(0)) == nil {
					return fmt.Errorf("another instance of %s is running (pid %d)", name, lockProcessId)
				}
			}
		}
	}

	if err := os.WriteFile(lockFile, []byte(strconv.Itoa(currentPid)), 0o664); err != nil {
		return fmt.Errorf("write lock file %s: %w", lockFile, err)
	}

	return nil
}

// ReleaseMutex removes the lock file if this process owns it.
func ReleaseMutex(name string) {
	lockFile := filepath.Join(os.TempDir(), name+".lock")

	lockContent, err := os.ReadFile(lockFile)
	if err == nil && strings.TrimSpace(string(lockContent)) == strconv.Itoa(os.Getpid()) {
		_ = os.Remove(lockFile)
	}
}
