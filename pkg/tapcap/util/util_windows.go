package util

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/windows"
)

var (
	mutexes   = map[string]windows.Handle{}
	mutexesMu sync.Mutex
)

// CreateMutex makes sure only one process holds name, using a named kernel mutex.
// The OS releases it when the process exits.
func CreateMutex(name string) error {
	namePtr, err := windows.UTF16PtrFromString("Global\\" + name)
	if err != nil {
		return fmt.Errorf("encode mutex name: %w", err)
	}

	handle, err := windows.CreateMutex(nil, false, namePtr)
	if err != nil {
		if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
			if handle != 0 {
				_ = windows.CloseHandle(handle)
			}
			return fmt.Errorf("another instance of %s is running", name)
		}
		return fmt.Errorf("create mutex %s: %w", name, err)
	}

	mutexesMu.Lock()
	mutexes[name] = handle
	mutexesMu.Unlock()

	return nil
}

// ReleaseMutex closes the mutex created by CreateMutex.
func ReleaseMutex(name string) {
	mutexesMu.Lock()
	defer mutexesMu.Unlock()

	if handle, ok := mutexes[name]; ok {
		_ = windows.CloseHandle(handle)
		delete(mutexes, name)
	}
}
