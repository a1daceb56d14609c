//go:build !unix

package annexmap

import (
	"os"
	"sync"
)

var (
	locksMu sync.Mutex
	// held maps a lock file to -1 for a writer or the number of readers.
	held = make(map[string]int)
)

// tryLockFile serializes within the process only on platforms without flock.
func tryLockFile(f *os.File, exclusive bool) (bool, error) {
	locksMu.Lock()
	defer locksMu.Unlock()
	n := held[f.Name()]
	if exclusive {
		if n != 0 {
			return false, nil
		}
		held[f.Name()] = -1
		return true, nil
	}
	if n < 0 {
		return false, nil
	}
	held[f.Name()] = n + 1
	return true, nil
}

func unlockFile(f *os.File, exclusive bool) error {
	locksMu.Lock()
	defer locksMu.Unlock()
	if exclusive || held[f.Name()] <= 1 {
		delete(held, f.Name())
		return nil
	}
	held[f.Name()]--
	return nil
}
