package repository

import (
	"os"
	"sync"

	"github.com/go-git/go-billy/v6"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/lewtec/tracker/internal/domain"
)

// Guard serializes every read-modify-write cycle on the mutable state
// behind a partition key. Exclusion works on two levels: a keyed mutex for
// goroutines in this process, and an advisory lock on a sidecar .lock file
// for independent processes sharing the same storage location (the backing
// files regularly live on a network share). Acquisition blocks; a write is
// never silently dropped.
type Guard struct {
	fs    billy.Filesystem
	locks *xsync.Map[string, *sync.Mutex]
}

// NewGuard creates a guard placing its lock files in the root of fs.
func NewGuard(fs billy.Filesystem) *Guard {
	return &Guard{
		fs:    fs,
		locks: xsync.NewMap[string, *sync.Mutex](),
	}
}

// WithPartitionLock runs fn with exclusive access to all state keyed by
// partitionKey.
func (g *Guard) WithPartitionLock(partitionKey string, fn func() error) error {
	mu, _ := g.locks.LoadOrStore(partitionKey, &sync.Mutex{})
	mu.Lock()
	defer mu.Unlock()

	lockPath := partitionKey + ".lock"
	f, err := g.fs.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return &domain.StorageError{Op: "opening lock file", Path: lockPath, Err: err}
	}
	defer f.Close()

	// Only some filesystems support advisory file locks (osfs does,
	// memfs does not). Where they are missing the keyed mutex above is
	// the only exclusion, which is enough for a single process.
	if locker, ok := f.(billy.Locker); ok {
		if err := locker.Lock(); err != nil {
			return &domain.StorageError{Op: "locking", Path: lockPath, Err: err}
		}
		defer locker.Unlock()
	}

	return fn()
}
