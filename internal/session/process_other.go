//go:build !unix

package session

import (
	"os"

	"github.com/zsiec/fsrv/internal/shm"
)

// ExecSpawner is only available on unix platforms.
type ExecSpawner struct {
	Stderr *os.File
}

func (e *ExecSpawner) Start(string, int, SpawnArgs) (Process, error) {
	return nil, shm.ErrUnsupported
}
