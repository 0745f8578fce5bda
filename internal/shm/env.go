package shm

// Environment variables through which a parent hands a segment to the child
// it spawns.
const (
	EnvKey      = "FSRV_SHMKEY"
	EnvSize     = "FSRV_SHMSIZE"
	EnvLoop     = "FSRV_LOOP"
	EnvKind     = "FSRV_KIND"
	EnvResource = "FSRV_RESOURCE"
	EnvDir      = "FSRV_SHM_DIR"
)
