package pipeline

import (
	"github.com/cespare/xxhash/v2"

	"kvingest/pkg/types"
)

// Router deterministically maps encoded keys to workers. Identical keys
// always land on the same worker, which serializes all operations on a
// key without any locking.
type Router struct {
	workers uint64
}

func NewRouter(workers int) Router {
	if workers < 1 {
		workers = 1
	}
	return Router{workers: uint64(workers)}
}

func (r Router) WorkerFor(key types.Key) int {
	return int(xxhash.Sum64(key) % r.workers)
}
