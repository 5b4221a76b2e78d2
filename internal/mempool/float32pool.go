package mempool

import (
	"sync"
	"sync/atomic"
)

// Sized pools for the float32 tensor buffers built on every inference request.
// The segmentation input (1x256x768) and classifier input (1x3x224x224) have
// fixed sizes, so each settles into a single bucket after warmup.

var (
	float32Pools sync.Map // key: size class (int), value: *sync.Pool

	gets   atomic.Uint64
	puts   atomic.Uint64
	allocs atomic.Uint64
)

const step = 1024

// sizeClass rounds n up to the next multiple of 1024.
func sizeClass(n int) int {
	if n <= step {
		return step
	}
	return (n + step - 1) / step * step
}

func poolFor(cls int) *sync.Pool {
	if p, ok := float32Pools.Load(cls); ok {
		return p.(*sync.Pool) //nolint:forcetypeassert // only *sync.Pool is stored
	}
	p, _ := float32Pools.LoadOrStore(cls, &sync.Pool{New: func() any {
		allocs.Add(1)
		return make([]float32, cls)
	}})
	return p.(*sync.Pool) //nolint:forcetypeassert // only *sync.Pool is stored
}

// GetFloat32 retrieves a []float32 buffer of length n from the pool.
// Contents are not zeroed. Return it via PutFloat32 when done.
func GetFloat32(n int) []float32 {
	if n <= 0 {
		return nil
	}
	gets.Add(1)
	cls := sizeClass(n)
	buf, ok := poolFor(cls).Get().([]float32)
	if !ok || cap(buf) < cls {
		allocs.Add(1)
		buf = make([]float32, cls)
	}
	return buf[:n]
}

// GetFloat32Zeroed is GetFloat32 with the returned elements cleared.
func GetFloat32Zeroed(n int) []float32 {
	buf := GetFloat32(n)
	clear(buf)
	return buf
}

// PutFloat32 returns a buffer to the pool. Nil and undersized slices are dropped.
func PutFloat32(buf []float32) {
	if cap(buf) < step {
		return
	}
	puts.Add(1)
	// Buffers re-enter the largest class they fully cover.
	cls := cap(buf) / step * step
	poolFor(cls).Put(buf[:cls]) //nolint:staticcheck // slices are small headers
}

// Stats reports cumulative pool traffic.
type Stats struct {
	Gets   uint64
	Puts   uint64
	Allocs uint64
}

// Snapshot returns the current counters.
func Snapshot() Stats {
	return Stats{Gets: gets.Load(), Puts: puts.Load(), Allocs: allocs.Load()}
}
