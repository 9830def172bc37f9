// Package mempool pools the scratch buffers used while flattening level
// tensors and masking suppressed boxes.
package mempool

import (
	"sync"
)

const classStep = 1024

var (
	float32Pools sync.Map // size class -> *sync.Pool of []float32
	boolPools    sync.Map // size class -> *sync.Pool of []bool
)

// sizeClass rounds n up to a multiple of classStep, with classStep as the minimum.
func sizeClass(n int) int {
	if n <= classStep {
		return classStep
	}
	return (n + classStep - 1) / classStep * classStep
}

func poolFor[T any](pools *sync.Map, cls int) *sync.Pool {
	p, _ := pools.LoadOrStore(cls, &sync.Pool{New: func() any { return make([]T, cls) }})
	return p.(*sync.Pool) //nolint:forcetypeassert // only *sync.Pool is stored
}

func get[T any](pools *sync.Map, n int) []T {
	if n < 0 {
		n = 0
	}
	cls := sizeClass(n)
	buf, ok := poolFor[T](pools, cls).Get().([]T)
	if !ok || cap(buf) < cls {
		buf = make([]T, cls)
	}
	return buf[:n]
}

func put[T any](pools *sync.Map, buf []T) {
	if buf == nil {
		return
	}
	// Buffers are filed under the class their capacity fills completely.
	c := cap(buf)
	if c < classStep {
		return
	}
	cls := c / classStep * classStep
	poolFor[T](pools, cls).Put(buf[:cap(buf)]) //nolint:staticcheck
}

// GetFloat32 returns a []float32 of length n. Contents are undefined; the
// caller must overwrite every element and return the buffer via PutFloat32.
func GetFloat32(n int) []float32 {
	return get[float32](&float32Pools, n)
}

// PutFloat32 returns a buffer to the pool. It is safe to pass nil.
func PutFloat32(buf []float32) {
	put(&float32Pools, buf)
}

// GetBool returns a zeroed []bool of length n. Return it via PutBool.
func GetBool(n int) []bool {
	buf := get[bool](&boolPools, n)
	clear(buf)
	return buf
}

// PutBool returns a buffer to the pool. It is safe to pass nil.
func PutBool(buf []bool) {
	put(&boolPools, buf)
}
