// Package syncutil provides named locks used to serialize writers per item.
package syncutil

import (
	"context"
	"hash/fnv"
)

// Locker serializes work on a name. The returned unlock func must be called
// exactly once.
type Locker interface {
	LockContext(ctx context.Context, name string) (func(), error)
}

const defaultShards = 256

// ContextShardedMutex is an in-process Locker backed by a fixed pool of
// channel mutexes. Names that hash to the same shard contend with each other,
// which is harmless as long as callers never hold two names at once.
type ContextShardedMutex struct {
	shards []chan struct{}
}

// NewContextShardedMutex creates a locker with the default shard count.
func NewContextShardedMutex() *ContextShardedMutex {
	return NewContextShardedMutexN(defaultShards)
}

// NewContextShardedMutexN creates a locker with n shards (minimum 1).
func NewContextShardedMutexN(n int) *ContextShardedMutex {
	if n < 1 {
		n = 1
	}
	m := &ContextShardedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext blocks until the shard for name is free or ctx is done.
func (m *ContextShardedMutex) LockContext(ctx context.Context, name string) (func(), error) {
	shard := m.shards[m.shardIdx(name)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *ContextShardedMutex) shardIdx(name string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return h.Sum32() % uint32(len(m.shards))
}

var _ Locker = (*ContextShardedMutex)(nil)
