package controller

import (
	"sync"

	"github.com/ChuLiYu/tonebridge/pkg/types"
)

// keyLock 每個 job id 一把鎖，無人持有時回收
type keyLock struct {
	mu    sync.Mutex
	locks map[types.JobID]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[types.JobID]*keyEntry)}
}

// Lock 取得 id 的鎖，回傳解鎖函式
func (k *keyLock) Lock(id types.JobID) func() {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &keyEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
