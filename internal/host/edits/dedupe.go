package edits

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

type versionDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, uint64]
}

func newVersionDedupe(size int) *versionDedupe {
	c, _ := lru.New[string, uint64](size)
	return &versionDedupe{lru: c}
}

// fresh reports whether v is newer than the last version applied to layer.
func (d *versionDedupe) fresh(layer string, v uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lru.Get(layer)
	return !ok || v > last
}

func (d *versionDedupe) record(layer string, v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(layer); ok && last >= v {
		return
	}
	d.lru.Add(layer, v)
}
