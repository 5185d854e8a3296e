// Package objectstore stands in for the copy-on-write storage pool that
// spec §1 and §6 treat as an external collaborator: "the core sees it as an
// opaque append-only object store with snapshots." It is grounded on
// original_source/storage/zfs_manager.rs's dataset/snapshot/rollback shape,
// re-expressed as a small in-process content-addressed store rather than
// a ZFS binding, since the core only ever sees the interface.
package objectstore

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/jordigilh/guardian/internal/guardianerr"
)

type dataset struct {
	objects map[string][]byte // key -> bytes
}

func cloneDataset(d dataset) dataset {
	out := dataset{objects: make(map[string][]byte, len(d.objects))}
	for k, v := range d.objects {
		cp := make([]byte, len(v))
		copy(cp, v)
		out.objects[k] = cp
	}
	return out
}

// Pool is an opaque append-only object store with named snapshots, the
// shape the model store, audit recorder and registry all depend on.
type Pool struct {
	mu        sync.RWMutex
	live      dataset
	snapshots map[string]dataset
}

// New constructs an empty pool.
func New() *Pool {
	return &Pool{
		live:      dataset{objects: make(map[string][]byte)},
		snapshots: make(map[string]dataset),
	}
}

// Hash returns the sha-256 hex digest of bytes, the content address used
// across model store and audit entries.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Put appends (or overwrites) an object at key. The store is append-only
// in spirit: callers are expected to key by content hash or monotonically
// increasing identifiers so existing keys are not reused for new content.
func (p *Pool) Put(key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	p.live.objects[key] = cp
	return nil
}

// Get retrieves the object at key.
func (p *Pool) Get(key string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.live.objects[key]
	if !ok {
		return nil, guardianerr.Storage("object not found: "+key, nil)
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

// Delete removes the object at key, if present.
func (p *Pool) Delete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live.objects, key)
	return nil
}

// List returns every live key, for registry enumeration.
func (p *Pool) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.live.objects))
	for k := range p.live.objects {
		out = append(out, k)
	}
	return out
}

// Snapshot captures the current live dataset under tag, copy-on-write.
func (p *Pool) Snapshot(tag string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots[tag] = cloneDataset(p.live)
	return nil
}

// Rollback restores the live dataset to a previously captured snapshot.
func (p *Pool) Rollback(tag string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.snapshots[tag]
	if !ok {
		return guardianerr.Storage("snapshot not found: "+tag, nil)
	}
	p.live = cloneDataset(snap)
	return nil
}

// SnapshotInfo describes a captured snapshot for listing purposes.
type SnapshotInfo struct {
	Tag       string
	CreatedAt time.Time
	Objects   int
}
