package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/guardian/internal/guardianerr"
	"github.com/jordigilh/guardian/pkg/types"
)

// activeKey is the Redis key holding the currently active version for a
// model name, giving every agent process on the host the same answer to
// "which version is active" without a local cache-coherence problem.
func activeKey(name string) string {
	return "guardian:model:active:" + name
}

// Metadata is the registry's in-memory record for one registered version,
// mirroring types.ModelVersion plus the registry's own bookkeeping.
type Metadata = types.ModelVersion

// Registry layers status transitions, atomic activation and signature
// verification on top of Store (§4.7).
type Registry struct {
	mu      sync.RWMutex
	store   *Store
	records map[string]map[string]*Metadata // name -> version -> metadata
	rdb     *redis.Client
	oracle  HSM
	signKey string
	log     *logrus.Entry
}

// NewRegistry constructs a registry backed by store for blobs and rdb for
// the distributed active-version pointer.
func NewRegistry(store *Store, rdb *redis.Client, oracle HSM, signKey string, log *logrus.Entry) *Registry {
	return &Registry{
		store:   store,
		records: make(map[string]map[string]*Metadata),
		rdb:     rdb,
		oracle:  oracle,
		signKey: signKey,
		log:     log.WithField("component", "model_registry"),
	}
}

// Register stores a blob and creates its metadata record in Inactive
// status (§4.7 transitions: Inactive -> Validating -> (Active|Failed)).
func (r *Registry) Register(ctx context.Context, name, version string, data []byte) (*Metadata, error) {
	stored, err := r.store.Store(name, version, data)
	if err != nil {
		return nil, err
	}

	md := &Metadata{
		Name:             name,
		Version:          version,
		CreatedAt:        stored.CreatedAt,
		Hash:             stored.Hash,
		SizeBytes:        stored.Size,
		Status:           types.ModelInactive,
		ValidationStatus: types.ValidationPending,
	}

	r.mu.Lock()
	if r.records[name] == nil {
		r.records[name] = make(map[string]*Metadata)
	}
	r.records[name][version] = md
	r.mu.Unlock()

	return md, nil
}

// Validate verifies version's signature against signature and marks it
// Validating then Active-eligible by recording ValidationPassed; it never
// activates the version itself (activation is a separate, atomic step).
func (r *Registry) Validate(ctx context.Context, name, version string, signature []byte) error {
	r.mu.Lock()
	md, ok := r.records[name][version]
	if !ok {
		r.mu.Unlock()
		return guardianerr.ML("unknown model version: "+version, nil)
	}
	md.Status = types.ModelValidating
	r.mu.Unlock()

	data, err := r.store.Load(name, version)
	if err != nil {
		r.markFailed(name, version)
		return err
	}

	if err := VerifySignature(ctx, r.oracle, r.signKey, data, signature); err != nil {
		r.markFailed(name, version)
		return err
	}

	r.mu.Lock()
	md.ValidationStatus = types.ValidationPassed
	r.mu.Unlock()
	return nil
}

func (r *Registry) markFailed(name, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if md, ok := r.records[name][version]; ok {
		md.Status = types.ModelFailed
		md.ValidationStatus = types.ValidationFailed
	}
}

// Activate atomically makes version the single Active version for name,
// deprecating whatever was previously active (§4.7: "Exactly one version
// of a given name may be Active at a time; activation is atomic"). An
// attempt to activate a Failed version fails with an ML error.
func (r *Registry) Activate(ctx context.Context, name, version string) error {
	r.mu.Lock()
	md, ok := r.records[name][version]
	if !ok {
		r.mu.Unlock()
		return guardianerr.ML("unknown model version: "+version, nil)
	}
	if md.Status == types.ModelFailed {
		r.mu.Unlock()
		return guardianerr.ML("cannot activate a failed model version", nil)
	}
	if md.ValidationStatus != types.ValidationPassed {
		r.mu.Unlock()
		return guardianerr.ML("model version has not passed validation", nil)
	}

	var previouslyActive string
	for v, m := range r.records[name] {
		if m.Status == types.ModelActive {
			previouslyActive = v
		}
	}
	r.mu.Unlock()

	key := activeKey(name)
	ok2, err := r.casActivate(ctx, key, previouslyActive, version)
	if err != nil {
		return guardianerr.Storage("failed to CAS active version", err)
	}
	if !ok2 {
		return guardianerr.ML("concurrent activation lost the race for "+name, nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if previouslyActive != "" {
		if prev, ok := r.records[name][previouslyActive]; ok {
			prev.Status = types.ModelDeprecated
		}
	}
	md.Status = types.ModelActive
	return nil
}

// casActivate performs a compare-and-set of the Redis active-version
// pointer using a WATCH/MULTI transaction, the go-redis idiom for optimistic
// concurrency control.
func (r *Registry) casActivate(ctx context.Context, key, expectedPrevious, newValue string) (bool, error) {
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if current != expectedPrevious {
			return fmt.Errorf("active version changed concurrently")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newValue, 0)
			return nil
		})
		return err
	}

	err := r.rdb.Watch(ctx, txf, key)
	if err == nil {
		return true, nil
	}
	if err == redis.TxFailedErr {
		return false, nil
	}
	return false, err
}

// ActiveVersion returns the currently active version for name, consulting
// the shared Redis pointer so every process agrees.
func (r *Registry) ActiveVersion(ctx context.Context, name string) (string, error) {
	v, err := r.rdb.Get(ctx, activeKey(name)).Result()
	if err == redis.Nil {
		return "", guardianerr.ML("no active version for "+name, nil)
	}
	if err != nil {
		return "", guardianerr.Storage("failed to read active version", err)
	}
	return v, nil
}

// LoadActive loads the blob for the currently active version of name.
func (r *Registry) LoadActive(ctx context.Context, name string) (string, []byte, error) {
	version, err := r.ActiveVersion(ctx, name)
	if err != nil {
		return "", nil, err
	}
	data, err := r.store.Load(name, version)
	return version, data, err
}

// List returns the metadata for every registered version of name.
func (r *Registry) List(name string) []*Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Metadata, 0, len(r.records[name]))
	for _, m := range r.records[name] {
		cp := *m
		out = append(out, &cp)
	}
	return out
}

// RefreshInterval matches original_source/ml/model_registry.rs's periodic
// metrics-collection cadence.
const RefreshInterval = 5 * time.Minute
