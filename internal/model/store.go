// Package model implements the content-addressed model store and the
// versioned registry of spec §4.7 on top of internal/objectstore's
// opaque object-put/object-get interface, grounded on
// original_source/ml/model_registry.rs's register/activate/metrics shape
// and SPEC_FULL.md's resolution to back the registry's active-version
// pointer with Redis so multiple agent processes on the same host observe
// the same activation atomically.
package model

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jordigilh/guardian/internal/cache"
	"github.com/jordigilh/guardian/internal/guardianerr"
	"github.com/jordigilh/guardian/internal/objectstore"
)

// MaxBlobBytes bounds a registered model blob (§4.7).
const MaxBlobBytes = 2 * 1024 * 1024 * 1024

// BlobCacheSize is the default count of recent decompressed blobs cached
// (§4.7: "Caches recent decompressed blobs in a bounded LRU (default 5)").
const BlobCacheSize = 5

var versionPattern = regexp.MustCompile(`^v\d+\.\d+\.\d+$`)

// ValidateVersion enforces the version string grammar (§3, §8 boundary
// cases: "v1"/"1.0.0"/"v1.0.0-alpha" rejected, "v1.0.0" accepted).
func ValidateVersion(version string) error {
	if !versionPattern.MatchString(version) {
		return guardianerr.Validation(fmt.Sprintf("invalid model version %q", version), nil)
	}
	return nil
}

func blobKey(name, version string) string {
	return "model/" + name + "/" + version + "/model.bin"
}

// Store is the content-addressed, versioned blob store.
type Store struct {
	pool      *objectstore.Pool
	blobCache *cache.LRU[string, []byte]
}

// NewStore constructs a store over pool with the default blob cache size.
func NewStore(pool *objectstore.Pool) *Store {
	return &Store{
		pool:      pool,
		blobCache: cache.New[string, []byte](BlobCacheSize),
	}
}

// Stored describes a freshly stored blob.
type Stored struct {
	Version   string
	Hash      string
	Size      int64
	CreatedAt time.Time
}

// Store registers bytes under version, rejecting malformed versions and
// oversized blobs (§4.7 limits).
func (s *Store) Store(name, version string, data []byte) (Stored, error) {
	if err := ValidateVersion(version); err != nil {
		return Stored{}, err
	}
	if len(data) > MaxBlobBytes {
		return Stored{}, guardianerr.Validation("model blob exceeds 2GiB", nil)
	}
	if err := s.pool.Put(blobKey(name, version), data); err != nil {
		return Stored{}, guardianerr.Storage("failed to store model blob", err)
	}
	hash := objectstore.Hash(data)
	if err := s.pool.Put(metaHashKey(name, version), []byte(hash)); err != nil {
		return Stored{}, guardianerr.Storage("failed to store model hash", err)
	}
	return Stored{Version: version, Hash: hash, Size: int64(len(data)), CreatedAt: time.Now()}, nil
}

func metaHashKey(name, version string) string {
	return "model/" + name + "/" + version + "/hash"
}

// Load retrieves bytes for version, verifying the stored hash matches the
// recorded metadata hash before returning (§4.7). A blob enters the cache
// only after passing that check here, so a cache hit returns bytes that an
// earlier Load verified.
func (s *Store) Load(name, version string) ([]byte, error) {
	if cached, ok := s.blobCache.Get(blobKey(name, version)); ok {
		return cached, nil
	}
	data, err := s.pool.Get(blobKey(name, version))
	if err != nil {
		return nil, guardianerr.Storage("model not found: "+version, err)
	}
	wantHash, err := s.pool.Get(metaHashKey(name, version))
	if err != nil {
		return nil, guardianerr.Storage("model hash metadata missing", err)
	}
	if objectstore.Hash(data) != string(wantHash) {
		return nil, guardianerr.Security("model blob hash mismatch", nil)
	}
	s.blobCache.Put(blobKey(name, version), data)
	return data, nil
}

// Delete removes a stored version's blob and hash metadata.
func (s *Store) Delete(name, version string) error {
	s.blobCache.Delete(blobKey(name, version))
	_ = s.pool.Delete(blobKey(name, version))
	return s.pool.Delete(metaHashKey(name, version))
}

// HSM is the subset of the opaque HSM oracle the registry needs to verify
// model signatures before activation.
type HSM interface {
	Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error)
}

// VerifySignature checks that signature decrypts (under the signing key)
// to the content hash of data, the registry's activation gate (§4.7:
// "validate(name, version) must verify the signature before permitting
// Active"). The software HSM stands in for asymmetric signature
// verification by using the same oracle round-trip the spec treats as
// opaque.
func VerifySignature(ctx context.Context, oracle HSM, signingKeyID string, data, signature []byte) error {
	decrypted, err := oracle.Decrypt(ctx, signingKeyID, signature)
	if err != nil {
		return guardianerr.Security("signature verification failed", err)
	}
	if string(decrypted) != objectstore.Hash(data) {
		return guardianerr.Security("signature does not match content hash", nil)
	}
	return nil
}
