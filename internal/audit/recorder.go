// Package audit implements the append-only audit recorder of spec §4.12:
// size-bounded, severity-tagged entries durably written before the call
// returns, with a retention cursor and an alert hook when Critical entries
// exceed a threshold within a window. Grounded on
// original_source/security/audit_log.rs's AuditEntry/AuditLog shape, using
// internal/objectstore as the durable backing store (the same opaque
// storage pool the model registry writes through) and internal/hsm to seal
// an integrity tag over each entry so tampering with the backing store is
// detectable, per original_source's sha256 "integrity_hash" field.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/guardian/internal/guardianerr"
	"github.com/jordigilh/guardian/internal/hsm"
	"github.com/jordigilh/guardian/internal/objectstore"
	"github.com/jordigilh/guardian/pkg/types"
)

// MaxEntryBytes bounds one serialized entry (§4.12).
const MaxEntryBytes = 4 * 1024

// DefaultRetention is how long entries remain before List's cursor excludes
// them (§4.12).
const DefaultRetention = 90 * 24 * time.Hour

// CriticalAlertThreshold is the count of Critical entries within
// CriticalAlertWindow that trips the alert hook (§4.12).
const CriticalAlertThreshold = 5

// CriticalAlertWindow bounds the Critical-entry count used for alerting.
const CriticalAlertWindow = 5 * time.Minute

const integrityKeyPurpose = "audit_integrity"
const keyPrefix = "audit:"

// Entry is one durable audit record.
type Entry struct {
	ID            uuid.UUID
	Timestamp     time.Time
	Severity      types.Severity
	Category      string
	Message       string
	CorrelationID uuid.UUID
	Integrity     []byte // HSM-sealed digest of the entry's canonical encoding
}

// AlertFunc is invoked when CriticalAlertThreshold Critical entries land
// within CriticalAlertWindow.
type AlertFunc func(count int, window time.Duration)

// Recorder appends audit entries, sealing each with an HSM-backed integrity
// tag before the durable write completes.
type Recorder struct {
	mu         sync.Mutex
	store      *objectstore.Pool
	oracle     hsm.Oracle
	keyID      string
	log        *logrus.Entry
	retention  time.Duration
	onAlert    AlertFunc
	order      []uuid.UUID // append order, for List's retention walk
	criticalAt []time.Time
}

// New constructs a recorder backed by store, generating its own HSM
// integrity key before returning. onAlert may be nil.
func New(ctx context.Context, store *objectstore.Pool, oracle hsm.Oracle, onAlert AlertFunc, log *logrus.Entry) (*Recorder, error) {
	keyID, err := oracle.GenerateKey(ctx, hsm.KeyAttributes{Purpose: integrityKeyPurpose, TTL: 0})
	if err != nil {
		return nil, guardianerr.Storage("failed to provision audit integrity key", err)
	}
	return &Recorder{
		store:     store,
		oracle:    oracle,
		keyID:     keyID,
		log:       log.WithField("component", "audit_recorder"),
		retention: DefaultRetention,
		onAlert:   onAlert,
	}, nil
}

// canonical returns the bytes over which the integrity tag is computed;
// Integrity is always excluded so the tag never signs itself.
func canonical(e Entry) ([]byte, error) {
	e.Integrity = nil
	return json.Marshal(e)
}

// Record appends one entry, sealing its integrity tag and writing it
// through the durable store before returning (§4.12: "durable before
// return"). Critical-severity entries bypass any sampling upstream
// components may apply and always land here.
func (r *Recorder) Record(ctx context.Context, severity types.Severity, category, message string, correlationID uuid.UUID) (Entry, error) {
	entry := Entry{
		ID:            uuid.New(),
		Timestamp:     time.Now(),
		Severity:      severity,
		Category:      category,
		Message:       message,
		CorrelationID: correlationID,
	}

	raw, err := canonical(entry)
	if err != nil {
		return Entry{}, guardianerr.System("failed to encode audit entry", err)
	}
	if len(raw) > MaxEntryBytes {
		return Entry{}, guardianerr.Validation(fmt.Sprintf("audit entry exceeds %d bytes", MaxEntryBytes), nil)
	}

	sealed, err := r.oracle.Encrypt(ctx, r.keyID, raw)
	if err != nil {
		return Entry{}, guardianerr.Security("failed to seal audit entry integrity tag", err)
	}
	entry.Integrity = sealed

	final, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, guardianerr.System("failed to encode sealed audit entry", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Put(keyPrefix+entry.ID.String(), final); err != nil {
		return Entry{}, guardianerr.Storage("failed to durably persist audit entry", err)
	}
	r.order = append(r.order, entry.ID)

	if severity == types.SeverityCritical {
		r.criticalAt = append(r.criticalAt, entry.Timestamp)
		r.checkAlertLocked()
	}

	return entry, nil
}

// checkAlertLocked must be called with mu held. It prunes Critical
// timestamps outside the window and fires onAlert once the threshold is
// crossed within it.
func (r *Recorder) checkAlertLocked() {
	cutoff := time.Now().Add(-CriticalAlertWindow)
	kept := r.criticalAt[:0]
	for _, t := range r.criticalAt {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.criticalAt = kept
	if len(r.criticalAt) >= CriticalAlertThreshold && r.onAlert != nil {
		r.onAlert(len(r.criticalAt), CriticalAlertWindow)
	}
}

// Verify re-derives the integrity tag and reports whether the stored entry
// matches it, detecting at-rest tampering (§8 HSM round-trip adjacent
// property).
func (r *Recorder) Verify(ctx context.Context, id uuid.UUID) (bool, error) {
	raw, err := r.store.Get(keyPrefix + id.String())
	if err != nil {
		return false, guardianerr.Storage("audit entry not found: "+id.String(), err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return false, guardianerr.System("failed to decode audit entry", err)
	}
	sealed := entry.Integrity
	expected, err := canonical(entry)
	if err != nil {
		return false, guardianerr.System("failed to re-encode audit entry", err)
	}
	got, err := r.oracle.Decrypt(ctx, r.keyID, sealed)
	if err != nil {
		return false, guardianerr.Security("failed to open audit integrity tag", err)
	}
	return string(got) == string(expected), nil
}

// List returns entries newer than the retention cursor, oldest first.
func (r *Recorder) List(ctx context.Context) ([]Entry, error) {
	r.mu.Lock()
	ids := append([]uuid.UUID(nil), r.order...)
	r.mu.Unlock()

	cutoff := time.Now().Add(-r.retention)
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		raw, err := r.store.Get(keyPrefix + id.String())
		if err != nil {
			continue // reclaimed or never committed; skip rather than fail the whole list
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, guardianerr.System("failed to decode audit entry", err)
		}
		if entry.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}
