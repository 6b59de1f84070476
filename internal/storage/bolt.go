// Package storage — bolt.go
//
// bbolt-backed durable persistence for the kernel agent's ledger state,
// envelope catalog, and trace records. The pure core itself needs no
// persisted state; this package is the concrete embedder that lets
// cmd/kerneld survive a restart without replaying history through the
// ledger's ordering check.
//
// Schema (bbolt bucket layout):
//
//	/ledger
//	    key:   "state"
//	    value: JSON-encoded LedgerState{LastSeq, SeenActionIDs}
//
//	/envelopes
//	    key:   envelope name
//	    value: JSON-encoded EnvelopeRecord
//
//	/trace
//	    key:   fixed-width UTC timestamp (nanoseconds) + "_" + increasing counter
//	    value: one trace.Record line (already sorted-key JSON)
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model: single-process, single-writer (bbolt does not support
// concurrent writers); every write is one ACID transaction; reads use
// read-only transactions.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/rfsn/kernel/internal/kernelmodel"
	"github.com/rfsn/kernel/internal/trace"
)

const (
	// DefaultDBPath is the default bbolt file location.
	DefaultDBPath = "/var/lib/kerneld/kernel.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketLedger    = "ledger"
	bucketEnvelopes = "envelopes"
	bucketTrace     = "trace"
	bucketMeta      = "meta"

	ledgerStateKey = "state"
)

// LedgerState is the persisted form of a ledger.Ledger's internal counters.
type LedgerState struct {
	LastSeq       int64    `json:"last_seq"`
	SeenActionIDs []string `json:"seen_action_ids"`
}

// EnvelopeRecord is the persisted form of a named envelope, flattened for
// JSON stability (kernelmodel.Envelope's AllowedPhaseEdges map has a
// non-string key type and does not marshal directly).
type EnvelopeRecord struct {
	Name                         string      `json:"name"`
	EnvScopePrefix               string      `json:"env_scope_prefix"`
	MaxSnapshotSkewS             float64     `json:"max_snapshot_skew_s"`
	MaxStateStalenessS           float64     `json:"max_state_staleness_s"`
	QMin                         []float64   `json:"q_min"`
	QMax                         []float64   `json:"q_max"`
	QdAbsMax                     []float64   `json:"qd_abs_max"`
	QAccAbsMax                   []float64   `json:"q_acc_abs_max,omitempty"`
	EEXYZMin                     [3]float64  `json:"ee_xyz_min"`
	EEXYZMax                     [3]float64  `json:"ee_xyz_max"`
	ExclusionZones               [][6]float64 `json:"exclusion_zones,omitempty"`
	AllowNewCommitsWhenDegraded  bool        `json:"allow_new_commits_when_degraded"`
	AllowNewCommitsWhenUntrusted bool        `json:"allow_new_commits_when_untrusted"`
	AllowedPhaseEdges            [][2]string `json:"allowed_phase_edges"`
	PrimaryAuthority             map[string]string `json:"primary_authority"`
}

// ToEnvelopeRecord flattens e into its persisted form.
func ToEnvelopeRecord(e kernelmodel.Envelope) EnvelopeRecord {
	rec := EnvelopeRecord{
		Name:                         e.Name,
		EnvScopePrefix:               e.EnvScopePrefix,
		MaxSnapshotSkewS:             e.MaxSnapshotSkewS,
		MaxStateStalenessS:           e.MaxStateStalenessS,
		QMin:                         e.QMin,
		QMax:                         e.QMax,
		QdAbsMax:                     e.QdAbsMax,
		QAccAbsMax:                   e.QAccAbsMax,
		EEXYZMin:                     e.EEXYZMin,
		EEXYZMax:                     e.EEXYZMax,
		AllowNewCommitsWhenDegraded:  e.AllowNewCommitsWhenDegraded,
		AllowNewCommitsWhenUntrusted: e.AllowNewCommitsWhenUntrusted,
		PrimaryAuthority:             map[string]string{},
	}
	for space, skill := range e.PrimaryAuthority {
		rec.PrimaryAuthority[string(space)] = skill
	}
	for edge := range e.AllowedPhaseEdges {
		rec.AllowedPhaseEdges = append(rec.AllowedPhaseEdges, [2]string{string(edge.From), string(edge.To)})
	}
	for _, z := range e.ExclusionZones {
		rec.ExclusionZones = append(rec.ExclusionZones, [6]float64{z.Min[0], z.Min[1], z.Min[2], z.Max[0], z.Max[1], z.Max[2]})
	}
	return rec
}

// ToEnvelope reconstructs a kernelmodel.Envelope from its persisted form.
func (rec EnvelopeRecord) ToEnvelope() kernelmodel.Envelope {
	e := kernelmodel.Envelope{
		Name:                         rec.Name,
		EnvScopePrefix:               rec.EnvScopePrefix,
		MaxSnapshotSkewS:             rec.MaxSnapshotSkewS,
		MaxStateStalenessS:           rec.MaxStateStalenessS,
		QMin:                         rec.QMin,
		QMax:                         rec.QMax,
		QdAbsMax:                     rec.QdAbsMax,
		QAccAbsMax:                   rec.QAccAbsMax,
		EEXYZMin:                     rec.EEXYZMin,
		EEXYZMax:                     rec.EEXYZMax,
		AllowNewCommitsWhenDegraded:  rec.AllowNewCommitsWhenDegraded,
		AllowNewCommitsWhenUntrusted: rec.AllowNewCommitsWhenUntrusted,
		AllowedPhaseEdges:            map[kernelmodel.PhaseEdge]bool{},
		PrimaryAuthority:             map[kernelmodel.ControlSpace]string{},
	}
	for space, skill := range rec.PrimaryAuthority {
		e.PrimaryAuthority[kernelmodel.ControlSpace(space)] = skill
	}
	for _, edge := range rec.AllowedPhaseEdges {
		e.AllowedPhaseEdges[kernelmodel.PhaseEdge{From: kernelmodel.Phase(edge[0]), To: kernelmodel.Phase(edge[1])}] = true
	}
	for _, z := range rec.ExclusionZones {
		e.ExclusionZones = append(e.ExclusionZones, kernelmodel.AABB{
			Min: [3]float64{z[0], z[1], z[2]},
			Max: [3]float64{z[3], z[4], z[5]},
		})
	}
	return e
}

// DB wraps a bbolt instance with typed accessors for kernel agent data.
type DB struct {
	db      *bolt.DB
	traceCounter uint64
}

// Open opens (or creates) the bbolt database at path and initialises all
// required buckets and the schema version. Returns an error if the
// database is corrupt or the schema version is incompatible.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketLedger, bucketEnvelopes, bucketTrace, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("schema version mismatch: database has %q, agent requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying bbolt file.
func (d *DB) Close() error { return d.db.Close() }

// ─── Ledger persistence ───────────────────────────────────────────────────

// PutLedgerState persists the ledger's last_seq and seen action IDs.
func (d *DB) PutLedgerState(state LedgerState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("PutLedgerState marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLedger)).Put([]byte(ledgerStateKey), data)
	})
}

// GetLedgerState reads the persisted ledger state. Returns the zero value
// (LastSeq=0, no seen IDs) and no error if nothing has been persisted yet.
func (d *DB) GetLedgerState() (LedgerState, error) {
	var state LedgerState
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketLedger)).Get([]byte(ledgerStateKey))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &state)
	})
	return state, err
}

// ─── Envelope catalog persistence ─────────────────────────────────────────

// PutEnvelope writes or updates one named envelope.
func (d *DB) PutEnvelope(e kernelmodel.Envelope) error {
	data, err := json.Marshal(ToEnvelopeRecord(e))
	if err != nil {
		return fmt.Errorf("PutEnvelope marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEnvelopes)).Put([]byte(e.Name), data)
	})
}

// LoadEnvelopes returns every persisted envelope, keyed by name.
func (d *DB) LoadEnvelopes() (map[string]kernelmodel.Envelope, error) {
	out := map[string]kernelmodel.Envelope{}
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEnvelopes)).ForEach(func(k, v []byte) error {
			var rec EnvelopeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("envelope %q: %w", k, err)
			}
			out[string(k)] = rec.ToEnvelope()
			return nil
		})
	})
	return out, err
}

// ─── Trace persistence ────────────────────────────────────────────────────

// traceKey constructs a sortable bbolt key so iteration order matches
// emission order even within the same wall-clock timestamp.
func traceKey(t time.Time, counter uint64) []byte {
	return []byte(fmt.Sprintf("%s_%020d", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), counter))
}

// AppendTrace durably appends one trace record line.
func (d *DB) AppendTrace(rec trace.Record) error {
	line, err := trace.DumpLine(rec)
	if err != nil {
		return fmt.Errorf("AppendTrace: %w", err)
	}
	d.traceCounter++
	key := traceKey(time.Now(), d.traceCounter)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketTrace)).Put(key, []byte(line))
	})
}

// ReadTrace returns every persisted trace record in emission order. For
// operational inspection; not called on the hot path.
func (d *DB) ReadTrace() ([]trace.Record, error) {
	var out []trace.Record
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketTrace)).ForEach(func(_, v []byte) error {
			rec, err := trace.LoadLine(string(v))
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}
