package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mavilabart/pidgeon/internal/apperr"
)

// Job statuses, per spec.md §4.5's state machine.
const (
	StatusScheduled = "scheduled"
	StatusSent      = "sent"
	StatusError     = "error"
	StatusCanceled  = "canceled"
)

// Job payload kinds.
const (
	JobKindNote = "note"
	JobKindDM   = "dm17"
)

// NoteJob is the payload for a scheduled kind-1/kind-6 note publish.
type NoteJob struct {
	InnerEvent json.RawMessage `json:"innerEvent"`
	RepostOf   string          `json:"repostOf,omitempty"`
	RelayHints []string        `json:"relayHints,omitempty"`
}

// DMRecipient tracks one fan-out target of a scheduled DM job.
type DMRecipient struct {
	Pubkey     string          `json:"pubkey"`
	Seal       string          `json:"seal"`                // kind-13 seal JSON, pre-sealed by the requester
	WrapID     string          `json:"wrapId,omitempty"`     // id of the persisted gift wrap, for idempotent retry
	WrapEvent  json.RawMessage `json:"wrapEvent,omitempty"`  // the full signed gift-wrap event, reused verbatim on retry
	RelaysUsed []string        `json:"relaysUsed,omitempty"` // relays that acknowledged the wrap
	Status     string          `json:"status"`               // "", sent, error
	LastError  string          `json:"lastError,omitempty"`
}

// DmJob is the payload for a scheduled NIP-17 DM fan-out.
type DmJob struct {
	Recipients   []DMRecipient `json:"recipients"`
	SelfCopy     *DMRecipient  `json:"selfCopy,omitempty"`
	SenderSealed bool          `json:"senderSealed"`
}

// Job is a single scheduled or terminal unit of work, persisted in
// jobs.db and addressed by the requester-signed rumor id.
type Job struct {
	ID          string
	Pubkey      string
	PayloadKind string // JobKindNote | JobKindDM
	Status      string
	ScheduledAt int64 // unix seconds
	Payload     json.RawMessage
	Relays      []string
	LastError   string
	CreatedAt   int64
	UpdatedAt   int64
}

// JobPatch carries the subset of fields UpdateJob should overwrite;
// nil fields are left untouched.
type JobPatch struct {
	Payload *json.RawMessage
	Relays  *[]string
	Status  *string
}

// JobsStore is the durable, crash-safe store of scheduled jobs.
type JobsStore struct {
	db *sql.DB
}

// OpenJobsStore opens (creating if needed) jobs.db under dataDir and
// ensures its schema exists.
func OpenJobsStore(dataDir string) (*JobsStore, error) {
	db, err := openDB(dataDir, "jobs.db")
	if err != nil {
		return nil, err
	}
	s := &JobsStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *JobsStore) Close() error { return s.db.Close() }

func (s *JobsStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	pubkey       TEXT NOT NULL,
	payload_kind TEXT NOT NULL,
	status       TEXT NOT NULL,
	scheduled_at INTEGER NOT NULL,
	payload      TEXT NOT NULL,
	relays       TEXT NOT NULL DEFAULT '[]',
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_pubkey_updated ON jobs(pubkey, updated_at);
CREATE INDEX IF NOT EXISTS idx_jobs_pubkey_status_updated ON jobs(pubkey, status, updated_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status_scheduled ON jobs(status, scheduled_at);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("store: migrate jobs.db: %w", err)
	}
	return nil
}

// Upsert inserts or fully replaces the job row for id. updatedAt (and
// createdAt, on first insert) are stamped by the store.
func (s *JobsStore) Upsert(j Job) (Job, error) {
	now := nowUnix()
	relays, err := json.Marshal(j.Relays)
	if err != nil {
		return Job{}, apperr.Validation("store.Upsert", err)
	}

	const q = `
INSERT INTO jobs (id, pubkey, payload_kind, status, scheduled_at, payload, relays, last_error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	pubkey=excluded.pubkey,
	payload_kind=excluded.payload_kind,
	status=excluded.status,
	scheduled_at=excluded.scheduled_at,
	payload=excluded.payload,
	relays=excluded.relays,
	last_error=excluded.last_error,
	updated_at=excluded.updated_at
`
	_, err = s.db.Exec(q, j.ID, j.Pubkey, j.PayloadKind, j.Status, j.ScheduledAt, string(j.Payload), string(relays), j.LastError, now, now)
	if err != nil {
		return Job{}, apperr.TransientIO("store.Upsert", err)
	}
	return s.Get(j.ID)
}

// Get returns the job with id, or an error wrapping sql.ErrNoRows if absent.
func (s *JobsStore) Get(id string) (Job, error) {
	const q = `SELECT id, pubkey, payload_kind, status, scheduled_at, payload, relays, last_error, created_at, updated_at FROM jobs WHERE id = ?`
	row := s.db.QueryRow(q, id)
	return scanJob(row)
}

// Delete removes the job row for id. Used for dm17 jobs on successful
// send, where the published gift-wrap is the authoritative record.
func (s *JobsStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return apperr.TransientIO("store.Delete", err)
	}
	return nil
}

// ListPending returns every job with status scheduled, ordered by
// scheduledAt ascending — used for crash-recovery re-scheduling.
func (s *JobsStore) ListPending() ([]Job, error) {
	const q = `SELECT id, pubkey, payload_kind, status, scheduled_at, payload, relays, last_error, created_at, updated_at FROM jobs WHERE status = ? ORDER BY scheduled_at ASC`
	rows, err := s.db.Query(q, StatusScheduled)
	if err != nil {
		return nil, apperr.TransientIO("store.ListPending", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListByPubkey returns jobs for pubkey newest-first, optionally
// filtered by status, for pagination over a user's job history.
func (s *JobsStore) ListByPubkey(pubkey, status string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.Query(`SELECT id, pubkey, payload_kind, status, scheduled_at, payload, relays, last_error, created_at, updated_at FROM jobs WHERE pubkey = ? ORDER BY updated_at DESC LIMIT ?`, pubkey, limit)
	} else {
		rows, err = s.db.Query(`SELECT id, pubkey, payload_kind, status, scheduled_at, payload, relays, last_error, created_at, updated_at FROM jobs WHERE pubkey = ? AND status = ? ORDER BY updated_at DESC LIMIT ?`, pubkey, status, limit)
	}
	if err != nil {
		return nil, apperr.TransientIO("store.ListByPubkey", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkStatus updates a job's status (and optional error message),
// stamps updatedAt, and returns the full updated row.
func (s *JobsStore) MarkStatus(id, status, lastError string) (Job, error) {
	_, err := s.db.Exec(`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`, status, lastError, nowUnix(), id)
	if err != nil {
		return Job{}, apperr.TransientIO("store.MarkStatus", err)
	}
	return s.Get(id)
}

// UpdateJob atomically patches payload/relays/status for id.
func (s *JobsStore) UpdateJob(id string, patch JobPatch) (Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Job{}, apperr.TransientIO("store.UpdateJob", err)
	}
	defer tx.Rollback()

	cur, err := scanJob(tx.QueryRow(`SELECT id, pubkey, payload_kind, status, scheduled_at, payload, relays, last_error, created_at, updated_at FROM jobs WHERE id = ?`, id))
	if err != nil {
		return Job{}, err
	}

	if patch.Payload != nil {
		cur.Payload = *patch.Payload
	}
	if patch.Relays != nil {
		cur.Relays = *patch.Relays
	}
	if patch.Status != nil {
		cur.Status = *patch.Status
	}
	relaysJSON, err := json.Marshal(cur.Relays)
	if err != nil {
		return Job{}, apperr.Validation("store.UpdateJob", err)
	}

	now := nowUnix()
	_, err = tx.Exec(`UPDATE jobs SET payload=?, relays=?, status=?, updated_at=? WHERE id=?`, string(cur.Payload), string(relaysJSON), cur.Status, now, id)
	if err != nil {
		return Job{}, apperr.TransientIO("store.UpdateJob", err)
	}
	if err := tx.Commit(); err != nil {
		return Job{}, apperr.TransientIO("store.UpdateJob", err)
	}
	cur.UpdatedAt = now
	return cur, nil
}

// EarliestPendingTimestamp returns the scheduledAt of the
// soonest-due scheduled job, or 0 if none are pending.
func (s *JobsStore) EarliestPendingTimestamp() (int64, error) {
	var ts sql.NullInt64
	err := s.db.QueryRow(`SELECT MIN(scheduled_at) FROM jobs WHERE status = ?`, StatusScheduled).Scan(&ts)
	if err != nil {
		return 0, apperr.TransientIO("store.EarliestPendingTimestamp", err)
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var relaysJSON string
	err := row.Scan(&j.ID, &j.Pubkey, &j.PayloadKind, &j.Status, &j.ScheduledAt, (*rawJSON)(&j.Payload), &relaysJSON, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, fmt.Errorf("store: job not found: %w", err)
		}
		return Job{}, apperr.TransientIO("store.scanJob", err)
	}
	if err := json.Unmarshal([]byte(relaysJSON), &j.Relays); err != nil {
		return Job{}, apperr.Validation("store.scanJob", err)
	}
	return j, nil
}

// rawJSON adapts a string column into a json.RawMessage destination
// for database/sql's Scan.
type rawJSON json.RawMessage

func (r *rawJSON) Scan(src any) error {
	switch v := src.(type) {
	case string:
		*r = rawJSON(v)
	case []byte:
		*r = rawJSON(append([]byte(nil), v...))
	case nil:
		*r = nil
	default:
		return fmt.Errorf("store: unsupported scan type %T", src)
	}
	return nil
}

func nowUnix() int64 { return time.Now().Unix() }
