package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mavilabart/pidgeon/internal/apperr"
)

// Support invoice statuses, per spec.md §3 "Support Invoice".
const (
	InvoiceStatusPending  = "pending"
	InvoiceStatusSettled  = "settled"
	InvoiceStatusExpired  = "expired"
	InvoiceStatusCanceled = "canceled"
	InvoiceStatusError    = "error"
)

// MailboxMeta is the per-user mailbox publication state.
type MailboxMeta struct {
	Pubkey              string
	Rev                 int64
	PublishedRev        int64
	PublishedRelaysKey  string
	PublishedHash       string
	LastCreatedAtByDTag map[string]int64
	PreviewKeyCapsules  json.RawMessage
	UpdatedAt           int64
}

// MailboxPage is a (pubkey, bucket, page) shard's last-published
// fingerprint, used to decide whether a page needs republishing.
type MailboxPage struct {
	Pubkey    string
	Bucket    string // "__pending__", "__index__", "__bucketidx__:YYYY-MM", "__blob__:<jobID>", or "YYYY-MM"
	Page      int
	Count     int
	Hash      string
	UpdatedAt int64
}

// MailboxBlob is the manifest for an oversized pending item sharded
// across numbered blob events.
type MailboxBlob struct {
	Pubkey    string
	NoteID    string
	Parts     int
	Bytes     int
	Hash      string
	UpdatedAt int64
}

// SupportState is the per-user economic-gate counter state.
type SupportState struct {
	Pubkey           string
	ScheduleCount    int64
	FreeUntilCount   int64
	NextPromptAtCount int64
	SupporterUntil   int64 // unix seconds, 0 = never
	GatePrompt       string // empty = none
	UpdatedAt        int64
}

// IsSupporter reports whether SupporterUntil has not yet elapsed.
func (s SupportState) IsSupporter(nowSec int64) bool {
	return s.SupporterUntil > nowSec
}

// IsUnlocked reports the per spec.md §3 invariant: freeUntilCount >= scheduleCount.
func (s SupportState) IsUnlocked() bool { return s.FreeUntilCount >= s.ScheduleCount }

// SupportInvoice is a single LNURL-verify lightning invoice lifecycle row.
type SupportInvoice struct {
	ID          string
	Pubkey      string
	PR          string // bolt11
	VerifyURL   string
	Sats        int64
	Status      string
	CreatedAt   int64
	ExpiresAt   int64
	SettledAt   int64
	Preimage    string
	LastCheckAt int64
	LastError   string
}

// AppDataStore persists mailbox meta/pages/blobs, support state, and
// support invoices in app.db.
type AppDataStore struct {
	db *sql.DB
}

// OpenAppDataStore opens (creating if needed) app.db under dataDir and
// ensures its schema exists.
func OpenAppDataStore(dataDir string) (*AppDataStore, error) {
	db, err := openDB(dataDir, "app.db")
	if err != nil {
		return nil, err
	}
	s := &AppDataStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *AppDataStore) Close() error { return s.db.Close() }

func (s *AppDataStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS mailbox_meta (
	pubkey                  TEXT PRIMARY KEY,
	rev                     INTEGER NOT NULL DEFAULT 0,
	published_rev           INTEGER NOT NULL DEFAULT 0,
	published_relays_key    TEXT NOT NULL DEFAULT '',
	published_hash          TEXT NOT NULL DEFAULT '',
	last_created_at_by_dtag TEXT NOT NULL DEFAULT '{}',
	preview_key_capsules    TEXT NOT NULL DEFAULT 'null',
	updated_at              INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mailbox_pages (
	pubkey     TEXT NOT NULL,
	bucket     TEXT NOT NULL,
	page       INTEGER NOT NULL,
	count      INTEGER NOT NULL,
	hash       TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (pubkey, bucket, page)
);

CREATE TABLE IF NOT EXISTS mailbox_blobs (
	pubkey     TEXT NOT NULL,
	note_id    TEXT NOT NULL,
	parts      INTEGER NOT NULL,
	bytes      INTEGER NOT NULL,
	hash       TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (pubkey, note_id)
);

CREATE TABLE IF NOT EXISTS support_state (
	pubkey               TEXT PRIMARY KEY,
	schedule_count       INTEGER NOT NULL DEFAULT 0,
	free_until_count     INTEGER NOT NULL DEFAULT 0,
	next_prompt_at_count INTEGER NOT NULL DEFAULT 0,
	supporter_until      INTEGER NOT NULL DEFAULT 0,
	gate_prompt          TEXT NOT NULL DEFAULT '',
	updated_at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS support_invoices (
	id            TEXT PRIMARY KEY,
	pubkey        TEXT NOT NULL,
	pr            TEXT NOT NULL,
	verify_url    TEXT NOT NULL,
	sats          INTEGER NOT NULL,
	status        TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL,
	settled_at    INTEGER NOT NULL DEFAULT 0,
	preimage      TEXT NOT NULL DEFAULT '',
	last_check_at INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_invoices_pubkey_status ON support_invoices(pubkey, status);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("store: migrate app.db: %w", err)
	}
	return nil
}

// GetMailboxMeta returns the mailbox meta row for pubkey, or a
// zero-value meta with Rev 0 if the user has never flushed.
func (s *AppDataStore) GetMailboxMeta(pubkey string) (MailboxMeta, error) {
	const q = `SELECT pubkey, rev, published_rev, published_relays_key, published_hash, last_created_at_by_dtag, preview_key_capsules, updated_at FROM mailbox_meta WHERE pubkey = ?`
	var m MailboxMeta
	var dtagJSON, capsulesJSON string
	err := s.db.QueryRow(q, pubkey).Scan(&m.Pubkey, &m.Rev, &m.PublishedRev, &m.PublishedRelaysKey, &m.PublishedHash, &dtagJSON, &capsulesJSON, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MailboxMeta{Pubkey: pubkey, LastCreatedAtByDTag: map[string]int64{}}, nil
	}
	if err != nil {
		return MailboxMeta{}, apperr.TransientIO("store.GetMailboxMeta", err)
	}
	if err := json.Unmarshal([]byte(dtagJSON), &m.LastCreatedAtByDTag); err != nil {
		return MailboxMeta{}, apperr.Validation("store.GetMailboxMeta", err)
	}
	if capsulesJSON != "null" && capsulesJSON != "" {
		m.PreviewKeyCapsules = json.RawMessage(capsulesJSON)
	}
	return m, nil
}

// PutMailboxMeta upserts the full mailbox meta row for m.Pubkey.
func (s *AppDataStore) PutMailboxMeta(m MailboxMeta) error {
	dtagJSON, err := json.Marshal(m.LastCreatedAtByDTag)
	if err != nil {
		return apperr.Validation("store.PutMailboxMeta", err)
	}
	capsulesJSON := "null"
	if len(m.PreviewKeyCapsules) > 0 {
		capsulesJSON = string(m.PreviewKeyCapsules)
	}
	const q = `
INSERT INTO mailbox_meta (pubkey, rev, published_rev, published_relays_key, published_hash, last_created_at_by_dtag, preview_key_capsules, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(pubkey) DO UPDATE SET
	rev=excluded.rev, published_rev=excluded.published_rev,
	published_relays_key=excluded.published_relays_key, published_hash=excluded.published_hash,
	last_created_at_by_dtag=excluded.last_created_at_by_dtag, preview_key_capsules=excluded.preview_key_capsules,
	updated_at=excluded.updated_at
`
	_, err = s.db.Exec(q, m.Pubkey, m.Rev, m.PublishedRev, m.PublishedRelaysKey, m.PublishedHash, string(dtagJSON), capsulesJSON, nowUnix())
	if err != nil {
		return apperr.TransientIO("store.PutMailboxMeta", err)
	}
	return nil
}

// GetMailboxPage returns the stored fingerprint for a shard page, and
// whether it existed.
func (s *AppDataStore) GetMailboxPage(pubkey, bucket string, page int) (MailboxPage, bool, error) {
	const q = `SELECT pubkey, bucket, page, count, hash, updated_at FROM mailbox_pages WHERE pubkey = ? AND bucket = ? AND page = ?`
	var p MailboxPage
	err := s.db.QueryRow(q, pubkey, bucket, page).Scan(&p.Pubkey, &p.Bucket, &p.Page, &p.Count, &p.Hash, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MailboxPage{}, false, nil
	}
	if err != nil {
		return MailboxPage{}, false, apperr.TransientIO("store.GetMailboxPage", err)
	}
	return p, true, nil
}

// PutMailboxPage upserts a shard page's fingerprint.
func (s *AppDataStore) PutMailboxPage(p MailboxPage) error {
	const q = `
INSERT INTO mailbox_pages (pubkey, bucket, page, count, hash, updated_at) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(pubkey, bucket, page) DO UPDATE SET count=excluded.count, hash=excluded.hash, updated_at=excluded.updated_at
`
	_, err := s.db.Exec(q, p.Pubkey, p.Bucket, p.Page, p.Count, p.Hash, nowUnix())
	if err != nil {
		return apperr.TransientIO("store.PutMailboxPage", err)
	}
	return nil
}

// ListMailboxPages returns every stored page fingerprint for pubkey,
// used by repair to detect shards missing on relays.
func (s *AppDataStore) ListMailboxPages(pubkey string) ([]MailboxPage, error) {
	rows, err := s.db.Query(`SELECT pubkey, bucket, page, count, hash, updated_at FROM mailbox_pages WHERE pubkey = ?`, pubkey)
	if err != nil {
		return nil, apperr.TransientIO("store.ListMailboxPages", err)
	}
	defer rows.Close()

	var out []MailboxPage
	for rows.Next() {
		var p MailboxPage
		if err := rows.Scan(&p.Pubkey, &p.Bucket, &p.Page, &p.Count, &p.Hash, &p.UpdatedAt); err != nil {
			return nil, apperr.TransientIO("store.ListMailboxPages", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PutMailboxBlob upserts a blob-shard manifest.
func (s *AppDataStore) PutMailboxBlob(b MailboxBlob) error {
	const q = `
INSERT INTO mailbox_blobs (pubkey, note_id, parts, bytes, hash, updated_at) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(pubkey, note_id) DO UPDATE SET parts=excluded.parts, bytes=excluded.bytes, hash=excluded.hash, updated_at=excluded.updated_at
`
	_, err := s.db.Exec(q, b.Pubkey, b.NoteID, b.Parts, b.Bytes, b.Hash, nowUnix())
	if err != nil {
		return apperr.TransientIO("store.PutMailboxBlob", err)
	}
	return nil
}

// GetSupportState returns the support-gate counters for pubkey,
// defaulting to a zero state (zero counters, which IsUnlocked reports
// as unlocked; no supporter credit) if absent.
func (s *AppDataStore) GetSupportState(pubkey string) (SupportState, error) {
	const q = `SELECT pubkey, schedule_count, free_until_count, next_prompt_at_count, supporter_until, gate_prompt, updated_at FROM support_state WHERE pubkey = ?`
	var st SupportState
	err := s.db.QueryRow(q, pubkey).Scan(&st.Pubkey, &st.ScheduleCount, &st.FreeUntilCount, &st.NextPromptAtCount, &st.SupporterUntil, &st.GatePrompt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SupportState{Pubkey: pubkey}, nil
	}
	if err != nil {
		return SupportState{}, apperr.TransientIO("store.GetSupportState", err)
	}
	return st, nil
}

// MutateSupportState runs fn against the current support state for
// pubkey inside a BEGIN IMMEDIATE transaction and persists whatever fn
// returns, preventing lost updates from concurrent request/poller
// writers (spec.md §4.2's mutate(pubkey, fn) contract). BEGIN IMMEDIATE
// is issued directly on a dedicated connection (database/sql's Tx has
// no transaction-mode knob) so the write lock is taken up front instead
// of being deferred until the first write statement.
func (s *AppDataStore) MutateSupportState(pubkey string, fn func(SupportState) (SupportState, error)) (SupportState, error) {
	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return SupportState{}, apperr.TransientIO("store.MutateSupportState", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return SupportState{}, apperr.TransientIO("store.MutateSupportState", err)
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	var st SupportState
	row := conn.QueryRowContext(ctx, `SELECT pubkey, schedule_count, free_until_count, next_prompt_at_count, supporter_until, gate_prompt, updated_at FROM support_state WHERE pubkey = ?`, pubkey)
	err = row.Scan(&st.Pubkey, &st.ScheduleCount, &st.FreeUntilCount, &st.NextPromptAtCount, &st.SupporterUntil, &st.GatePrompt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		st = SupportState{Pubkey: pubkey}
	} else if err != nil {
		return SupportState{}, apperr.TransientIO("store.MutateSupportState", err)
	}

	next, err := fn(st)
	if err != nil {
		return SupportState{}, err
	}
	next.Pubkey = pubkey
	next.UpdatedAt = nowUnix()

	const upsert = `
INSERT INTO support_state (pubkey, schedule_count, free_until_count, next_prompt_at_count, supporter_until, gate_prompt, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(pubkey) DO UPDATE SET
	schedule_count=excluded.schedule_count, free_until_count=excluded.free_until_count,
	next_prompt_at_count=excluded.next_prompt_at_count, supporter_until=excluded.supporter_until,
	gate_prompt=excluded.gate_prompt, updated_at=excluded.updated_at
`
	if _, err := conn.ExecContext(ctx, upsert, next.Pubkey, next.ScheduleCount, next.FreeUntilCount, next.NextPromptAtCount, next.SupporterUntil, next.GatePrompt, next.UpdatedAt); err != nil {
		return SupportState{}, apperr.TransientIO("store.MutateSupportState", err)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return SupportState{}, apperr.TransientIO("store.MutateSupportState", err)
	}
	committed = true
	return next, nil
}

// PutInvoice upserts a support invoice row.
func (s *AppDataStore) PutInvoice(inv SupportInvoice) error {
	const q = `
INSERT INTO support_invoices (id, pubkey, pr, verify_url, sats, status, created_at, expires_at, settled_at, preimage, last_check_at, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status=excluded.status, settled_at=excluded.settled_at, preimage=excluded.preimage,
	last_check_at=excluded.last_check_at, last_error=excluded.last_error
`
	_, err := s.db.Exec(q, inv.ID, inv.Pubkey, inv.PR, inv.VerifyURL, inv.Sats, inv.Status, inv.CreatedAt, inv.ExpiresAt, inv.SettledAt, inv.Preimage, inv.LastCheckAt, inv.LastError)
	if err != nil {
		return apperr.TransientIO("store.PutInvoice", err)
	}
	return nil
}

// ActiveInvoice returns the single pending invoice for pubkey, if any.
func (s *AppDataStore) ActiveInvoice(pubkey string) (SupportInvoice, bool, error) {
	const q = `SELECT id, pubkey, pr, verify_url, sats, status, created_at, expires_at, settled_at, preimage, last_check_at, last_error FROM support_invoices WHERE pubkey = ? AND status = ? ORDER BY created_at DESC LIMIT 1`
	var inv SupportInvoice
	err := s.db.QueryRow(q, pubkey, InvoiceStatusPending).Scan(&inv.ID, &inv.Pubkey, &inv.PR, &inv.VerifyURL, &inv.Sats, &inv.Status, &inv.CreatedAt, &inv.ExpiresAt, &inv.SettledAt, &inv.Preimage, &inv.LastCheckAt, &inv.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return SupportInvoice{}, false, nil
	}
	if err != nil {
		return SupportInvoice{}, false, apperr.TransientIO("store.ActiveInvoice", err)
	}
	return inv, true, nil
}

// ListPendingInvoices returns every invoice in pending status across
// all users, for the background verify poller.
func (s *AppDataStore) ListPendingInvoices() ([]SupportInvoice, error) {
	rows, err := s.db.Query(`SELECT id, pubkey, pr, verify_url, sats, status, created_at, expires_at, settled_at, preimage, last_check_at, last_error FROM support_invoices WHERE status = ?`, InvoiceStatusPending)
	if err != nil {
		return nil, apperr.TransientIO("store.ListPendingInvoices", err)
	}
	defer rows.Close()

	var out []SupportInvoice
	for rows.Next() {
		var inv SupportInvoice
		if err := rows.Scan(&inv.ID, &inv.Pubkey, &inv.PR, &inv.VerifyURL, &inv.Sats, &inv.Status, &inv.CreatedAt, &inv.ExpiresAt, &inv.SettledAt, &inv.Preimage, &inv.LastCheckAt, &inv.LastError); err != nil {
			return nil, apperr.TransientIO("store.ListPendingInvoices", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}
