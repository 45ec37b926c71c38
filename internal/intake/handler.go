package intake

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/mavilabart/pidgeon/internal/keyderiv"
	"github.com/mavilabart/pidgeon/internal/mailbox"
	"github.com/mavilabart/pidgeon/internal/nostrtransport"
	"github.com/mavilabart/pidgeon/internal/scheduler"
	"github.com/mavilabart/pidgeon/internal/store"
	"github.com/mavilabart/pidgeon/internal/support"
)

// Inner rumor kinds the DVM accepts, per spec.md §6.
const (
	KindMasterRequest = 5901
	KindScheduleNote  = 5905
	KindScheduleDM    = 5906
	KindRetryDM       = 5907
	KindMailboxRepair = 5908
	KindSupportAction = 5910
	KindDeletion      = 5
)

const masterCapsuleVersion = 1
const masterCapsuleThrottle = 30 * time.Second

// Handler unwraps and dispatches every inbound kind-1059 wrapped
// request, per spec.md §4.4. retryDM re-enters the publisher for a
// kind-5907 retry; it is injected rather than imported directly so
// intake never needs to depend on the publisher package's internals.
type Handler struct {
	dvmSecretHex string
	dvmPubHex    string
	relays       []string
	loadTest     bool
	maxRelays    int

	pool     *nostrtransport.Pool
	jobs     *store.JobsStore
	deriver  *keyderiv.Deriver
	gate     *support.Engine
	invoices *support.InvoiceManager
	flusher  *mailbox.Flusher
	sched    *scheduler.Scheduler
	retryDM  func(ctx context.Context, jobID string)

	log zerolog.Logger

	mu            sync.Mutex
	lastCapsuleAt map[string]time.Time
}

// NewHandler builds a Handler. retryDM may be nil until the publisher
// is wired in; a nil retryDM makes kind-5907 retries a no-op logged
// event instead of a panic.
func NewHandler(
	dvmSecretHex, dvmPubHex string,
	relays []string,
	loadTest bool,
	maxRelays int,
	pool *nostrtransport.Pool,
	jobs *store.JobsStore,
	deriver *keyderiv.Deriver,
	gate *support.Engine,
	invoices *support.InvoiceManager,
	flusher *mailbox.Flusher,
	sched *scheduler.Scheduler,
	retryDM func(ctx context.Context, jobID string),
	log zerolog.Logger,
) *Handler {
	return &Handler{
		dvmSecretHex:  dvmSecretHex,
		dvmPubHex:     dvmPubHex,
		relays:        relays,
		loadTest:      loadTest,
		maxRelays:     maxRelays,
		pool:          pool,
		jobs:          jobs,
		deriver:       deriver,
		gate:          gate,
		invoices:      invoices,
		flusher:       flusher,
		sched:         sched,
		retryDM:       retryDM,
		log:           log.With().Str("component", "intake").Logger(),
		lastCapsuleAt: make(map[string]time.Time),
	}
}

// HandleGiftWrap unwraps a kind-1059 event addressed to the DVM and
// dispatches its inner rumor. Every error is logged and swallowed: a
// single malformed request must never bring down the intake pipeline.
func (h *Handler) HandleGiftWrap(ctx context.Context, wrap nostr.Event) {
	if !addressedToDVM(wrap, h.dvmPubHex) {
		return
	}

	unwrapped, err := nostrtransport.Unwrap(wrap, h.dvmSecretHex)
	if err != nil {
		h.log.Debug().Err(err).Str("wrapId", wrap.ID).Msg("failed to unwrap request")
		return
	}
	rumor := unwrapped.Rumor
	requester := unwrapped.SealerPub

	if !hasPTag(rumor, h.dvmPubHex) {
		h.log.Debug().Str("rumorId", rumor.ID).Msg("rumor missing p-tag to dvm, dropping")
		return
	}

	if rumor.ID != "" {
		if _, err := h.jobs.Get(rumor.ID); err == nil {
			return // already have a job for this id: silent dedup per spec.md §4.4
		}
	}

	h.dispatch(ctx, rumor, requester)
}

func addressedToDVM(wrap nostr.Event, dvmPub string) bool {
	for _, tag := range wrap.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] == dvmPub {
			return true
		}
	}
	return false
}

func hasPTag(rumor nostr.Event, pub string) bool {
	for _, tag := range rumor.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] == pub {
			return true
		}
	}
	return false
}

func (h *Handler) dispatch(ctx context.Context, rumor nostr.Event, requester string) {
	switch rumor.Kind {
	case KindScheduleNote:
		h.handleScheduleNote(ctx, rumor, requester)
	case KindMasterRequest:
		h.handleMasterRequest(ctx, requester)
	case KindScheduleDM:
		h.handleScheduleDM(rumor, requester)
	case KindRetryDM:
		h.handleRetryDM(ctx, rumor, requester)
	case KindMailboxRepair:
		h.handleMailboxRepair(ctx, requester)
	case KindSupportAction:
		h.handleSupportAction(ctx, rumor, requester)
	default:
		h.log.Debug().Int("kind", rumor.Kind).Msg("unrecognized inner rumor kind, dropping")
	}
}

func (h *Handler) handleScheduleNote(ctx context.Context, rumor nostr.Event, requester string) {
	secrets, err := h.deriver.Derive(requester)
	if err != nil {
		h.log.Warn().Err(err).Str("requester", requester).Msg("key derivation failed")
		return
	}

	plaintext, err := decryptPlaintext(rumor.Content, secrets.SubmitKey)
	if err != nil {
		h.log.Debug().Err(err).Msg("schedule note: decrypt failed")
		return
	}

	parsed, err := parseScheduleRequest(plaintext)
	if err != nil {
		h.log.Debug().Err(err).Msg("schedule note: parse failed")
		return
	}
	if err := validateInnerEvent(parsed.innerEvent, requester); err != nil {
		h.log.Debug().Err(err).Msg("schedule note: inner event invalid")
		return
	}

	relays := parsed.relays
	if len(relays) == 0 {
		relays = h.relays
	}
	relays = nostrtransport.NormalizeRelayList(relays, h.loadTest, h.maxRelays)
	if len(relays) == 0 {
		h.log.Debug().Msg("schedule note: no valid relays after validation")
		return
	}

	feature := support.NoteFeature(parsed.innerEvent.Kind, hasQuoteTag(parsed.innerEvent))
	decision, err := h.gate.Evaluate(requester, int64(parsed.innerEvent.CreatedAt), feature, parsed.allowFree)
	if err != nil {
		h.log.Warn().Err(err).Msg("schedule note: gate evaluation failed")
		return
	}
	if !decision.Allowed {
		h.log.Debug().Str("requester", requester).Str("reason", decision.Reason).Msg("schedule note: gated")
		h.flusher.QueueMailboxPublish(requester)
		return
	}

	innerJSON, err := json.Marshal(parsed.innerEvent)
	if err != nil {
		h.log.Error().Err(err).Msg("schedule note: marshal inner event")
		return
	}
	payload, err := json.Marshal(store.NoteJob{InnerEvent: innerJSON, RepostOf: repostOfID(parsed.innerEvent), RelayHints: relays})
	if err != nil {
		h.log.Error().Err(err).Msg("schedule note: marshal job payload")
		return
	}

	job, err := h.jobs.Upsert(store.Job{
		ID:          rumor.ID,
		Pubkey:      requester,
		PayloadKind: store.JobKindNote,
		Status:      store.StatusScheduled,
		ScheduledAt: int64(parsed.innerEvent.CreatedAt),
		Payload:     payload,
		Relays:      relays,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("schedule note: upsert job")
		return
	}

	h.sched.Schedule(job.ID, job.ScheduledAt)
	h.flusher.QueueMailboxPublish(requester)
}

func repostOfID(inner nostr.Event) string {
	if inner.Kind != 6 {
		return ""
	}
	id, _ := repostTarget(inner)
	return id
}

func (h *Handler) handleScheduleDM(rumor nostr.Event, requester string) {
	secrets, err := h.deriver.Derive(requester)
	if err != nil {
		h.log.Warn().Err(err).Msg("dm request: key derivation failed")
		return
	}

	plaintext, err := decryptPlaintext(rumor.Content, secrets.DMKey)
	if err != nil {
		h.log.Debug().Err(err).Msg("dm request: decrypt failed")
		return
	}
	req, err := parseDMRequest(plaintext)
	if err != nil {
		h.log.Debug().Err(err).Msg("dm request: parse failed")
		return
	}

	recipients := make([]store.DMRecipient, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		if _, err := validateRecipientSeal(r.Seal, requester); err != nil {
			h.log.Debug().Err(err).Str("recipient", r.Pubkey).Msg("dm request: recipient seal invalid")
			return
		}
		recipients = append(recipients, store.DMRecipient{Pubkey: r.Pubkey, Seal: r.Seal})
	}
	if _, err := validateRecipientSeal(req.SenderSeal, requester); err != nil {
		h.log.Debug().Err(err).Msg("dm request: sender seal invalid")
		return
	}

	decision, err := h.gate.Evaluate(requester, req.ScheduledAt, support.FeatureDM, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("dm request: gate evaluation failed")
		return
	}
	if !decision.Allowed {
		h.log.Debug().Str("requester", requester).Str("reason", decision.Reason).Msg("dm request: gated")
		h.flusher.QueueMailboxPublish(requester)
		return
	}

	selfCopy := store.DMRecipient{Pubkey: requester, Seal: req.SenderSeal}
	payload, err := json.Marshal(store.DmJob{Recipients: recipients, SelfCopy: &selfCopy, SenderSealed: true})
	if err != nil {
		h.log.Error().Err(err).Msg("dm request: marshal job payload")
		return
	}

	job, err := h.jobs.Upsert(store.Job{
		ID:          rumor.ID,
		Pubkey:      requester,
		PayloadKind: store.JobKindDM,
		Status:      store.StatusScheduled,
		ScheduledAt: req.ScheduledAt,
		Payload:     payload,
		Relays:      h.relays,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("dm request: upsert job")
		return
	}

	h.sched.Schedule(job.ID, job.ScheduledAt)
	h.flusher.QueueMailboxPublish(requester)
}

func (h *Handler) handleRetryDM(ctx context.Context, rumor nostr.Event, requester string) {
	secrets, err := h.deriver.Derive(requester)
	if err != nil {
		return
	}
	plaintext, err := decryptPlaintext(rumor.Content, secrets.DMKey)
	if err != nil {
		h.log.Debug().Err(err).Msg("dm retry: decrypt failed")
		return
	}
	req, err := parseRetryRequest(plaintext)
	if err != nil {
		h.log.Debug().Err(err).Msg("dm retry: parse failed")
		return
	}

	job, err := h.jobs.Get(req.JobID)
	if err != nil {
		h.log.Debug().Err(err).Str("jobId", req.JobID).Msg("dm retry: job not found")
		return
	}
	if job.Pubkey != requester {
		h.log.Warn().Str("jobId", req.JobID).Msg("dm retry: requester does not own job")
		return
	}
	if job.PayloadKind != store.JobKindDM {
		return
	}

	if _, err := h.jobs.MarkStatus(job.ID, store.StatusScheduled, ""); err != nil {
		h.log.Error().Err(err).Msg("dm retry: mark scheduled")
		return
	}

	if h.retryDM != nil {
		h.retryDM(ctx, job.ID)
	} else {
		h.log.Warn().Str("jobId", job.ID).Msg("dm retry: no publisher wired, job left scheduled")
	}
	h.flusher.QueueMailboxPublish(requester)
}

func (h *Handler) handleMailboxRepair(ctx context.Context, requester string) {
	if _, err := h.flusher.RepairMailbox(ctx, requester, mailbox.ScopeQueue); err != nil {
		h.log.Warn().Err(err).Str("requester", requester).Msg("mailbox repair failed")
	}
}

func (h *Handler) handleSupportAction(ctx context.Context, rumor nostr.Event, requester string) {
	secrets, err := h.deriver.Derive(requester)
	if err != nil {
		return
	}
	plaintext, err := decryptPlaintext(rumor.Content, secrets.SubmitKey)
	if err != nil {
		h.log.Debug().Err(err).Msg("support action: decrypt failed")
		return
	}
	req, err := parseSupportAction(plaintext)
	if err != nil {
		h.log.Debug().Err(err).Msg("support action: parse failed")
		return
	}

	switch req.Action {
	case "use_free":
		if _, err := h.gate.UseFree(requester); err != nil {
			h.log.Warn().Err(err).Msg("support action: use_free failed")
			return
		}
	case "maybe_later":
		if _, err := h.gate.MaybeLater(requester); err != nil {
			h.log.Warn().Err(err).Msg("support action: maybe_later failed")
			return
		}
	case "support":
		if h.invoices == nil {
			h.log.Warn().Msg("support action: payments disabled, ignoring support request")
			return
		}
		if _, err := h.invoices.CreateInvoice(ctx, requester, req.Lud16); err != nil {
			h.log.Warn().Err(err).Str("requester", requester).Msg("support action: create invoice failed")
			return
		}
	case "check_invoice":
		// the background poller in InvoiceManager.PollPending already
		// drives settlement; nothing to do synchronously here beyond
		// ensuring the mailbox reflects current state.
	}
	h.flusher.QueueMailboxPublish(requester)
}

// masterCapsule is the kind-5905 rumor content published on first
// contact, per spec.md §4.9.
type masterCapsule struct {
	RootKeyB64U string   `json:"rootKey_b64u"`
	MB          string   `json:"mb"`
	Version     int      `json:"version"`
	Relays      []string `json:"relays"`
}

func (h *Handler) handleMasterRequest(ctx context.Context, requester string) {
	h.mu.Lock()
	last, ok := h.lastCapsuleAt[requester]
	now := time.Now()
	if ok && now.Sub(last) < masterCapsuleThrottle {
		h.mu.Unlock()
		return
	}
	h.lastCapsuleAt[requester] = now
	h.mu.Unlock()

	secrets, err := h.deriver.Derive(requester)
	if err != nil {
		h.log.Warn().Err(err).Msg("master request: key derivation failed")
		return
	}

	capsule := masterCapsule{
		RootKeyB64U: base64.RawURLEncoding.EncodeToString(secrets.RootKey[:]),
		MB:          secrets.MB,
		Version:     masterCapsuleVersion,
		Relays:      h.relays,
	}
	content, err := json.Marshal(capsule)
	if err != nil {
		h.log.Error().Err(err).Msg("master request: marshal capsule")
		return
	}

	rumor := nostr.Event{
		PubKey:    h.dvmPubHex,
		CreatedAt: nostr.Timestamp(now.Unix()),
		Kind:      KindScheduleNote,
		Tags:      nostr.Tags{},
		Content:   string(content),
	}
	rumor.ID = rumor.GetID()

	wrap, err := nostrtransport.WrapRumor(rumor, h.dvmSecretHex, requester)
	if err != nil {
		h.log.Error().Err(err).Msg("master request: wrap failed")
		return
	}

	results := h.pool.Publish(ctx, h.relays, wrap)
	if !nostrtransport.AnySucceeded(results) {
		h.log.Warn().Str("requester", requester).Str("summary", nostrtransport.Summary(results)).Msg("master capsule publish failed")
	}
}

// HandleDeletion processes a kind-5 deletion event: cancels any
// scheduled job whose id is e-tagged, provided the deletion's author
// matches the job's requester.
func (h *Handler) HandleDeletion(ctx context.Context, deletion nostr.Event) {
	for _, tag := range deletion.Tags {
		if len(tag) < 2 || tag[0] != "e" {
			continue
		}
		jobID := tag[1]
		job, err := h.jobs.Get(jobID)
		if err != nil {
			continue
		}
		if job.Pubkey != deletion.PubKey {
			h.log.Warn().Str("jobId", jobID).Str("author", deletion.PubKey).Msg("deletion author does not own job, rejecting")
			continue
		}
		if job.Status != store.StatusScheduled {
			continue
		}

		h.sched.Cancel(jobID)
		if _, err := h.jobs.MarkStatus(jobID, store.StatusCanceled, ""); err != nil {
			h.log.Error().Err(err).Str("jobId", jobID).Msg("deletion: mark canceled")
			continue
		}
		h.flusher.QueueMailboxPublish(job.Pubkey)
	}
}

// decryptPlaintext decrypts ciphertext under key and returns the
// plaintext JSON document as a string. Request payloads are
// themselves JSON objects, so DecryptJSON's destination is a
// json.RawMessage rather than a typed struct.
func decryptPlaintext(ciphertext string, key [32]byte) (string, error) {
	var raw json.RawMessage
	if err := nostrtransport.DecryptJSON(ciphertext, key, &raw); err != nil {
		return "", fmt.Errorf("intake: decrypt: %w", err)
	}
	return string(raw), nil
}
