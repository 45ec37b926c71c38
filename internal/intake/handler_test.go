package intake

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mavilabart/pidgeon/internal/config"
	"github.com/mavilabart/pidgeon/internal/keyderiv"
	"github.com/mavilabart/pidgeon/internal/mailbox"
	"github.com/mavilabart/pidgeon/internal/nostrtransport"
	"github.com/mavilabart/pidgeon/internal/scheduler"
	"github.com/mavilabart/pidgeon/internal/store"
	"github.com/mavilabart/pidgeon/internal/support"
)

type testHarness struct {
	handler *Handler
	jobs    *store.JobsStore
	sched   *scheduler.Scheduler
	dvmSK   string
	dvmPub  string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	jobs, err := store.OpenJobsStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { jobs.Close() })

	appdata, err := store.OpenAppDataStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { appdata.Close() })

	dvmSK := nostr.GeneratePrivateKey()
	dvmPub, err := nostr.GetPublicKey(dvmSK)
	require.NoError(t, err)

	deriver := keyderiv.New(dvmSK, dvmPub, 16)
	pool := nostrtransport.NewPool()
	flusher := mailbox.NewFlusher(pool, jobs, appdata, deriver, dvmSK, []string{"wss://relay.example"}, 10*time.Millisecond, 1)
	sched := scheduler.New(func(id string) {})
	gate := support.New(appdata, config.SupportConfig{HorizonDays: 0, WindowSchedules: 10, GatedFeatures: map[string]bool{}})

	h := NewHandler(dvmSK, dvmPub, []string{"wss://relay.example"}, false, 20, pool, jobs, deriver, gate, nil, flusher, sched, nil, zerolog.Nop())

	return &testHarness{handler: h, jobs: jobs, sched: sched, dvmSK: dvmSK, dvmPub: dvmPub}
}

// wrapToDVM builds a kind-1059 gift wrap carrying a plaintext-encrypted
// rumor of kind, addressed to the harness's DVM and sealed by requesterSK.
func wrapToDVM(t *testing.T, h *testHarness, requesterSK string, kind int, key [32]byte, payload any) (nostr.Event, string) {
	t.Helper()
	requesterPub, err := nostr.GetPublicKey(requesterSK)
	require.NoError(t, err)

	ciphertext, err := nostrtransport.EncryptJSON(payload, key)
	require.NoError(t, err)

	rumor := nostr.Event{
		PubKey:    requesterPub,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      kind,
		Tags:      nostr.Tags{{"p", h.dvmPub}},
		Content:   ciphertext,
	}
	rumor.ID = rumor.GetID()

	wrap, err := nostrtransport.WrapRumor(rumor, requesterSK, h.dvmPub)
	require.NoError(t, err)
	return wrap, rumor.ID
}

func TestHandleGiftWrapSchedulesNoteJob(t *testing.T) {
	h := newTestHarness(t)

	requesterSK := nostr.GeneratePrivateKey()
	requesterPub, err := nostr.GetPublicKey(requesterSK)
	require.NoError(t, err)

	secrets, err := keyderiv.New(h.dvmSK, h.dvmPub, 4).Derive(requesterPub)
	require.NoError(t, err)

	inner := nostr.Event{PubKey: requesterPub, CreatedAt: nostr.Timestamp(time.Now().Add(time.Hour).Unix()), Kind: 1, Tags: nostr.Tags{}, Content: "hello nostr"}
	inner.ID = inner.GetID()
	require.NoError(t, inner.Sign(requesterSK))
	innerJSON, err := json.Marshal(inner)
	require.NoError(t, err)

	payload := map[string]any{
		"tags": [][]string{
			{"i", string(innerJSON), "text"},
			{"relays", "wss://relay.example"},
		},
	}

	wrap, rumorID := wrapToDVM(t, h, requesterSK, KindScheduleNote, secrets.SubmitKey, payload)

	h.handler.HandleGiftWrap(context.Background(), wrap)

	job, err := h.jobs.Get(rumorID)
	require.NoError(t, err)
	require.Equal(t, store.StatusScheduled, job.Status)
	require.Equal(t, requesterPub, job.Pubkey)
	require.True(t, h.sched.Has(rumorID))
}

func TestHandleGiftWrapDedupsByRumorID(t *testing.T) {
	h := newTestHarness(t)

	requesterSK := nostr.GeneratePrivateKey()
	requesterPub, err := nostr.GetPublicKey(requesterSK)
	require.NoError(t, err)
	secrets, err := keyderiv.New(h.dvmSK, h.dvmPub, 4).Derive(requesterPub)
	require.NoError(t, err)

	inner := nostr.Event{PubKey: requesterPub, CreatedAt: nostr.Timestamp(time.Now().Add(time.Hour).Unix()), Kind: 1, Tags: nostr.Tags{}, Content: "hi"}
	inner.ID = inner.GetID()
	require.NoError(t, inner.Sign(requesterSK))
	innerJSON, err := json.Marshal(inner)
	require.NoError(t, err)

	payload := map[string]any{"tags": [][]string{{"i", string(innerJSON), "text"}, {"relays", "wss://relay.example"}}}
	wrap, rumorID := wrapToDVM(t, h, requesterSK, KindScheduleNote, secrets.SubmitKey, payload)

	h.handler.HandleGiftWrap(context.Background(), wrap)
	job, err := h.jobs.Get(rumorID)
	require.NoError(t, err)

	h.sched.Cancel(rumorID) // prove the second HandleGiftWrap call is a true no-op, not a re-schedule
	h.handler.HandleGiftWrap(context.Background(), wrap)
	require.False(t, h.sched.Has(rumorID))

	again, err := h.jobs.Get(rumorID)
	require.NoError(t, err)
	require.Equal(t, job.Status, again.Status)
	require.Equal(t, job.CreatedAt, again.CreatedAt)
}

func TestHandleGiftWrapIgnoresWrapNotAddressedToDVM(t *testing.T) {
	h := newTestHarness(t)
	other := nostr.GeneratePrivateKey()
	otherPub, err := nostr.GetPublicKey(other)
	require.NoError(t, err)

	requesterSK := nostr.GeneratePrivateKey()
	rumor := nostr.Event{PubKey: otherPub, Kind: KindScheduleNote, Tags: nostr.Tags{{"p", otherPub}}, Content: "x"}
	rumor.ID = rumor.GetID()
	wrap, err := nostrtransport.WrapRumor(rumor, requesterSK, otherPub)
	require.NoError(t, err)

	h.handler.HandleGiftWrap(context.Background(), wrap)
	_, err = h.jobs.Get(rumor.ID)
	require.Error(t, err)
}

func TestHandleDeletionCancelsOwnedJob(t *testing.T) {
	h := newTestHarness(t)

	requesterSK := nostr.GeneratePrivateKey()
	requesterPub, err := nostr.GetPublicKey(requesterSK)
	require.NoError(t, err)
	secrets, err := keyderiv.New(h.dvmSK, h.dvmPub, 4).Derive(requesterPub)
	require.NoError(t, err)

	inner := nostr.Event{PubKey: requesterPub, CreatedAt: nostr.Timestamp(time.Now().Add(time.Hour).Unix()), Kind: 1, Tags: nostr.Tags{}, Content: "hi"}
	inner.ID = inner.GetID()
	require.NoError(t, inner.Sign(requesterSK))
	innerJSON, err := json.Marshal(inner)
	require.NoError(t, err)

	payload := map[string]any{"tags": [][]string{{"i", string(innerJSON), "text"}, {"relays", "wss://relay.example"}}}
	wrap, rumorID := wrapToDVM(t, h, requesterSK, KindScheduleNote, secrets.SubmitKey, payload)
	h.handler.HandleGiftWrap(context.Background(), wrap)
	require.True(t, h.sched.Has(rumorID))

	deletion := nostr.Event{PubKey: requesterPub, Kind: KindDeletion, Tags: nostr.Tags{{"e", rumorID}}, Content: ""}
	deletion.ID = deletion.GetID()
	require.NoError(t, deletion.Sign(requesterSK))

	h.handler.HandleDeletion(context.Background(), deletion)

	job, err := h.jobs.Get(rumorID)
	require.NoError(t, err)
	require.Equal(t, store.StatusCanceled, job.Status)
	require.False(t, h.sched.Has(rumorID))
}

func TestHandleDeletionRejectsWrongAuthor(t *testing.T) {
	h := newTestHarness(t)

	requesterSK := nostr.GeneratePrivateKey()
	requesterPub, err := nostr.GetPublicKey(requesterSK)
	require.NoError(t, err)
	secrets, err := keyderiv.New(h.dvmSK, h.dvmPub, 4).Derive(requesterPub)
	require.NoError(t, err)

	inner := nostr.Event{PubKey: requesterPub, CreatedAt: nostr.Timestamp(time.Now().Add(time.Hour).Unix()), Kind: 1, Tags: nostr.Tags{}, Content: "hi"}
	inner.ID = inner.GetID()
	require.NoError(t, inner.Sign(requesterSK))
	innerJSON, err := json.Marshal(inner)
	require.NoError(t, err)

	payload := map[string]any{"tags": [][]string{{"i", string(innerJSON), "text"}, {"relays", "wss://relay.example"}}}
	wrap, rumorID := wrapToDVM(t, h, requesterSK, KindScheduleNote, secrets.SubmitKey, payload)
	h.handler.HandleGiftWrap(context.Background(), wrap)

	attackerSK := nostr.GeneratePrivateKey()
	attackerPub, err := nostr.GetPublicKey(attackerSK)
	require.NoError(t, err)
	deletion := nostr.Event{PubKey: attackerPub, Kind: KindDeletion, Tags: nostr.Tags{{"e", rumorID}}, Content: ""}
	deletion.ID = deletion.GetID()
	require.NoError(t, deletion.Sign(attackerSK))

	h.handler.HandleDeletion(context.Background(), deletion)

	job, err := h.jobs.Get(rumorID)
	require.NoError(t, err)
	require.Equal(t, store.StatusScheduled, job.Status)
	require.True(t, h.sched.Has(rumorID))
}

func TestHandleMasterRequestThrottlesRepeatCapsules(t *testing.T) {
	h := newTestHarness(t)
	requesterSK := nostr.GeneratePrivateKey()
	requesterPub, err := nostr.GetPublicKey(requesterSK)
	require.NoError(t, err)

	// the first call publishes against an unreachable relay; the second,
	// inside the 30s window, returns on the throttle before publishing.
	// The throttle map entry is what we're actually asserting on.
	h.handler.handleMasterRequest(context.Background(), requesterPub)
	first := h.handler.lastCapsuleAt[requesterPub]
	require.False(t, first.IsZero())

	h.handler.handleMasterRequest(context.Background(), requesterPub)
	require.Equal(t, first, h.handler.lastCapsuleAt[requesterPub])
}
