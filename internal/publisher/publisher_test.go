package publisher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mavilabart/pidgeon/internal/keyderiv"
	"github.com/mavilabart/pidgeon/internal/mailbox"
	"github.com/mavilabart/pidgeon/internal/nostrtransport"
	"github.com/mavilabart/pidgeon/internal/store"
)

func newTestPublisher(t *testing.T, cfg Config) (*Publisher, *store.JobsStore) {
	t.Helper()
	jobs, err := store.OpenJobsStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { jobs.Close() })

	appdata, err := store.OpenAppDataStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { appdata.Close() })

	dvmSK := nostr.GeneratePrivateKey()
	deriver := keyderiv.New(dvmSK, mustPub(t, dvmSK), 4)
	pool := nostrtransport.NewPool()
	flusher := mailbox.NewFlusher(pool, jobs, appdata, deriver, dvmSK, []string{"wss://relay.internal"}, time.Hour, 1)

	p := New(cfg, pool, jobs, flusher, 16, zerolog.Nop())
	return p, jobs
}

func mustPub(t *testing.T, sk string) string {
	t.Helper()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	return pub
}

func TestPublishNoOpsWhenJobNotScheduled(t *testing.T) {
	p, jobs := newTestPublisher(t, Config{})
	user := mustPub(t, nostr.GeneratePrivateKey())

	job, err := jobs.Upsert(store.Job{ID: "j1", Pubkey: user, PayloadKind: store.JobKindNote, Status: store.StatusSent, ScheduledAt: 100, Payload: json.RawMessage(`{"innerEvent":{}}`)})
	require.NoError(t, err)

	p.Publish(context.Background(), job.ID)

	again, err := jobs.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusSent, again.Status)
}

func TestPublishUnknownJobIsANoOp(t *testing.T) {
	p, _ := newTestPublisher(t, Config{})
	p.Publish(context.Background(), "does-not-exist") // must not panic
}

func TestDrainReturnsImmediatelyWhenNothingInFlight(t *testing.T) {
	p, _ := newTestPublisher(t, Config{})
	start := time.Now()
	p.Drain(time.Second)
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestDrainWaitsForInFlightPublishToFinish(t *testing.T) {
	p, _ := newTestPublisher(t, Config{})
	done := make(chan struct{})
	p.mu.Lock()
	p.inflight["dup"] = done
	p.mu.Unlock()

	go func() {
		time.Sleep(30 * time.Millisecond)
		close(done)
		p.mu.Lock()
		delete(p.inflight, "dup")
		p.mu.Unlock()
	}()

	start := time.Now()
	p.Drain(time.Second)
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestDrainGivesUpAtTimeout(t *testing.T) {
	p, _ := newTestPublisher(t, Config{})
	p.mu.Lock()
	p.inflight["stuck"] = make(chan struct{}) // never closed
	p.mu.Unlock()

	start := time.Now()
	p.Drain(30 * time.Millisecond)
	require.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestPublishCoalescesConcurrentCallsForSameJob(t *testing.T) {
	p, _ := newTestPublisher(t, Config{})

	done := make(chan struct{})
	p.mu.Lock()
	p.inflight["dup"] = done
	p.mu.Unlock()

	waiterReturned := make(chan struct{})
	go func() {
		p.Publish(context.Background(), "dup") // job doesn't exist, but the in-flight wait path must be taken first
		close(waiterReturned)
	}()

	select {
	case <-waiterReturned:
		t.Fatal("Publish returned before the in-flight attempt finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(done)

	select {
	case <-waiterReturned:
	case <-time.After(time.Second):
		t.Fatal("Publish did not unblock after the in-flight attempt finished")
	}
}
