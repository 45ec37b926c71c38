package mailbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mavilabart/pidgeon/internal/store"
)

func TestRepairMailboxNoopWhenNeverFlushed(t *testing.T) {
	f, _, _, _ := newTestFlusher(t)
	user := mustUserPubkey(t)

	result, err := f.RepairMailbox(t.Context(), user, ScopeQueue)
	require.NoError(t, err)
	require.Equal(t, RepairResult{}, result)
}

func TestBuildCandidatesIndexAlwaysPresent(t *testing.T) {
	f, jobs, appdata, _ := newTestFlusher(t)
	user := mustUserPubkey(t)

	_, err := jobs.Upsert(store.Job{ID: "j1", Pubkey: user, PayloadKind: store.JobKindNote, Status: store.StatusScheduled, ScheduledAt: 100, Payload: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)

	meta, err := appdata.GetMailboxMeta(user)
	require.NoError(t, err)
	meta.Rev = 1

	secrets := testDerivedSecrets(t, user)

	candidates, order, err := f.buildCandidates(user, meta, secrets, ScopeQueue)
	require.NoError(t, err)
	idxD := indexDTag(secrets.MB)
	require.Contains(t, candidates, idxD)
	require.Equal(t, idxD, order[len(order)-1])
}

func TestBuildCandidatesBlobShardsIncludedInQueueScope(t *testing.T) {
	f, jobs, appdata, _ := newTestFlusher(t)
	user := mustUserPubkey(t)

	big := `{"innerEvent":"` + repeatChar("y", itemBlobThresholdBytes+200) + `"}`
	_, err := jobs.Upsert(store.Job{ID: "big1", Pubkey: user, PayloadKind: store.JobKindNote, Status: store.StatusScheduled, ScheduledAt: 100, Payload: json.RawMessage(big)})
	require.NoError(t, err)

	meta, err := appdata.GetMailboxMeta(user)
	require.NoError(t, err)
	meta.Rev = 1

	secrets := testDerivedSecrets(t, user)

	candidates, order, err := f.buildCandidates(user, meta, secrets, ScopeQueue)
	require.NoError(t, err)

	found := false
	for _, dTag := range order {
		if c, ok := candidates[dTag]; ok {
			if _, isString := c.plaintext.(string); isString {
				found = true
			}
		}
	}
	require.True(t, found, "expected at least one blob-part candidate with a string plaintext")
}

// probe must report answered=false (not a false "present=false" negative)
// when no relay gets a chance to respond before ctx expires, so a
// relay hiccup is reported as unknown rather than triggering a
// spurious republish.
func TestProbeReportsUnknownWhenContextAlreadyExpired(t *testing.T) {
	f, _, _, _ := newTestFlusher(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	present, answered := f.probe(ctx, "some-d-tag")
	require.False(t, answered)
	require.False(t, present)
}

func repeatChar(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
