package mailbox

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDTagLayout(t *testing.T) {
	require.Equal(t, "pidgeon:v3:mb:abc:index", indexDTag("abc"))
	require.Equal(t, "pidgeon:v3:mb:abc:pending:2", pendingDTag("abc", 2))
	require.Equal(t, "pidgeon:v3:mb:abc:blob:note1:0", blobDTag("abc", "note1", 0))
	require.Equal(t, "pidgeon:v3:mb:abc:hist:2026-07:1", histDTag("abc", "2026-07", 1))
	require.Equal(t, "pidgeon:v3:mb:abc:bucket:2026-07", bucketDTag("abc", "2026-07"))
}

func TestSplitIntoPagesRespectsTarget(t *testing.T) {
	var items []PendingItem
	for i := 0; i < 50; i++ {
		items = append(items, PendingItem{ID: "id", Kind: "note", ScheduledAt: 1, Status: "scheduled"})
	}
	pages := splitIntoPages(items, 200)
	require.Greater(t, len(pages), 1)
	total := 0
	for _, p := range pages {
		total += len(p)
		b, _ := json.Marshal(shardPage[PendingItem]{Items: p})
		require.LessOrEqual(t, len(b), hardEventCapBytes)
	}
	require.Equal(t, 50, total)
}

func TestSplitIntoPagesEmpty(t *testing.T) {
	require.Nil(t, splitIntoPages([]PendingItem(nil), 1000))
}

func TestSplitBlobParts(t *testing.T) {
	raw := make([]byte, 100)
	for i := range raw {
		raw[i] = 'a'
	}
	parts := splitBlobParts(string(raw), 30)
	require.Len(t, parts, 4) // 30,30,30,10
	joined := ""
	for _, p := range parts {
		joined += p
	}
	require.Equal(t, string(raw), joined)
}

func TestStateHashStableUnderRelayOrder(t *testing.T) {
	support := IndexSupport{ScheduleCount: 1}
	h1 := StateHash([]string{"wss://a", "wss://b"}, nil, support, nil, nil)
	h2 := StateHash([]string{"wss://b", "wss://a"}, nil, support, nil, nil)
	require.Equal(t, h1, h2)
}

func TestStateHashChangesWithPending(t *testing.T) {
	support := IndexSupport{}
	h1 := StateHash([]string{"wss://a"}, nil, support, nil, nil)
	h2 := StateHash([]string{"wss://a"}, nil, support, []PendingItem{{ID: "x"}}, nil)
	require.NotEqual(t, h1, h2)
}

func TestMonthBucketFormat(t *testing.T) {
	require.Equal(t, "2026-07", monthBucket(1785000000))
}
