package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newAppDataStore(t *testing.T) *AppDataStore {
	t.Helper()
	s, err := OpenAppDataStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMailboxMetaRoundTrip(t *testing.T) {
	s := newAppDataStore(t)

	empty, err := s.GetMailboxMeta("pub1")
	require.NoError(t, err)
	require.Equal(t, int64(0), empty.Rev)

	m := MailboxMeta{
		Pubkey:              "pub1",
		Rev:                 3,
		PublishedRev:        2,
		PublishedRelaysKey:  "relayset-abc",
		PublishedHash:       "deadbeef",
		LastCreatedAtByDTag: map[string]int64{"pidgeon:v3:mb:x:index": 1000},
	}
	require.NoError(t, s.PutMailboxMeta(m))

	got, err := s.GetMailboxMeta("pub1")
	require.NoError(t, err)
	require.Equal(t, int64(3), got.Rev)
	require.Equal(t, int64(2), got.PublishedRev)
	require.Equal(t, "relayset-abc", got.PublishedRelaysKey)
	require.Equal(t, int64(1000), got.LastCreatedAtByDTag["pidgeon:v3:mb:x:index"])
}

func TestMailboxPageRoundTrip(t *testing.T) {
	s := newAppDataStore(t)

	_, ok, err := s.GetMailboxPage("pub1", "__pending__", 0)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.PutMailboxPage(MailboxPage{Pubkey: "pub1", Bucket: "__pending__", Page: 0, Count: 5, Hash: "h1"}))
	p, ok, err := s.GetMailboxPage("pub1", "__pending__", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 5, p.Count)
	require.Equal(t, "h1", p.Hash)

	pages, err := s.ListMailboxPages("pub1")
	require.NoError(t, err)
	require.Len(t, pages, 1)
}

func TestSupportStateDefaultsToZeroUnlocked(t *testing.T) {
	s := newAppDataStore(t)

	st, err := s.GetSupportState("newuser")
	require.NoError(t, err)
	require.Equal(t, int64(0), st.ScheduleCount)
	require.True(t, st.IsUnlocked()) // 0 >= 0
	require.False(t, st.IsSupporter(1000))
}

func TestMutateSupportStateAppliesFn(t *testing.T) {
	s := newAppDataStore(t)

	st, err := s.MutateSupportState("pub1", func(cur SupportState) (SupportState, error) {
		cur.ScheduleCount++
		return cur, nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), st.ScheduleCount)

	st, err = s.MutateSupportState("pub1", func(cur SupportState) (SupportState, error) {
		cur.ScheduleCount++
		return cur, nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), st.ScheduleCount)
}

func TestMutateSupportStateSerializesConcurrentCallers(t *testing.T) {
	s := newAppDataStore(t)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := s.MutateSupportState("pub1", func(cur SupportState) (SupportState, error) {
				cur.ScheduleCount++
				return cur, nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	final, err := s.GetSupportState("pub1")
	require.NoError(t, err)
	require.Equal(t, int64(n), final.ScheduleCount)
}

func TestInvoiceLifecycle(t *testing.T) {
	s := newAppDataStore(t)

	inv := SupportInvoice{
		ID:        "inv1",
		Pubkey:    "pub1",
		PR:        "lnbc1...",
		VerifyURL: "https://wallet.example/verify/inv1",
		Sats:      1000,
		Status:    InvoiceStatusPending,
		CreatedAt: 1000,
		ExpiresAt: 1900,
	}
	require.NoError(t, s.PutInvoice(inv))

	active, ok, err := s.ActiveInvoice("pub1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "inv1", active.ID)

	pending, err := s.ListPendingInvoices()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	inv.Status = InvoiceStatusSettled
	inv.SettledAt = 1500
	inv.Preimage = "preimage-hex"
	require.NoError(t, s.PutInvoice(inv))

	_, ok, err = s.ActiveInvoice("pub1")
	require.NoError(t, err)
	require.False(t, ok) // no longer pending

	pending, err = s.ListPendingInvoices()
	require.NoError(t, err)
	require.Empty(t, pending)
}
