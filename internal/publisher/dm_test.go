package publisher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/mavilabart/pidgeon/internal/store"
)

func sampleSeal(t *testing.T, authorSK string) string {
	t.Helper()
	pub := mustPub(t, authorSK)
	seal := nostr.Event{PubKey: pub, Kind: 13, Tags: nostr.Tags{}, Content: "ciphertext"}
	seal.ID = seal.GetID()
	require.NoError(t, seal.Sign(authorSK))
	sealJSON, err := json.Marshal(seal)
	require.NoError(t, err)
	return string(sealJSON)
}

func TestWrapForGeneratesAndPersistsFreshWrap(t *testing.T) {
	requesterSK := nostr.GeneratePrivateKey()
	recipientSK := nostr.GeneratePrivateKey()
	recipientPub := mustPub(t, recipientSK)

	p, _ := newTestPublisher(t, Config{})
	r := &store.DMRecipient{Pubkey: recipientPub, Seal: sampleSeal(t, requesterSK)}

	wrap, err := p.wrapFor(r)
	require.NoError(t, err)
	require.Equal(t, 1059, wrap.Kind)
	require.NotEmpty(t, r.WrapID)
	require.Equal(t, wrap.ID, r.WrapID)
	require.NotEmpty(t, r.WrapEvent)
}

func TestWrapForReusesPersistedWrapOnRetry(t *testing.T) {
	requesterSK := nostr.GeneratePrivateKey()
	recipientSK := nostr.GeneratePrivateKey()
	recipientPub := mustPub(t, recipientSK)

	p, _ := newTestPublisher(t, Config{})
	r := &store.DMRecipient{Pubkey: recipientPub, Seal: sampleSeal(t, requesterSK)}

	first, err := p.wrapFor(r)
	require.NoError(t, err)

	again, err := p.wrapFor(r)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
}

func TestDiscoverInboxReturnsCachedResultWithoutNetworkCall(t *testing.T) {
	p, _ := newTestPublisher(t, Config{})
	user := mustPub(t, nostr.GeneratePrivateKey())

	p.inboxCache.Set(user, []string{"wss://inbox.example"}, time.Minute)

	relays := p.discoverInbox(context.Background(), user)
	require.Equal(t, []string{"wss://inbox.example"}, relays)
}

func TestDmSummaryFormatsOutcomes(t *testing.T) {
	allSent := store.DmJob{
		Recipients: []store.DMRecipient{{Pubkey: "a", Status: "sent"}},
		SelfCopy:   &store.DMRecipient{Pubkey: "self", Status: "sent"},
	}
	require.Equal(t, "all recipients delivered", dmSummary(allSent))

	mixed := store.DmJob{
		Recipients: []store.DMRecipient{
			{Pubkey: "a", Status: "sent"},
			{Pubkey: "b", Status: "error", LastError: "No kind:10050 inbox relays found"},
		},
		SelfCopy: &store.DMRecipient{Pubkey: "self", Status: ""},
	}
	summary := dmSummary(mixed)
	require.Contains(t, summary, "b=error")
	require.Contains(t, summary, "No kind:10050 inbox relays found")
	require.Contains(t, summary, "selfCopy=")
	require.NotContains(t, summary, "a=sent")
}
