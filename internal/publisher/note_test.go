package publisher

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func TestRepostTagTargetExtraction(t *testing.T) {
	id, hint := repostTagTarget(nostr.Event{Tags: nostr.Tags{{"e", "abc123", "wss://origin.example"}}})
	require.Equal(t, "abc123", id)
	require.Equal(t, "wss://origin.example", hint)

	id, hint = repostTagTarget(nostr.Event{Tags: nostr.Tags{{"p", "someone"}}})
	require.Empty(t, id)
	require.Empty(t, hint)
}

func TestResolveRepostTargetNotFoundWhenNoRelaysQualify(t *testing.T) {
	// every candidate relay is private/local, so NormalizeRelayList
	// drops all of them and no network probe is ever attempted.
	p, _ := newTestPublisher(t, Config{IndexerRelays: []string{"wss://indexer.internal"}, DVMRelays: []string{"wss://dvm.internal"}})

	_, err := p.resolveRepostTarget(context.Background(), "abc123", "", []string{"wss://publish.internal"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "target not found")
}
