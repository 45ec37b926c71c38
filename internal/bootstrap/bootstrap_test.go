package bootstrap

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mavilabart/pidgeon/internal/nostrtransport"
)

func TestSupportedInboundKindsMatchIntakeDispatch(t *testing.T) {
	require.ElementsMatch(t, []int{5901, 5905, 5906, 5907, 5908, 5910}, supportedInboundKinds)
}

func TestProbeIndexersDropsUnreachableRelays(t *testing.T) {
	dvmSK := nostr.GeneratePrivateKey()
	pool := nostrtransport.NewPool()
	b := New(dvmSK, Profile{Name: "Pidgeon"}, []string{"wss://relay.internal"}, []string{"wss://indexer.invalid.test.invalid"}, pool, zerolog.Nop())

	reachable := b.ProbeIndexers()
	require.Empty(t, reachable)
}
