package intake

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func signedNote(t *testing.T, sk string, kind int, tags nostr.Tags) nostr.Event {
	t.Helper()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	evt := nostr.Event{PubKey: pub, Kind: kind, Tags: tags, Content: "hello"}
	evt.ID = evt.GetID()
	require.NoError(t, evt.Sign(sk))
	return evt
}

func TestParseScheduleRequestExtractsInnerEventAndRelays(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	inner := signedNote(t, sk, 1, nostr.Tags{})
	innerJSON, err := json.Marshal(inner)
	require.NoError(t, err)

	payload, err := json.Marshal(map[string]any{
		"tags": [][]string{
			{"i", string(innerJSON), "text"},
			{"relays", "wss://r1.example", "wss://r2.example"},
		},
		"cap": map[string]any{"allowFree": true},
	})
	require.NoError(t, err)

	parsed, err := parseScheduleRequest(string(payload))
	require.NoError(t, err)
	require.Equal(t, inner.ID, parsed.innerEvent.ID)
	require.ElementsMatch(t, []string{"wss://r1.example", "wss://r2.example"}, parsed.relays)
	require.True(t, parsed.allowFree)
}

func TestParseScheduleRequestRejectsMissingInnerTag(t *testing.T) {
	_, err := parseScheduleRequest(`{"tags":[["relays","wss://r1.example"]]}`)
	require.Error(t, err)
}

func TestValidateInnerEventAcceptsNoteAndRepost(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)

	note := signedNote(t, sk, 1, nostr.Tags{})
	require.NoError(t, validateInnerEvent(note, pub))

	repost := signedNote(t, sk, 6, nostr.Tags{{"e", sampleHex64(), "wss://origin.example"}})
	require.NoError(t, validateInnerEvent(repost, pub))
}

func TestValidateInnerEventRejectsWrongPubkey(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	other := nostr.GeneratePrivateKey()
	otherPub, err := nostr.GetPublicKey(other)
	require.NoError(t, err)

	note := signedNote(t, sk, 1, nostr.Tags{})
	require.Error(t, validateInnerEvent(note, otherPub))
}

func TestValidateInnerEventRejectsBadKind(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	note := signedNote(t, sk, 7, nostr.Tags{})
	require.Error(t, validateInnerEvent(note, pub))
}

func TestValidateInnerEventRejectsRepostWithoutRelayHint(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	repost := signedNote(t, sk, 6, nostr.Tags{{"e", sampleHex64()}})
	require.Error(t, validateInnerEvent(repost, pub))
}

func TestHasQuoteTagDetection(t *testing.T) {
	require.True(t, hasQuoteTag(nostr.Event{Tags: nostr.Tags{{"q", sampleHex64()}}}))
	require.False(t, hasQuoteTag(nostr.Event{Tags: nostr.Tags{{"e", sampleHex64()}}}))
}

func TestParseDMRequestValidatesRecipients(t *testing.T) {
	_, err := parseDMRequest(`{"scheduledAt":100,"recipients":[]}`)
	require.Error(t, err)

	missingSenderSeal := `{"scheduledAt":100,"recipients":[{"pubkey":"` + sampleHex64() + `","seal":"ciphertext"}]}`
	_, err = parseDMRequest(missingSenderSeal)
	require.Error(t, err)

	good := `{"scheduledAt":100,"senderSeal":"selfciphertext","recipients":[{"pubkey":"` + sampleHex64() + `","seal":"ciphertext"}]}`
	req, err := parseDMRequest(good)
	require.NoError(t, err)
	require.Len(t, req.Recipients, 1)
	require.Equal(t, "selfciphertext", req.SenderSeal)
}

func TestValidateRecipientSealRejectsNonEmptyTags(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	seal := nostr.Event{PubKey: pub, Kind: 13, Tags: nostr.Tags{{"e", sampleHex64()}}, Content: "x"}
	seal.ID = seal.GetID()
	require.NoError(t, seal.Sign(sk))
	sealJSON, _ := json.Marshal(seal)

	_, err = validateRecipientSeal(string(sealJSON), pub)
	require.Error(t, err)
}

func TestValidateRecipientSealAcceptsWellFormedSeal(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	seal := nostr.Event{PubKey: pub, Kind: 13, Tags: nostr.Tags{}, Content: "x"}
	seal.ID = seal.GetID()
	require.NoError(t, seal.Sign(sk))
	sealJSON, _ := json.Marshal(seal)

	parsed, err := validateRecipientSeal(string(sealJSON), pub)
	require.NoError(t, err)
	require.Equal(t, 13, parsed.Kind)
}

func TestParseSupportActionRejectsUnknownAction(t *testing.T) {
	_, err := parseSupportAction(`{"action":"bogus"}`)
	require.Error(t, err)
}

func TestParseSupportActionAcceptsKnownActions(t *testing.T) {
	for _, action := range []string{"use_free", "maybe_later", "support", "check_invoice"} {
		req, err := parseSupportAction(`{"action":"` + action + `"}`)
		require.NoError(t, err)
		require.Equal(t, action, req.Action)
	}
}

func TestParseRetryRequestRequiresJobID(t *testing.T) {
	_, err := parseRetryRequest(`{}`)
	require.Error(t, err)

	req, err := parseRetryRequest(`{"jobId":"abc123"}`)
	require.NoError(t, err)
	require.Equal(t, "abc123", req.JobID)
}

func sampleHex64() string {
	return strings.Repeat("ab", 32)
}
