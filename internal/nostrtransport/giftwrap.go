package nostrtransport

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// randomizedPastTimestamp backdates created_at by up to 2 days, the
// NIP-59 convention that defeats simple time-correlation of seal/wrap
// pairs (mirrored from the rationale in subscribeDMCmd's since-filter
// comment: gift wraps carry randomized created_at up to ±2 days).
func randomizedPastTimestamp() nostr.Timestamp {
	const maxBackdateSeconds = 2 * 24 * 60 * 60
	offset := rand.Int63n(maxBackdateSeconds)
	return nostr.Timestamp(time.Now().Unix() - offset)
}

// Seal builds and signs a kind-13 seal wrapping rumor's JSON, encrypted
// to recipientPub under the conversation key derived from
// (recipientPub, sealerSK).
func Seal(rumor nostr.Event, sealerSK, recipientPub string) (nostr.Event, error) {
	sealerPub, err := nostr.GetPublicKey(sealerSK)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("nostrtransport: seal: sealer pubkey: %w", err)
	}

	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("nostrtransport: seal: marshal rumor: %w", err)
	}

	convKey, err := nip44.GenerateConversationKey(recipientPub, sealerSK)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("nostrtransport: seal: conversation key: %w", err)
	}
	ciphertext, err := nip44.Encrypt(string(rumorJSON), convKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("nostrtransport: seal: encrypt: %w", err)
	}

	seal := nostr.Event{
		PubKey:    sealerPub,
		CreatedAt: randomizedPastTimestamp(),
		Kind:      13,
		Tags:      nostr.Tags{},
		Content:   ciphertext,
	}
	if err := seal.Sign(sealerSK); err != nil {
		return nostr.Event{}, fmt.Errorf("nostrtransport: seal: sign: %w", err)
	}
	return seal, nil
}

// GiftWrap builds a kind-1059 gift wrap around seal, signed by a fresh
// ephemeral key and addressed to recipientPub via a p-tag, per NIP-59.
func GiftWrap(seal nostr.Event, recipientPub string) (nostr.Event, error) {
	ephemeralSK := nostr.GeneratePrivateKey()
	ephemeralPub, err := nostr.GetPublicKey(ephemeralSK)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("nostrtransport: giftwrap: ephemeral pubkey: %w", err)
	}

	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("nostrtransport: giftwrap: marshal seal: %w", err)
	}

	convKey, err := nip44.GenerateConversationKey(recipientPub, ephemeralSK)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("nostrtransport: giftwrap: conversation key: %w", err)
	}
	ciphertext, err := nip44.Encrypt(string(sealJSON), convKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("nostrtransport: giftwrap: encrypt: %w", err)
	}

	wrap := nostr.Event{
		PubKey:    ephemeralPub,
		CreatedAt: randomizedPastTimestamp(),
		Kind:      1059,
		Tags:      nostr.Tags{{"p", recipientPub}},
		Content:   ciphertext,
	}
	if err := wrap.Sign(ephemeralSK); err != nil {
		return nostr.Event{}, fmt.Errorf("nostrtransport: giftwrap: sign: %w", err)
	}
	return wrap, nil
}

// WrapRumor is the convenience single-call path: seal rumor to
// recipientPub using sealerSK, then gift-wrap the seal.
func WrapRumor(rumor nostr.Event, sealerSK, recipientPub string) (nostr.Event, error) {
	seal, err := Seal(rumor, sealerSK, recipientPub)
	if err != nil {
		return nostr.Event{}, err
	}
	return GiftWrap(seal, recipientPub)
}

// Unwrapped is the result of peeling a gift wrap down to its rumor.
type Unwrapped struct {
	Rumor     nostr.Event
	SealerPub string // the seal's author == the true requester
}

// Unwrap decrypts wrap (kind 1059) with recipientSK against the wrap's
// ephemeral author key to recover the seal, then decrypts the seal
// with recipientSK against the seal's author key to recover the
// rumor. Neither layer's signature is required to verify against the
// rumor's own signing key — the rumor is the requester's actual
// signed inner content and is verified by callers against its own
// pubkey/sig fields where applicable.
func Unwrap(wrap nostr.Event, recipientSK string) (Unwrapped, error) {
	if wrap.Kind != 1059 {
		return Unwrapped{}, fmt.Errorf("nostrtransport: unwrap: not a gift wrap (kind %d)", wrap.Kind)
	}

	outerKey, err := nip44.GenerateConversationKey(wrap.PubKey, recipientSK)
	if err != nil {
		return Unwrapped{}, fmt.Errorf("nostrtransport: unwrap: outer conversation key: %w", err)
	}
	sealJSON, err := nip44.Decrypt(wrap.Content, outerKey)
	if err != nil {
		return Unwrapped{}, fmt.Errorf("nostrtransport: unwrap: decrypt seal: %w", err)
	}

	var seal nostr.Event
	if err := json.Unmarshal([]byte(sealJSON), &seal); err != nil {
		return Unwrapped{}, fmt.Errorf("nostrtransport: unwrap: parse seal: %w", err)
	}
	if seal.Kind != 13 {
		return Unwrapped{}, fmt.Errorf("nostrtransport: unwrap: seal is not kind 13 (got %d)", seal.Kind)
	}
	if ok, err := seal.CheckSignature(); err != nil || !ok {
		return Unwrapped{}, fmt.Errorf("nostrtransport: unwrap: seal signature invalid")
	}

	innerKey, err := nip44.GenerateConversationKey(seal.PubKey, recipientSK)
	if err != nil {
		return Unwrapped{}, fmt.Errorf("nostrtransport: unwrap: inner conversation key: %w", err)
	}
	rumorJSON, err := nip44.Decrypt(seal.Content, innerKey)
	if err != nil {
		return Unwrapped{}, fmt.Errorf("nostrtransport: unwrap: decrypt rumor: %w", err)
	}

	var rumor nostr.Event
	if err := json.Unmarshal([]byte(rumorJSON), &rumor); err != nil {
		return Unwrapped{}, fmt.Errorf("nostrtransport: unwrap: parse rumor: %w", err)
	}
	if rumor.PubKey != seal.PubKey {
		return Unwrapped{}, fmt.Errorf("nostrtransport: unwrap: rumor author does not match seal author")
	}

	return Unwrapped{Rumor: rumor, SealerPub: seal.PubKey}, nil
}

// EncryptJSON is a small helper for encrypting an arbitrary JSON
// payload (mailbox shards, master-key capsules) under a derived
// symmetric key shared via nip44's conversation-key machinery. Callers
// that already hold a raw 32-byte key (e.g. keyderiv's MailboxKey) use
// nip44's lower-level primitives directly through this wrapper so the
// rest of the codebase never imports nip44 itself.
func EncryptJSON(v any, key [32]byte) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("nostrtransport: encrypt json: %w", err)
	}
	ct, err := nip44.Encrypt(string(b), key)
	if err != nil {
		return "", fmt.Errorf("nostrtransport: encrypt json: %w", err)
	}
	return ct, nil
}

// DecryptJSON reverses EncryptJSON into dst.
func DecryptJSON(ciphertext string, key [32]byte, dst any) error {
	pt, err := nip44.Decrypt(ciphertext, key)
	if err != nil {
		return fmt.Errorf("nostrtransport: decrypt json: %w", err)
	}
	if err := json.Unmarshal([]byte(pt), dst); err != nil {
		return fmt.Errorf("nostrtransport: decrypt json: parse: %w", err)
	}
	return nil
}
