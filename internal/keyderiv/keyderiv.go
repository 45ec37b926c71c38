// Package keyderiv computes the per-user derived secrets Pidgeon uses
// to address and encrypt a user's mailbox without ever persisting
// anything beyond the DVM's own secret key: given the DVM secret key
// and a user's public key, an ECDH shared point feeds HKDF-SHA256 to
// produce a root key, four labeled sub-keys, and a 16-byte mailbox id.
package keyderiv

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/hkdf"

	"github.com/mavilabart/pidgeon/internal/cache"
)

const (
	rootSalt   = "pidgeon:v3"
	mailboxLbl = "pidgeon:v3:key:mailbox"
	submitLbl  = "pidgeon:v3:key:submit"
	dmLbl      = "pidgeon:v3:key:dm"
	blobLbl    = "pidgeon:v3:key:blob"
	mbIDLbl    = "pidgeon:v3:mailbox-id"
)

// Secrets holds the full set of values deterministically derived for a
// single (userPubkey, dvmPubkey) pair. None of these are ever persisted
// beyond the in-memory cache.
type Secrets struct {
	RootKey    [32]byte
	MailboxKey [32]byte
	SubmitKey  [32]byte
	DMKey      [32]byte
	BlobKey    [32]byte
	MB         string // 16-byte mailbox id, URL-safe base64, no padding
}

// Deriver computes and caches Secrets for user pubkeys against one DVM
// identity. Safe for concurrent use.
type Deriver struct {
	dvmSecretHex string
	dvmPubHex    string
	cache        *cache.TTLCache[string, Secrets]
}

// New builds a Deriver for the given DVM secret key (32-byte hex) and
// its derived public key (32-byte x-only hex), with an LRU cache sized
// cacheSize for derived-secret reuse across requests from the same
// user.
func New(dvmSecretHex, dvmPubHex string, cacheSize int) *Deriver {
	return &Deriver{
		dvmSecretHex: dvmSecretHex,
		dvmPubHex:    dvmPubHex,
		cache:        cache.New[string, Secrets](cacheSize),
	}
}

// Derive returns the Secrets for userPubkeyHex, computing and caching
// them on first use. The cache has no TTL: derivation is purely
// deterministic so cached values never go stale.
func (d *Deriver) Derive(userPubkeyHex string) (Secrets, error) {
	if s, ok := d.cache.Get(userPubkeyHex); ok {
		return s, nil
	}

	s, err := derive(d.dvmSecretHex, d.dvmPubHex, userPubkeyHex)
	if err != nil {
		return Secrets{}, err
	}

	d.cache.Set(userPubkeyHex, s, 0)
	return s, nil
}

// InvalidateAll drops every cached derivation. Used only in tests and
// in the (unsupported, operator-driven) event of an HKDF label
// rotation, which rotates every user's mailbox address.
func (d *Deriver) InvalidateAll(cacheSize int) {
	d.cache = cache.New[string, Secrets](cacheSize)
}

func derive(dvmSecretHex, dvmPubHex, userPubkeyHex string) (Secrets, error) {
	shared, err := ecdhSharedX(dvmSecretHex, userPubkeyHex)
	if err != nil {
		return Secrets{}, fmt.Errorf("keyderiv: ecdh: %w", err)
	}

	root, err := hkdfExtractExpand(shared[:], []byte(rootSalt), []byte(rootInfo(dvmPubHex)), 32)
	if err != nil {
		return Secrets{}, fmt.Errorf("keyderiv: root hkdf: %w", err)
	}

	mailboxKey, err := hkdfExtractExpand(root, nil, []byte(mailboxLbl), 32)
	if err != nil {
		return Secrets{}, err
	}
	submitKey, err := hkdfExtractExpand(root, nil, []byte(submitLbl), 32)
	if err != nil {
		return Secrets{}, err
	}
	dmKey, err := hkdfExtractExpand(root, nil, []byte(dmLbl), 32)
	if err != nil {
		return Secrets{}, err
	}
	blobKey, err := hkdfExtractExpand(root, nil, []byte(blobLbl), 32)
	if err != nil {
		return Secrets{}, err
	}
	mbRaw, err := hkdfExtractExpand(root, nil, []byte(mbIDLbl), 16)
	if err != nil {
		return Secrets{}, err
	}

	s := Secrets{MB: base64.RawURLEncoding.EncodeToString(mbRaw)}
	copy(s.RootKey[:], root)
	copy(s.MailboxKey[:], mailboxKey)
	copy(s.SubmitKey[:], submitKey)
	copy(s.DMKey[:], dmKey)
	copy(s.BlobKey[:], blobKey)
	return s, nil
}

func rootInfo(dvmPubHex string) string {
	return "pidgeon:v3:root:" + dvmPubHex
}

// ecdhSharedX computes the ECDH shared secret between a 32-byte hex
// secret key and a 32-byte hex x-only public key, using the
// compressed-even-y convention NIP-44 uses for Nostr's x-only keys,
// and returns the shared point's X coordinate.
func ecdhSharedX(secretHex, pubXOnlyHex string) ([32]byte, error) {
	var out [32]byte

	skBytes, err := hex.DecodeString(secretHex)
	if err != nil || len(skBytes) != 32 {
		return out, fmt.Errorf("invalid secret key")
	}
	pubBytes, err := hex.DecodeString(pubXOnlyHex)
	if err != nil || len(pubBytes) != 32 {
		return out, fmt.Errorf("invalid public key length")
	}

	sk, _ := btcec.PrivKeyFromBytes(skBytes)

	// Nostr public keys are x-only (BIP-340); reconstruct the even-y
	// compressed point as every NIP-44 implementation does.
	compressed := append([]byte{0x02}, pubBytes...)
	pub, err := btcec.ParsePubKey(compressed)
	if err != nil {
		return out, fmt.Errorf("invalid public key point: %w", err)
	}

	var point btcec.JacobianPoint
	pub.AsJacobian(&point)

	var sPoint btcec.JacobianPoint
	btcec.ScalarMultNonConst(&sk.Key, &point, &sPoint)
	sPoint.ToAffine()

	xBytes := sPoint.X.Bytes()
	copy(out[:], xBytes[:])
	return out, nil
}

// hkdfExtractExpand runs HKDF-SHA256 extract+expand and returns n
// bytes of output keying material.
func hkdfExtractExpand(ikm, salt, info []byte, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
