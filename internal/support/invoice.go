package support

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mavilabart/pidgeon/internal/apperr"
	"github.com/mavilabart/pidgeon/internal/config"
	"github.com/mavilabart/pidgeon/internal/store"
	"github.com/mavilabart/pidgeon/internal/workqueue"
)

// Support-verify queue sizing, per spec.md §5: concurrency 2, cap
// 2000, dedup keyed by invoice id.
const (
	invoiceQueueConcurrency = 2
	invoiceQueueCapacity    = 2000
)

// lnurlPayResponse is the subset of LUD-06's LNURL-pay metadata response
// Pidgeon needs.
type lnurlPayResponse struct {
	Callback    string `json:"callback"`
	MinSendable int64  `json:"minSendable"` // millisats
	MaxSendable int64  `json:"maxSendable"` // millisats
	Tag         string `json:"tag"`
}

// lnurlPayCallbackResponse is LUD-06's callback response.
type lnurlPayCallbackResponse struct {
	PR            string `json:"pr"`
	Verify        string `json:"verify"`
	Routes        []any  `json:"routes"`
	SuccessAction any    `json:"successAction"`
}

// lnurlVerifyResponse is LUD-21's invoice verify response.
type lnurlVerifyResponse struct {
	Settled  bool   `json:"settled"`
	Preimage string `json:"preimage"`
	PR       string `json:"pr"`
}

// InvoiceManager drives the LNURL-verify invoice lifecycle: creation
// from a lud16 address, and a background poll of pending invoices.
type InvoiceManager struct {
	appdata *store.AppDataStore
	fetcher *SafeFetcher
	policy  config.PaymentConfig
	onFlush func(pubkey string) // mailbox dirty-bit hook
	now     func() time.Time

	queue *workqueue.Queue[invoiceCheck]
}

// invoiceCheck carries one PollPending tick's context through the
// support-verify queue: ctx varies per call, so it travels with the
// item rather than being captured once at queue construction.
type invoiceCheck struct {
	ctx    context.Context
	inv    store.SupportInvoice
	nowSec int64
}

// NewInvoiceManager builds an InvoiceManager. onFlush is invoked after
// any state-affecting transition (created, settled, expired) so the
// caller can queue a mailbox flush for the affected user.
func NewInvoiceManager(appdata *store.AppDataStore, fetcher *SafeFetcher, policy config.PaymentConfig, onFlush func(pubkey string), log zerolog.Logger) *InvoiceManager {
	m := &InvoiceManager{appdata: appdata, fetcher: fetcher, policy: policy, onFlush: onFlush, now: time.Now}
	m.queue = workqueue.New(workqueue.Config{
		Name:        "support-verify",
		Concurrency: invoiceQueueConcurrency,
		Capacity:    invoiceQueueCapacity,
	}, log, func(item invoiceCheck) {
		m.checkOne(item.ctx, item.inv, item.nowSec)
	})
	return m
}

// CreateInvoice resolves lud16 to an LNURL-pay endpoint, requests an
// invoice clamped to the policy's sats bounds, and persists it pending.
func (m *InvoiceManager) CreateInvoice(ctx context.Context, pubkey, lud16 string) (store.SupportInvoice, error) {
	endpoint, err := resolveLud16(lud16)
	if err != nil {
		return store.SupportInvoice{}, apperr.Validation("support.CreateInvoice", err)
	}
	return m.createInvoiceFromPayEndpoint(ctx, pubkey, endpoint)
}

// createInvoiceFromPayEndpoint drives the LNURL-pay → callback →
// persist steps against an already-resolved payRequest endpoint,
// split out from CreateInvoice so tests can exercise it directly
// against a local LNURL-pay server without a real lud16/DNS hop.
func (m *InvoiceManager) createInvoiceFromPayEndpoint(ctx context.Context, pubkey, endpoint string) (store.SupportInvoice, error) {
	var payResp lnurlPayResponse
	if err := m.fetcher.GetJSON(ctx, endpoint, &payResp); err != nil {
		return store.SupportInvoice{}, err
	}
	if payResp.Tag != "payRequest" {
		return store.SupportInvoice{}, apperr.Validationf("support.CreateInvoice", "lnurl endpoint is not a payRequest (tag=%q)", payResp.Tag)
	}

	sats := m.policy.InvoiceSats
	msats := sats * 1000
	if payResp.MinSendable > 0 && msats < payResp.MinSendable {
		msats = payResp.MinSendable
	}
	if payResp.MaxSendable > 0 && msats > payResp.MaxSendable {
		msats = payResp.MaxSendable
	}
	minMsats := m.policy.MinSats * 1000
	if minMsats > 0 && msats < minMsats {
		msats = minMsats
	}
	const hardCapMsats = 10_000_000 * 1000
	if msats > hardCapMsats {
		msats = hardCapMsats
	}

	form := url.Values{"amount": {fmt.Sprintf("%d", msats)}}
	var cbResp lnurlPayCallbackResponse
	if err := m.fetcher.PostJSON(ctx, payResp.Callback, form, &cbResp); err != nil {
		return store.SupportInvoice{}, err
	}
	if cbResp.PR == "" {
		return store.SupportInvoice{}, apperr.Validationf("support.CreateInvoice", "lnurl callback returned no invoice")
	}

	nowSec := m.now().Unix()
	ttl := int64(m.policy.InvoiceTTLSec)
	if ttl <= 0 {
		ttl = 900
	}
	inv := store.SupportInvoice{
		ID:        uuid.NewString(),
		Pubkey:    pubkey,
		PR:        cbResp.PR,
		VerifyURL: cbResp.Verify,
		Sats:      msats / 1000,
		Status:    store.InvoiceStatusPending,
		CreatedAt: nowSec,
		ExpiresAt: nowSec + ttl,
	}
	if err := m.appdata.PutInvoice(inv); err != nil {
		return store.SupportInvoice{}, err
	}
	if m.onFlush != nil {
		m.onFlush(pubkey)
	}
	return inv, nil
}

// PollPending visits every invoice in pending status older than
// verifyPollSec, pushing each due invoice onto the bounded
// support-verify queue (spec.md §5: concurrency 2, cap 2000, dedup
// keyed by invoice id) rather than checking them in a single
// sequential loop. Intended to run on a periodic ticker.
func (m *InvoiceManager) PollPending(ctx context.Context) {
	invoices, err := m.appdata.ListPendingInvoices()
	if err != nil {
		return
	}

	pollInterval := int64(m.policy.VerifyPollSec)
	if pollInterval <= 0 {
		pollInterval = 30
	}
	nowSec := m.now().Unix()

	for _, inv := range invoices {
		if nowSec-inv.LastCheckAt < pollInterval {
			continue
		}
		m.queue.Push(inv.ID, invoiceCheck{ctx: ctx, inv: inv, nowSec: nowSec})
	}
}

func (m *InvoiceManager) checkOne(ctx context.Context, inv store.SupportInvoice, nowSec int64) {
	if nowSec > inv.ExpiresAt {
		inv.Status = store.InvoiceStatusExpired
		inv.LastCheckAt = nowSec
		_ = m.appdata.PutInvoice(inv)
		if m.onFlush != nil {
			m.onFlush(inv.Pubkey)
		}
		return
	}

	var verify lnurlVerifyResponse
	err := m.fetcher.GetJSON(ctx, inv.VerifyURL, &verify)
	inv.LastCheckAt = nowSec
	if err != nil {
		inv.LastError = err.Error()
		_ = m.appdata.PutInvoice(inv)
		return
	}

	if !verify.Settled {
		_ = m.appdata.PutInvoice(inv)
		return
	}

	inv.Status = store.InvoiceStatusSettled
	inv.SettledAt = nowSec
	inv.Preimage = verify.Preimage
	if err := m.appdata.PutInvoice(inv); err != nil {
		return
	}

	if inv.Sats >= m.policy.MinSats {
		supporterDays := int64(m.policy.SupporterDays)
		if supporterDays <= 0 {
			supporterDays = 30
		}
		_, _ = m.appdata.MutateSupportState(inv.Pubkey, func(st store.SupportState) (store.SupportState, error) {
			st.SupporterUntil = nowSec + supporterDays*86400
			st.GatePrompt = ""
			return st, nil
		})
	}
	if m.onFlush != nil {
		m.onFlush(inv.Pubkey)
	}
}

// resolveLud16 converts a lightning address (user@domain) into its
// LNURL-pay well-known endpoint, per LUD-16.
func resolveLud16(lud16 string) (string, error) {
	parts := strings.SplitN(lud16, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid lightning address %q", lud16)
	}
	return fmt.Sprintf("https://%s/.well-known/lnurlp/%s", parts[1], parts[0]), nil
}
