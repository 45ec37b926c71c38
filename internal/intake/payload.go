package intake

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/nbd-wtf/go-nostr"
)

var hex64 = regexp.MustCompile(`^[0-9a-f]{64}$`)

// isHex64 reports whether s is a lowercase 64-hex id, per the request
// schema's "64-hex" checks for inner event ids and repost e-tag targets.
func isHex64(s string) bool { return hex64.MatchString(s) }

// scheduleRequest is the kind-5905 plaintext payload after decrypt, per
// spec.md §6's request-payload schema.
type scheduleRequest struct {
	Tags [][]string `json:"tags"`
	Cap  struct {
		AllowFree bool `json:"allowFree"`
	} `json:"cap"`
}

// parsedSchedule is a scheduleRequest reduced to the fields the
// dispatch path needs.
type parsedSchedule struct {
	innerEvent nostr.Event
	relays     []string
	allowFree  bool
}

// parseScheduleRequest decodes and structurally validates a kind-5905
// plaintext payload: exactly one "i" tag carrying the signed inner
// event JSON, plus an optional relay list under "relays" or
// param/relays.
func parseScheduleRequest(plaintext string) (parsedSchedule, error) {
	var req scheduleRequest
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		return parsedSchedule{}, fmt.Errorf("intake: parse schedule request: %w", err)
	}

	var innerRaw string
	var relays []string
	for _, tag := range req.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "i":
			innerRaw = tag[1]
		case "relays":
			relays = append(relays, tag[1:]...)
		case "param":
			if len(tag) >= 3 && tag[1] == "relays" {
				relays = append(relays, tag[2:]...)
			}
		}
	}
	if innerRaw == "" {
		return parsedSchedule{}, fmt.Errorf("intake: schedule request missing inner event (i-tag)")
	}

	var inner nostr.Event
	if err := json.Unmarshal([]byte(innerRaw), &inner); err != nil {
		return parsedSchedule{}, fmt.Errorf("intake: parse inner event: %w", err)
	}

	return parsedSchedule{innerEvent: inner, relays: relays, allowFree: req.Cap.AllowFree}, nil
}

// validateInnerEvent enforces spec.md §4.4's inner-event checks for a
// schedule-note request: kind in {1, 6}, valid signature, pubkey match,
// and for kind 6 a well-formed e-tag repost target.
func validateInnerEvent(inner nostr.Event, requester string) error {
	if inner.Kind != 1 && inner.Kind != 6 {
		return fmt.Errorf("intake: inner event kind %d not in {1,6}", inner.Kind)
	}
	if inner.PubKey != requester {
		return fmt.Errorf("intake: inner event pubkey does not match requester")
	}
	ok, err := inner.CheckSignature()
	if err != nil || !ok {
		return fmt.Errorf("intake: inner event signature invalid")
	}
	if inner.Kind == 6 {
		target, hint := repostTarget(inner)
		if !isHex64(target) {
			return fmt.Errorf("intake: repost e-tag target is not 64-hex")
		}
		if hint == "" {
			return fmt.Errorf("intake: repost e-tag missing relay hint")
		}
	}
	return nil
}

// repostTarget extracts the e-tag target id and relay hint from a
// kind-6 inner event.
func repostTarget(inner nostr.Event) (id string, relayHint string) {
	for _, tag := range inner.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			id = tag[1]
			if len(tag) >= 3 {
				relayHint = tag[2]
			}
			return id, relayHint
		}
	}
	return "", ""
}

// hasQuoteTag reports whether inner carries a NIP-18-style q-tag,
// which reclassifies a note's gate Feature to "quote".
func hasQuoteTag(inner nostr.Event) bool {
	for _, tag := range inner.Tags {
		if len(tag) >= 1 && tag[0] == "q" {
			return true
		}
	}
	return false
}

// dmRequest is the kind-5906 plaintext payload. The DVM never sees DM
// plaintext: recipients and senderSeal carry client-precomputed kind-13
// seals that the publisher gift-wraps and delivers unmodified.
type dmRequest struct {
	ScheduledAt int64              `json:"scheduledAt"`
	DMEnc       string             `json:"dmEnc"` // opaque blob retained for client-side replay/audit only
	Recipients  []dmRecipientInput `json:"recipients"`
	SenderSeal  string             `json:"senderSeal"` // kind-13, empty tags, author == requester, sealed to requester
}

type dmRecipientInput struct {
	Pubkey string `json:"pubkey"`
	Seal   string `json:"seal"` // kind-13, empty tags, author == requester
}

func parseDMRequest(plaintext string) (dmRequest, error) {
	var req dmRequest
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		return dmRequest{}, fmt.Errorf("intake: parse dm request: %w", err)
	}
	if req.ScheduledAt <= 0 {
		return dmRequest{}, fmt.Errorf("intake: dm request missing scheduledAt")
	}
	if len(req.Recipients) == 0 {
		return dmRequest{}, fmt.Errorf("intake: dm request has no recipients")
	}
	if req.SenderSeal == "" {
		return dmRequest{}, fmt.Errorf("intake: dm request missing senderSeal")
	}
	for _, r := range req.Recipients {
		if !isHex64(r.Pubkey) {
			return dmRequest{}, fmt.Errorf("intake: dm recipient pubkey not 64-hex")
		}
		if r.Seal == "" {
			return dmRequest{}, fmt.Errorf("intake: dm recipient missing seal")
		}
	}
	return req, nil
}

// validateRecipientSeal decodes seal (expected kind 13, empty tags,
// authored by requester) from its JSON form.
func validateRecipientSeal(sealJSON, requester string) (nostr.Event, error) {
	var seal nostr.Event
	if err := json.Unmarshal([]byte(sealJSON), &seal); err != nil {
		return nostr.Event{}, fmt.Errorf("intake: parse recipient seal: %w", err)
	}
	if seal.Kind != 13 {
		return nostr.Event{}, fmt.Errorf("intake: recipient seal not kind 13")
	}
	if len(seal.Tags) != 0 {
		return nostr.Event{}, fmt.Errorf("intake: recipient seal must have empty tags")
	}
	if seal.PubKey != requester {
		return nostr.Event{}, fmt.Errorf("intake: recipient seal author does not match requester")
	}
	return seal, nil
}

// supportActionRequest is the kind-5910 plaintext payload.
type supportActionRequest struct {
	Action string `json:"action"` // use_free | maybe_later | support | check_invoice
	Lud16  string `json:"lud16,omitempty"`
}

func parseSupportAction(plaintext string) (supportActionRequest, error) {
	var req supportActionRequest
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		return supportActionRequest{}, fmt.Errorf("intake: parse support action: %w", err)
	}
	switch req.Action {
	case "use_free", "maybe_later", "support", "check_invoice":
	default:
		return supportActionRequest{}, fmt.Errorf("intake: unknown support action %q", req.Action)
	}
	return req, nil
}

// retryRequest is the kind-5907 plaintext payload.
type retryRequest struct {
	JobID string `json:"jobId"`
}

func parseRetryRequest(plaintext string) (retryRequest, error) {
	var req retryRequest
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		return retryRequest{}, fmt.Errorf("intake: parse retry request: %w", err)
	}
	if req.JobID == "" {
		return retryRequest{}, fmt.Errorf("intake: retry request missing jobId")
	}
	return req, nil
}
