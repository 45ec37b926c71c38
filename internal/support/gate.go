// Package support implements Pidgeon's economic gate: a free-usage
// window policy backed by per-user counters in the AppData store, and
// an LNURL-verify lightning-invoice lifecycle that unlocks a
// supporter window on settlement.
package support

import (
	"time"

	"github.com/mavilabart/pidgeon/internal/apperr"
	"github.com/mavilabart/pidgeon/internal/config"
	"github.com/mavilabart/pidgeon/internal/store"
)

// Feature classifies a schedule attempt for gating purposes.
type Feature string

const (
	FeatureNote   Feature = "note"
	FeatureRepost Feature = "repost"
	FeatureQuote  Feature = "quote"
	FeatureDM     Feature = "dm17"
)

// NoteFeature derives the gate Feature for a note/repost job: quote if
// it carries a q-tag, else repost for kind 6, else plain note.
func NoteFeature(kind int, hasQuoteTag bool) Feature {
	switch {
	case hasQuoteTag:
		return FeatureQuote
	case kind == 6:
		return FeatureRepost
	default:
		return FeatureNote
	}
}

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed    bool
	UsedFree   bool
	GatePrompt string // non-empty when Allowed is false
	Reason     string // "horizon" or "feature"; set only when Allowed is false, per spec.md §4.8's testable rejection reasons
}

// Engine evaluates and persists the support/gate policy.
type Engine struct {
	appdata *store.AppDataStore
	policy  config.SupportConfig
	now     func() time.Time
}

// New builds a gate Engine against the given AppData store and
// process-wide policy.
func New(appdata *store.AppDataStore, policy config.SupportConfig) *Engine {
	return &Engine{appdata: appdata, policy: policy, now: time.Now}
}

// Evaluate runs the full gate decision + counter update for a single
// schedule attempt, per spec.md §4.8. allowFreeCap mirrors the
// request's optional cap.allowFree field.
func (e *Engine) Evaluate(pubkey string, scheduleAtSec int64, feature Feature, allowFreeCap bool) (Decision, error) {
	nowSec := e.now().Unix()

	var decision Decision
	_, err := e.appdata.MutateSupportState(pubkey, func(st store.SupportState) (store.SupportState, error) {
		gated, reason := e.isGated(scheduleAtSec, nowSec, feature)
		if !gated {
			decision = Decision{Allowed: true}
			st.ScheduleCount++
			if st.NextPromptAtCount == 0 {
				st.NextPromptAtCount = int64(e.policy.WindowSchedules)
			}
			st.GatePrompt = ""
			return st, nil
		}

		isSupporter := st.SupporterUntil > nowSec
		hasFreeCredit := st.ScheduleCount < st.FreeUntilCount
		if isSupporter || hasFreeCredit {
			decision = Decision{Allowed: true}
			st.ScheduleCount++
			st.GatePrompt = ""
			return st, nil
		}

		if allowFreeCap {
			window := int64(e.policy.WindowSchedules)
			if st.ScheduleCount+window > st.FreeUntilCount {
				st.FreeUntilCount = st.ScheduleCount + window
			}
			decision = Decision{Allowed: true, UsedFree: true}
			st.ScheduleCount++
			st.GatePrompt = ""
			return st, nil
		}

		prompt := e.gatePromptMessage()
		decision = Decision{Allowed: false, GatePrompt: prompt, Reason: reason}
		st.GatePrompt = prompt
		return st, nil
	})
	if err != nil {
		return Decision{}, apperr.GateRejection("support.Evaluate", err)
	}
	return decision, nil
}

// isGated reports whether a schedule attempt requires the free/support
// check at all, and which condition tripped it: "horizon" when the due
// time is beyond the configured horizon, "feature" when the feature
// itself is in the gated set. Horizon is checked first; a request past
// the horizon is reported as "horizon" even if its feature is also
// gated.
func (e *Engine) isGated(scheduleAtSec, nowSec int64, feature Feature) (gated bool, reason string) {
	if e.policy.HorizonDays > 0 {
		horizon := int64(e.policy.HorizonDays) * 86400
		if scheduleAtSec > nowSec+horizon {
			return true, "horizon"
		}
	}
	if e.policy.GatedFeatures[string(feature)] {
		return true, "feature"
	}
	return false, ""
}

func (e *Engine) gatePromptMessage() string {
	if e.policy.CTAMessage != "" {
		return e.policy.CTAMessage
	}
	return "Scheduling further ahead requires supporter access. Use the support action to continue."
}

// State returns the current support state for pubkey without mutating it.
func (e *Engine) State(pubkey string) (store.SupportState, error) {
	return e.appdata.GetSupportState(pubkey)
}

// UseFree applies a "use_free" support action: extends the free window
// by WindowSchedules beyond the current schedule count, same bookkeeping
// Evaluate performs when allowFreeCap is set, but invoked directly by
// the support-action request path (kind 5910, action "use_free").
func (e *Engine) UseFree(pubkey string) (store.SupportState, error) {
	return e.appdata.MutateSupportState(pubkey, func(st store.SupportState) (store.SupportState, error) {
		window := int64(e.policy.WindowSchedules)
		if st.ScheduleCount+window > st.FreeUntilCount {
			st.FreeUntilCount = st.ScheduleCount + window
		}
		st.GatePrompt = ""
		return st, nil
	})
}

// MaybeLater clears the current gate prompt without granting access
// ("maybe_later" support action).
func (e *Engine) MaybeLater(pubkey string) (store.SupportState, error) {
	return e.appdata.MutateSupportState(pubkey, func(st store.SupportState) (store.SupportState, error) {
		st.GatePrompt = ""
		return st, nil
	})
}
