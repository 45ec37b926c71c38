package support

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mavilabart/pidgeon/internal/config"
	"github.com/mavilabart/pidgeon/internal/store"
)

func newEngine(t *testing.T, policy config.SupportConfig) (*Engine, *store.AppDataStore) {
	t.Helper()
	s, err := store.OpenAppDataStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, policy), s
}

func TestNoteFeatureClassification(t *testing.T) {
	require.Equal(t, FeatureQuote, NoteFeature(1, true))
	require.Equal(t, FeatureRepost, NoteFeature(6, false))
	require.Equal(t, FeatureNote, NoteFeature(1, false))
}

func TestEvaluateAllowsUngatedSchedule(t *testing.T) {
	e, _ := newEngine(t, config.SupportConfig{HorizonDays: 0, WindowSchedules: 10, GatedFeatures: map[string]bool{}})

	d, err := e.Evaluate("pub1", time.Now().Unix()+3600, FeatureNote, false)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.False(t, d.UsedFree)
}

func TestEvaluateGatesBeyondHorizon(t *testing.T) {
	e, _ := newEngine(t, config.SupportConfig{HorizonDays: 7, WindowSchedules: 10, GatedFeatures: map[string]bool{}})

	farFuture := time.Now().Unix() + 30*86400
	d, err := e.Evaluate("pub1", farFuture, FeatureNote, false)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.NotEmpty(t, d.GatePrompt)
	require.Equal(t, "horizon", d.Reason)
}

func TestEvaluateAllowFreeCapGrantsWindow(t *testing.T) {
	e, _ := newEngine(t, config.SupportConfig{HorizonDays: 1, WindowSchedules: 5, GatedFeatures: map[string]bool{}})

	farFuture := time.Now().Unix() + 30*86400
	d, err := e.Evaluate("pub1", farFuture, FeatureNote, true)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.True(t, d.UsedFree)

	st, err := e.State("pub1")
	require.NoError(t, err)
	require.True(t, st.FreeUntilCount >= st.ScheduleCount)
}

func TestEvaluateSupporterBypassesGate(t *testing.T) {
	e, appdata := newEngine(t, config.SupportConfig{HorizonDays: 1, WindowSchedules: 5, GatedFeatures: map[string]bool{}})

	_, err := appdata.MutateSupportState("pub1", func(st store.SupportState) (store.SupportState, error) {
		st.SupporterUntil = time.Now().Unix() + 86400
		return st, nil
	})
	require.NoError(t, err)

	farFuture := time.Now().Unix() + 30*86400
	d, err := e.Evaluate("pub1", farFuture, FeatureNote, false)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestEvaluateGatedFeatureSet(t *testing.T) {
	e, _ := newEngine(t, config.SupportConfig{WindowSchedules: 5, GatedFeatures: map[string]bool{"repost": true}})

	d, err := e.Evaluate("pub1", time.Now().Unix()+10, FeatureRepost, false)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, "feature", d.Reason)

	d, err = e.Evaluate("pub1", time.Now().Unix()+10, FeatureNote, false)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Empty(t, d.Reason)
}

func TestIsGatedReportsWhichConditionTripped(t *testing.T) {
	e, _ := newEngine(t, config.SupportConfig{HorizonDays: 7, GatedFeatures: map[string]bool{"repost": true}})
	now := time.Now().Unix()

	gated, reason := e.isGated(now+30*86400, now, FeatureNote)
	require.True(t, gated)
	require.Equal(t, "horizon", reason)

	gated, reason = e.isGated(now+10, now, FeatureRepost)
	require.True(t, gated)
	require.Equal(t, "feature", reason)

	gated, reason = e.isGated(now+10, now, FeatureNote)
	require.False(t, gated)
	require.Empty(t, reason)
}

func TestUseFreeAndMaybeLater(t *testing.T) {
	e, _ := newEngine(t, config.SupportConfig{WindowSchedules: 3, GatedFeatures: map[string]bool{}})

	st, err := e.UseFree("pub1")
	require.NoError(t, err)
	require.Equal(t, int64(3), st.FreeUntilCount)

	st, err = e.MaybeLater("pub1")
	require.NoError(t, err)
	require.Empty(t, st.GatePrompt)
}
