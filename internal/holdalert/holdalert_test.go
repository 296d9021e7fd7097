package holdalert

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskpilot/internal/config"
	"deskpilot/internal/diag"
	"deskpilot/internal/dom"
	"deskpilot/internal/host"
	"deskpilot/internal/journal"
	"deskpilot/internal/rules"
)

func holdPage(clock string) *dom.Node {
	return dom.MustParseHTML(fmt.Sprintf(`<html><body>
<agentx-panel>
  <template shadowrootmode="open">
    <agentx-timer data-duration=%q><span>On Hold</span></agentx-timer>
  </template>
</agentx-panel>
</body></html>`, clock))
}

var idlePage = `<html><body><agentx-panel><p>Connected</p></agentx-panel></body></html>`

type fixture struct {
	f      *Feature
	mem    *host.Memory
	banner *host.MemoryBanner
	live   *config.Live
	now    time.Time
}

func newFixture(t *testing.T, deps Deps) *fixture {
	t.Helper()
	fx := &fixture{
		mem:    host.NewMemory(dom.MustParseHTML(idlePage)),
		banner: &host.MemoryBanner{},
		live:   config.NewLive(config.DefaultSettings()),
		now:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	fx.f = New(fx.mem, fx.banner, fx.live, rules.Defaults(), deps)
	fx.f.now = func() time.Time { return fx.now }
	return fx
}

// step shows page for one tick, advancing the clock by a second.
func (fx *fixture) step(t *testing.T, page *dom.Node) Status {
	t.Helper()
	fx.mem.Replace(page)
	fx.now = fx.now.Add(time.Second)
	require.NoError(t, fx.f.Tick(context.Background()))
	return fx.f.Status()
}

func TestThresholdShowsBanner(t *testing.T) {
	fx := newFixture(t, Deps{})

	st := fx.step(t, holdPage("04:59"))
	assert.Equal(t, "active", st.State)
	assert.Equal(t, "structured", st.Source)
	assert.Equal(t, int64(299000), st.ElapsedMS)
	visible, _, shows, _ := fx.banner.State()
	assert.False(t, visible)
	assert.Zero(t, shows)

	st = fx.step(t, holdPage("05:00"))
	assert.Equal(t, "alerting", st.State)
	visible, text, shows, _ := fx.banner.State()
	assert.True(t, visible)
	assert.Equal(t, "Call has been on hold too long (5:00)", text)
	assert.Equal(t, 1, shows)

	// Same reading: no redundant show.
	fx.step(t, holdPage("05:00"))
	_, _, shows, _ = fx.banner.State()
	assert.Equal(t, 1, shows)

	// New elapsed text refreshes the banner.
	fx.step(t, holdPage("05:01"))
	_, text, shows, _ = fx.banner.State()
	assert.Equal(t, 2, shows)
	assert.Equal(t, "Call has been on hold too long (5:01)", text)
}

func TestAckHidesUntilReset(t *testing.T) {
	fx := newFixture(t, Deps{})
	woken := 0
	fx.f.SetWaker(func() { woken++ })

	fx.step(t, holdPage("06:00"))
	require.Equal(t, "alerting", fx.f.Status().State)

	fx.f.Ack()
	fx.f.Ack() // a double click is one acknowledgement
	assert.Equal(t, 2, woken)

	st := fx.step(t, holdPage("06:05"))
	assert.Equal(t, "acknowledged", st.State)
	assert.Nil(t, st.Until, "snooze zero holds until reset")
	visible, _, _, hides := fx.banner.State()
	assert.False(t, visible)
	assert.Equal(t, 1, hides)

	st = fx.step(t, holdPage("09:00"))
	assert.Equal(t, "acknowledged", st.State)

	// The timer restarted: a new hold begins.
	st = fx.step(t, holdPage("00:02"))
	assert.Equal(t, "active", st.State)
}

func TestAckOutsideAlertingIsNoop(t *testing.T) {
	fx := newFixture(t, Deps{})
	fx.step(t, holdPage("01:00"))
	fx.f.Ack()
	st := fx.step(t, holdPage("01:01"))
	assert.Equal(t, "active", st.State)
	_, _, shows, hides := fx.banner.State()
	assert.Zero(t, shows)
	assert.Zero(t, hides)
}

func TestSnoozeExpires(t *testing.T) {
	fx := newFixture(t, Deps{})
	_, err := fx.live.Set("hold.snooze", "5s")
	require.NoError(t, err)

	fx.step(t, holdPage("06:00"))
	fx.f.Ack()
	st := fx.step(t, holdPage("06:01"))
	require.Equal(t, "acknowledged", st.State)
	require.NotNil(t, st.Until)

	for i := 0; i < 4; i++ {
		st = fx.step(t, holdPage("06:01"))
		assert.Equal(t, "acknowledged", st.State)
	}
	st = fx.step(t, holdPage("06:01"))
	assert.Equal(t, "alerting", st.State, "alert re-fires once the snooze ran out")
}

func TestAbsenceClears(t *testing.T) {
	fx := newFixture(t, Deps{})
	fx.step(t, holdPage("07:00"))
	require.Equal(t, "alerting", fx.f.Status().State)

	st := fx.step(t, dom.MustParseHTML(idlePage))
	assert.Equal(t, "idle", st.State)
	assert.False(t, st.Present)
	visible, _, _, hides := fx.banner.State()
	assert.False(t, visible)
	assert.Equal(t, 1, hides)
}

func TestLiveThresholdAndDisable(t *testing.T) {
	fx := newFixture(t, Deps{})
	_, err := fx.live.Set("hold.threshold", "30s")
	require.NoError(t, err)

	st := fx.step(t, holdPage("00:31"))
	assert.Equal(t, "alerting", st.State)
	assert.Equal(t, "30s", st.Threshold)

	_, err = fx.live.Set("hold.enabled", "false")
	require.NoError(t, err)
	st = fx.step(t, holdPage("00:32"))
	assert.Equal(t, "idle", st.State)
	assert.False(t, st.Enabled)
	visible, _, _, _ := fx.banner.State()
	assert.False(t, visible)
}

func TestClosedRootFallsBackToFreeText(t *testing.T) {
	fx := newFixture(t, Deps{})
	page := dom.MustParseHTML(`<html><body>
<agentx-panel>
  <template shadowrootmode="closed">
    <agentx-timer data-duration="02:00"><span>On Hold</span></agentx-timer>
  </template>
</agentx-panel>
<footer>Call on Hold 02:00</footer>
</body></html>`)

	st := fx.step(t, page)
	assert.Equal(t, "active", st.State)
	assert.Equal(t, "free-text", st.Source)
	assert.True(t, st.Matched)
	assert.NotEmpty(t, st.Blocked)
}

func TestHostStateUsesFirstSeen(t *testing.T) {
	fx := newFixture(t, Deps{})
	_, err := fx.live.Set("hold.threshold", "3s")
	require.NoError(t, err)
	page := `<html><body><agentx-hold-banner-dom state="ON_HOLD"></agentx-hold-banner-dom></body></html>`

	st := fx.step(t, dom.MustParseHTML(page))
	assert.Equal(t, "host-state", st.Source)
	assert.Equal(t, "first_seen", st.Mode)
	assert.Equal(t, "active", st.State)

	fx.step(t, dom.MustParseHTML(page))
	fx.step(t, dom.MustParseHTML(page))
	st = fx.step(t, dom.MustParseHTML(page))
	assert.Equal(t, "alerting", st.State)
	assert.Equal(t, int64(3000), st.ElapsedMS)
}

type flakyBanner struct {
	host.MemoryBanner
	fail int
}

func (b *flakyBanner) Show(ctx context.Context, text string) error {
	if b.fail > 0 {
		b.fail--
		return errors.New("page navigating")
	}
	return b.MemoryBanner.Show(ctx, text)
}

func TestBannerRetriedAfterFailure(t *testing.T) {
	fx := newFixture(t, Deps{})
	b := &flakyBanner{fail: 1}
	fx.f.banner = b

	fx.step(t, holdPage("05:30"))
	visible, _, _, _ := b.State()
	assert.False(t, visible)

	fx.step(t, holdPage("05:30"))
	visible, text, _, _ := b.State()
	assert.True(t, visible)
	assert.Equal(t, "Call has been on hold too long (5:30)", text)
}

func TestJournalAndDiagnostics(t *testing.T) {
	j, err := journal.Open(":memory:")
	require.NoError(t, err)
	defer j.Close()
	eng, err := diag.NewEngine(config.DiagConfig{Enable: true, FactBufferLimit: 500}, nil)
	require.NoError(t, err)

	fx := newFixture(t, Deps{Journal: j, Diag: eng})
	fx.step(t, holdPage("04:00"))
	fx.step(t, holdPage("05:10"))
	fx.f.Ack()
	fx.step(t, holdPage("05:20"))
	fx.step(t, holdPage("00:03"))
	fx.step(t, dom.MustParseHTML(idlePage))

	holds, err := j.Holds(context.Background(), time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, holds, 2)

	first := holds[1]
	assert.Equal(t, "structured", first.Source)
	assert.NotNil(t, first.FirstAlert)
	assert.Equal(t, 1, first.Acks)
	assert.Equal(t, "reset", first.EndReason)
	assert.Equal(t, 320*time.Second, first.MaxElapsed)

	second := holds[0]
	assert.Nil(t, second.FirstAlert)
	assert.Equal(t, "absent", second.EndReason)
	assert.Equal(t, 3*time.Second, second.MaxElapsed)

	alerted, err := eng.Query(context.Background(), "alerted(T)")
	require.NoError(t, err)
	require.Len(t, alerted, 1)
	assert.Equal(t, int64(2), alerted[0]["T"])

	acks := eng.FactsByPredicate("ack_event")
	require.Len(t, acks, 1)
	assert.Equal(t, "alerting", acks[0].Args[0])
}

func TestSnapshotErrorLeavesState(t *testing.T) {
	fx := newFixture(t, Deps{})
	fx.step(t, holdPage("05:10"))

	fx.f.host = failingHost{fx.mem}
	err := fx.f.Tick(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "alerting", fx.f.Status().State)
}

type failingHost struct{ *host.Memory }

func (failingHost) Snapshot(context.Context) (*dom.Node, error) {
	return nil, errors.New("target closed")
}
