package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_RunsGapFillsOnSchedule(t *testing.T) {
	venue := &klinesVenue{rows: seriesRows(2, 5*time.Minute, time.Now().UTC())}
	srv := httptest.NewServer(http.HandlerFunc(venue.handler))
	defer srv.Close()

	f := newBackfillFixture(t, srv, clock.WallClock, nil, nil)
	sw, err := NewSweeper("@every 25ms", []*Backfiller{f.bf}, testLogger())
	require.NoError(t, err)

	require.NoError(t, sw.Start(context.Background()))
	defer func() { assert.NoError(t, sw.Stop(context.Background())) }()

	require.Eventually(t, func() bool { return venue.callCount() >= 2 },
		2*time.Second, 10*time.Millisecond, "the sweep keeps firing")

	assert.Equal(t, 2, f.store.candleCount())
	assert.Equal(t, 2, f.bus.metaCount(MetaGapFill))
}

func TestSweeper_StopHaltsSchedule(t *testing.T) {
	venue := &klinesVenue{}
	srv := httptest.NewServer(http.HandlerFunc(venue.handler))
	defer srv.Close()

	f := newBackfillFixture(t, srv, clock.WallClock, nil, nil)
	sw, err := NewSweeper("@every 20ms", []*Backfiller{f.bf}, testLogger())
	require.NoError(t, err)

	require.NoError(t, sw.Start(context.Background()))
	require.Eventually(t, func() bool { return venue.callCount() >= 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, sw.Stop(context.Background()))
	settled := venue.callCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, venue.callCount(), "no sweeps after Stop")
}

func TestSweeper_RejectsBadSchedule(t *testing.T) {
	_, err := NewSweeper("every now and then", nil, testLogger())
	assert.Error(t, err)
}

func TestSweeper_DefaultSchedule(t *testing.T) {
	sw, err := NewSweeper("", nil, testLogger())
	require.NoError(t, err)
	assert.Equal(t, DefaultSweepSchedule, sw.schedule)
}

func TestSweeper_StopWithoutStart(t *testing.T) {
	sw, err := NewSweeper("@every 1h", nil, testLogger())
	require.NoError(t, err)
	assert.NoError(t, sw.Stop(context.Background()))
}

func TestSweeper_StartIsIdempotent(t *testing.T) {
	venue := &klinesVenue{}
	srv := httptest.NewServer(http.HandlerFunc(venue.handler))
	defer srv.Close()

	f := newBackfillFixture(t, srv, clock.WallClock, nil, nil)
	sw, err := NewSweeper("@every 1h", []*Backfiller{f.bf}, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sw.Start(ctx))
	require.NoError(t, sw.Start(ctx))
	require.NoError(t, sw.Stop(ctx))
}
