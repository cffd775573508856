package telemetry

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SubhajL/online-trading-sub000/eventbus"
	"github.com/SubhajL/online-trading-sub000/faults"
)

// statsdListener captures DogStatsD lines arriving on a loopback UDP socket.
func statsdListener(t *testing.T) (*net.UDPConn, <-chan string) {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	lines := make(chan string, 128)
	go func() {
		buf := make([]byte, 65535)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			n, _, rerr := conn.ReadFromUDP(buf)
			if rerr != nil {
				return
			}
			scanner := bufio.NewScanner(strings.NewReader(string(buf[:n])))
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}
	}()
	return conn, lines
}

func collectLines(lines <-chan string, want int, timeout time.Duration) []string {
	var captured []string
	deadline := time.After(timeout)
	for len(captured) < want {
		select {
		case l := <-lines:
			captured = append(captured, l)
		case <-deadline:
			return captured
		}
	}
	// The client packs a whole flush into one datagram; grab any lines
	// the listener has already queued past the threshold.
	for {
		select {
		case l := <-lines:
			captured = append(captured, l)
		default:
			return captured
		}
	}
}

func containsLine(captured []string, fragments ...string) bool {
	for _, l := range captured {
		ok := true
		for _, f := range fragments {
			if !strings.Contains(l, f) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func TestStatsdExporter_FlushEmitsBusAndErrorSeries(t *testing.T) {
	conn, lines := statsdListener(t)

	bus := stubBus{m: eventbus.BusMetrics{
		Running:         true,
		QueueSize:       3,
		QueueCapacity:   64,
		EventsPublished: 42,
		EventsDropped:   2,
		FailedHandlers:  5,
	}}
	errs := stubFaults{snap: faults.MetricsSnapshot{
		Total:         9,
		ByCategory:    map[faults.Category]uint64{faults.CategoryQueue: 9},
		RatePerMinute: 4,
	}}

	exporter, err := NewStatsdExporter(bus, errs, "tdd", conn.LocalAddr().String(), time.Second, []string{"env:test"})
	require.NoError(t, err)
	defer func() { _ = exporter.Close() }()

	exporter.flush()

	captured := collectLines(lines, 17, 2*time.Second)
	require.NotEmpty(t, captured, "no statsd packets captured")

	assert.True(t, containsLine(captured, "tdd.bus.events_published:42|g", "env:test"),
		"expected events_published line, got: %v", captured)
	assert.True(t, containsLine(captured, "tdd.bus.events_dropped:2|g"),
		"expected events_dropped line, got: %v", captured)
	assert.True(t, containsLine(captured, "tdd.bus.handlers:5|g", "outcome:failure"),
		"expected failure handlers line, got: %v", captured)
	assert.True(t, containsLine(captured, "tdd.bus.queue_depth:3|g"),
		"expected queue_depth line, got: %v", captured)
	assert.True(t, containsLine(captured, "tdd.errors.total:9|g"),
		"expected errors total line, got: %v", captured)
	assert.True(t, containsLine(captured, "tdd.errors.by_category:9|g", "category:QUEUE"),
		"expected category line, got: %v", captured)
}

func TestStatsdExporter_RunFlushesOnTicker(t *testing.T) {
	conn, lines := statsdListener(t)

	exporter, err := NewStatsdExporter(stubBus{m: eventbus.BusMetrics{QueueSize: 1}}, nil,
		"ttick", conn.LocalAddr().String(), 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer func() { _ = exporter.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go exporter.Run(ctx)

	captured := collectLines(lines, 14, 2*time.Second)
	require.NotEmpty(t, captured, "no statsd packets captured from ticker loop")
	assert.True(t, containsLine(captured, "ttick.bus.queue_depth:1|g"),
		"expected queue_depth line, got: %v", captured)
}

func TestNewStatsdExporter_Validation(t *testing.T) {
	_, err := NewStatsdExporter(nil, nil, "", "127.0.0.1:8125", time.Second, nil)
	require.ErrorIs(t, err, ErrNilSource)

	_, err = NewStatsdExporter(stubBus{}, nil, "", "127.0.0.1:8125", 0, nil)
	require.ErrorIs(t, err, ErrInvalidInterval)
}

func TestStatsdExporter_CloseNilSafe(t *testing.T) {
	var exporter *StatsdExporter
	require.NoError(t, exporter.Close())
}
