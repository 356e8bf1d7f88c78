package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"pgregory.net/rapid"
)

// Feature: connection-acceptor, Property 5: Reap Exactly Once
// *For any* mix of workers that succeed, fail or panic, every worker is
// reaped exactly once and the active count returns to zero.
func TestReapExactlyOnce_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		outcomes := rapid.SliceOfN(rapid.SampledFrom([]string{"ok", "error", "panic"}), 1, 8).Draw(rt, "outcomes")
		single := rapid.Bool().Draw(rt, "single_threaded")

		conf := testConfig()
		conf.MaxClients = len(outcomes)
		conf.SingleThreaded = single

		handler := func(ctx context.Context, cs *ConnectionState) error {
			switch outcomes[cs.WorkerID-1] {
			case "error":
				return errors.New("failed")
			case "panic":
				panic("worker panic")
			}
			return nil
		}

		a, m := newTestAcceptor(t, conf, handler)
		ctx, cancel := context.WithCancel(context.Background())
		done := runAsync(ctx, a, 5*time.Millisecond)

		for range outcomes {
			conn, err := net.Dial("tcp", a.Addr().String())
			if err != nil {
				rt.Fatalf("dial: %v", err)
			}
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, _ = conn.Read(make([]byte, 1))
			conn.Close()
		}

		cancel()
		waitResult(t, done)

		want := map[string]float64{}
		for _, o := range outcomes {
			want[o]++
		}
		var total float64
		for _, label := range []string{"ok", "error", "panic"} {
			got := testutil.ToFloat64(m.WorkerExits.WithLabelValues(label))
			if got != want[label] {
				rt.Fatalf("%s exits: got %v, want %v", label, got, want[label])
			}
			total += got
		}
		if int(total) != len(outcomes) {
			rt.Fatalf("reaped %v workers, spawned %d", total, len(outcomes))
		}
		if c := a.Counters(); c.ActiveClients != 0 {
			rt.Fatalf("active clients %d after all workers finished", c.ActiveClients)
		}
		if len(a.workers) != 0 {
			rt.Fatalf("%d workers left in table", len(a.workers))
		}
	})
}
