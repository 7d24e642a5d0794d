package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()

	c.PublishAttempt()
	c.PublishAttempt()
	c.PublishResult("confirmed")
	c.ObserveRateLimited(1, 2*time.Second)
	c.SetQueueConnected(true)

	if got := testutil.ToFloat64(c.PublishAttempts); got != 2 {
		t.Errorf("publish attempts = %v; want 2", got)
	}
	if got := testutil.ToFloat64(c.PublishResults.WithLabelValues("confirmed")); got != 1 {
		t.Errorf("confirmed = %v; want 1", got)
	}
	if got := testutil.ToFloat64(c.RateLimited); got != 1 {
		t.Errorf("rate limited = %v; want 1", got)
	}
	if got := testutil.ToFloat64(c.QueueConnected); got != 1 {
		t.Errorf("queue connected = %v; want 1", got)
	}
	c.SetQueueConnected(false)
	if got := testutil.ToFloat64(c.QueueConnected); got != 0 {
		t.Errorf("queue connected = %v; want 0", got)
	}
}

func TestObserveRun(t *testing.T) {
	c := NewCollector()
	at := time.Unix(1700000000, 0)

	c.ObserveRun(1500*time.Millisecond, false, at)
	if got := testutil.ToFloat64(c.LastSuccess); got != 0 {
		t.Errorf("last success = %v; want 0 after a failed run", got)
	}
	c.ObserveRun(3*time.Second, true, at)
	if got := testutil.ToFloat64(c.RunDuration); got != 3 {
		t.Errorf("run duration = %v; want 3", got)
	}
	if got := testutil.ToFloat64(c.LastSuccess); got != 1700000000 {
		t.Errorf("last success = %v", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	c := NewCollector()
	c.StopsQueried.Add(8)
	c.StopsSkipped.Inc()

	path := filepath.Join(t.TempDir(), "relay.prom")
	if err := c.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := string(b)
	for _, want := range []string{"relay_stops_queried_total 8", "relay_stops_skipped_total 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("textfile missing %q:\n%s", want, out)
		}
	}
}
