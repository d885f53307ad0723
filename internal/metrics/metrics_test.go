package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCountsAndForgets(t *testing.T) {
	c := New()
	c.ChunkSent("jazz", 100)
	c.ChunkSent("jazz", 50)
	c.ItemStarted("jazz", true, 0)
	c.ItemStarted("jazz", false, 3.5)
	c.SetState("jazz", 1)

	if got := testutil.ToFloat64(c.bytes.WithLabelValues("jazz")); got != 150 {
		t.Fatalf("bytes = %v", got)
	}
	if got := testutil.ToFloat64(c.items.WithLabelValues("jazz", "jingle")); got != 1 {
		t.Fatalf("jingles = %v", got)
	}

	c.Forget("jazz")
	if n := testutil.CollectAndCount(c.bytes); n != 0 {
		t.Fatalf("series left after Forget: %d", n)
	}
	if n := testutil.CollectAndCount(c.items); n != 0 {
		t.Fatalf("item series left after Forget: %d", n)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.NotifyResult("sent")
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `airwave_notifications_total{result="sent"} 1`) {
		t.Fatalf("metrics output missing counter:\n%s", body)
	}
}
