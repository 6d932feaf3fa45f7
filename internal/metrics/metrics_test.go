package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetrics_RecordPutGetDelete(t *testing.T) {
	m := NewMetrics()

	m.RecordPut()
	m.RecordPut()
	m.RecordGet()
	m.RecordDelete()

	body := scrape(t, m)

	if !strings.Contains(body, "kvraft_puts_total 2") {
		t.Errorf("expected 2 puts, got body:\n%s", body)
	}
	if !strings.Contains(body, "kvraft_gets_total 1") {
		t.Errorf("expected 1 get, got body:\n%s", body)
	}
	if !strings.Contains(body, "kvraft_deletes_total 1") {
		t.Errorf("expected 1 delete, got body:\n%s", body)
	}
}

func TestMetrics_RecordErrorByKind(t *testing.T) {
	m := NewMetrics()

	m.RecordError("io")
	m.RecordError("io")
	m.RecordError("not_leader")

	body := scrape(t, m)

	if !strings.Contains(body, `kvraft_errors_total{kind="io"} 2`) {
		t.Errorf("expected 2 io errors, got body:\n%s", body)
	}
	if !strings.Contains(body, `kvraft_errors_total{kind="not_leader"} 1`) {
		t.Errorf("expected 1 not_leader error, got body:\n%s", body)
	}
}

func TestMetrics_StorageGauges(t *testing.T) {
	m := NewMetrics()

	m.RecordFlush()
	m.RecordCompaction(0)
	m.SetSSTableCount(7)
	m.SetMemTableBytes(4096)

	body := scrape(t, m)

	if !strings.Contains(body, "kvraft_flushes_total 1") {
		t.Errorf("expected 1 flush, got body:\n%s", body)
	}
	if !strings.Contains(body, `kvraft_compactions_total{level="0"} 1`) {
		t.Errorf("expected 1 level-0 compaction, got body:\n%s", body)
	}
	if !strings.Contains(body, "kvraft_sstables 7") {
		t.Errorf("expected 7 sstables, got body:\n%s", body)
	}
	if !strings.Contains(body, "kvraft_memtable_bytes 4096") {
		t.Errorf("expected 4096 memtable bytes, got body:\n%s", body)
	}
}

func TestMetrics_RaftGauges(t *testing.T) {
	m := NewMetrics()

	m.RecordElection()
	m.SetTerm(3)
	m.SetIsLeader(true)
	m.SetLogIndices(10, 12)

	body := scrape(t, m)

	if !strings.Contains(body, "kvraft_elections_total 1") {
		t.Errorf("expected 1 election, got body:\n%s", body)
	}
	if !strings.Contains(body, "kvraft_term 3") {
		t.Errorf("expected term 3, got body:\n%s", body)
	}
	if !strings.Contains(body, "kvraft_is_leader 1") {
		t.Errorf("expected is_leader 1, got body:\n%s", body)
	}
	if !strings.Contains(body, "kvraft_last_applied_index 10") {
		t.Errorf("expected last_applied_index 10, got body:\n%s", body)
	}
	if !strings.Contains(body, "kvraft_commited_index 12") {
		t.Errorf("expected commited_index 12, got body:\n%s", body)
	}
}

func TestMetrics_RPCLatencyHistogram(t *testing.T) {
	m := NewMetrics()

	m.ObserveRPCLatency("Put", 5*time.Millisecond)
	m.ObserveRPCLatency("Get", 2*time.Millisecond)

	body := scrape(t, m)

	if !strings.Contains(body, `kvraft_rpc_latency_seconds_count{method="Put"} 1`) {
		t.Errorf("expected a Put latency observation, got body:\n%s", body)
	}
	if !strings.Contains(body, `kvraft_rpc_latency_seconds_count{method="Get"} 1`) {
		t.Errorf("expected a Get latency observation, got body:\n%s", body)
	}
}

func TestMetrics_Uptime(t *testing.T) {
	m := NewMetrics()
	body := scrape(t, m)

	if !strings.Contains(body, "kvraft_uptime_seconds") {
		t.Error("expected uptime gauge in output")
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	return rec.Body.String()
}
