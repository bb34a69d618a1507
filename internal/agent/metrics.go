package agent

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Metrics holds the dispatch loop counters. Served metrics:
//
//	logagent_events_total            – counter: change events handled by the loop
//	logagent_waits_total             – counter: notifier waits that returned without error
//	logagent_reads_total             – counter: successful file reads
//	logagent_read_errors_total       – counter: file reads that failed and were skipped
//	logagent_bytes_read_total        – counter: bytes returned by file reads
//	logagent_lines_read_total        – counter: lines split from read content
//	logagent_lines_matched_total     – counter: lines that passed the keyword filter
//	logagent_truncations_total       – counter: file names or paths cut to their bound
//	logagent_flush_requests_total    – counter: operator flush requests observed
//	logagent_lines_truncated_total   – counter: lines cut at the batch capacity
//	logagent_batches_total           – counter: batches flushed
//	logagent_batch_lines_total       – counter: lines delivered in flushed batches
//	logagent_emit_errors_total       – counter: sink emits that failed
//	logagent_notifier_errors_total   – counter: errors reported by the notifier
//	logagent_pending_lines           – gauge:   lines waiting for the next flush
//	logagent_pending_bytes           – gauge:   bytes waiting for the next flush
//	logagent_state                   – gauge:   0 init, 1 running, 2 draining, 3 stopped
//
// All fields are updated atomically so they can be read from an HTTP handler
// while the loop runs. The zero value is ready to use.
type Metrics struct {
	Events        atomic.Int64
	Waits         atomic.Int64
	Reads         atomic.Int64
	ReadErrors    atomic.Int64
	BytesRead     atomic.Int64
	LinesRead     atomic.Int64
	LinesMatched  atomic.Int64
	Truncations   atomic.Int64
	FlushRequests atomic.Int64
}

// NewMetrics allocates a Metrics value with all counters at zero.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// metricLine is a single Prometheus metric family descriptor plus its current value.
type metricLine struct {
	help  string
	kind  string // "counter" or "gauge"
	name  string
	value int64
}

func counter(name, help string, v int64) metricLine {
	return metricLine{help: help, kind: "counter", name: name, value: v}
}

func gauge(name, help string, v int64) metricLine {
	return metricLine{help: help, kind: "gauge", name: name, value: v}
}

func (m *Metrics) snapshot() []metricLine {
	return []metricLine{
		counter("logagent_events_total", "Total number of change events handled by the dispatch loop.", m.Events.Load()),
		counter("logagent_waits_total", "Total number of notifier waits that returned without error.", m.Waits.Load()),
		counter("logagent_reads_total", "Total number of successful file reads.", m.Reads.Load()),
		counter("logagent_read_errors_total", "Total number of file reads that failed and were skipped.", m.ReadErrors.Load()),
		counter("logagent_bytes_read_total", "Total number of bytes returned by file reads.", m.BytesRead.Load()),
		counter("logagent_lines_read_total", "Total number of lines split from read content.", m.LinesRead.Load()),
		counter("logagent_lines_matched_total", "Total number of lines that passed the keyword filter.", m.LinesMatched.Load()),
		counter("logagent_truncations_total", "Total number of file names or paths truncated to their bound.", m.Truncations.Load()),
		counter("logagent_flush_requests_total", "Total number of operator flush requests observed.", m.FlushRequests.Load()),
	}
}

// snapshot captures the loop counters plus the accumulator and notifier
// state in a consistent order.
func (a *Agent) snapshot() []metricLine {
	lines := a.metrics.snapshot()

	if acc := a.acc.Load(); acc != nil {
		st := acc.Stats()
		pendingLines, pendingBytes := acc.Pending()
		lines = append(lines,
			counter("logagent_lines_truncated_total", "Total number of lines truncated at the batch capacity.", st.Truncated),
			counter("logagent_batches_total", "Total number of batches flushed.", st.Batches),
			counter("logagent_batch_lines_total", "Total number of lines delivered in flushed batches.", st.FlushedLines),
			counter("logagent_emit_errors_total", "Total number of sink emits that returned an error.", st.EmitErrors),
			gauge("logagent_pending_lines", "Lines waiting for the next flush.", int64(pendingLines)),
			gauge("logagent_pending_bytes", "Bytes waiting for the next flush.", int64(pendingBytes)),
		)
	}
	if ref := a.notif.Load(); ref != nil {
		lines = append(lines,
			counter("logagent_notifier_errors_total", "Total number of errors reported by the change notifier.", ref.n.Errors()))
	}
	return append(lines,
		gauge("logagent_state", "Lifecycle state: 0 init, 1 running, 2 draining, 3 stopped.", int64(a.State())))
}

// MetricsHandler returns an http.Handler that writes all agent metrics in
// the Prometheus text exposition format.
func (a *Agent) MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, a.snapshot())
	})
}

// writeMetrics serialises lines into Prometheus text exposition format.
func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
