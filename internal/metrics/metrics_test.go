package metrics

import (
	"sync"
	"testing"
	"time"
)

type recordingBackend struct {
	mu       sync.Mutex
	counters map[string]float64
	samples  map[string][]float64
	flushes  int
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{counters: map[string]float64{}, samples: map[string][]float64{}}
}

func key(name string, l Labels) string {
	return name + "|" + l["step"] + "|" + l["status"] + "|" + l["kind"]
}

func (r *recordingBackend) IncCounter(name string, delta float64, l Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key(name, l)] += delta
}

func (r *recordingBackend) ObserveHistogram(name string, v float64, l Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[key(name, l)] = append(r.samples[key(name, l)], v)
}

func (r *recordingBackend) Flush() error {
	r.flushes++
	return nil
}

func TestHelpers_RouteToInstalledBackend(t *testing.T) {
	rb := newRecordingBackend()
	SetBackend(rb)
	t.Cleanup(func() { SetBackend(nil) })

	RecordStep("dedup", "ok", 1500*time.Millisecond)
	RecordRecords("staged", 7)
	RecordRecords("rejected", 0) // ignored
	RecordFile("skipped")
	if err := Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if got := rb.counters[key(StepTotal, Labels{"step": "dedup", "status": "ok"})]; got != 1 {
		t.Fatalf("step counter=%v, want 1", got)
	}
	if got := rb.samples[key(StepDurationSeconds, Labels{"step": "dedup", "status": "ok"})]; len(got) != 1 || got[0] != 1.5 {
		t.Fatalf("duration samples=%v, want [1.5]", got)
	}
	if got := rb.counters[key(RecordsTotal, Labels{"kind": "staged"})]; got != 7 {
		t.Fatalf("records counter=%v, want 7", got)
	}
	if _, ok := rb.counters[key(RecordsTotal, Labels{"kind": "rejected"})]; ok {
		t.Fatalf("zero counts must not be recorded")
	}
	if got := rb.counters[key(FilesTotal, Labels{"status": "skipped"})]; got != 1 {
		t.Fatalf("files counter=%v, want 1", got)
	}
	if rb.flushes != 1 {
		t.Fatalf("flushes=%d, want 1", rb.flushes)
	}
}

func TestSetBackend_NilRestoresNop(t *testing.T) {
	SetBackend(nil)
	IncCounter("x", 1, nil)
	ObserveHistogram("x", 1, nil)
	if err := Flush(); err != nil {
		t.Fatalf("nop Flush: %v", err)
	}
}
