package snapshot

import (
	"testing"
	"time"
)

// startStubbed runs a snapshotter with deterministic probes and fast
// intervals suitable for tests.
func startStubbed(t *testing.T, loadAvg float64, usedBytes, maxBytes uint64) *Snapshotter {
	t.Helper()
	s := New(Options{
		FastInterval:   10 * time.Millisecond,
		SlowInterval:   10 * time.Millisecond,
		CPUWindow:      2 * time.Second,
		MemWindow:      2 * time.Second,
		MemoryMaxBytes: maxBytes,
		CPUProbe:       func() (float64, bool) { return loadAvg, true },
		MemProbe:       func() uint64 { return usedBytes },
	})
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func waitForSamples(t *testing.T, s *Snapshotter, dim Dimension, n int) []Sample {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var got []Sample
		for _, smp := range s.SamplesSince(time.Minute) {
			if smp.Dimension == dim {
				got = append(got, smp)
			}
		}
		if len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d %s samples", n, dim)
	return nil
}

func TestMemoryOverloadDetection(t *testing.T) {
	// 900 of 1000 bytes used is above the default 0.7 ratio.
	s := startStubbed(t, 0, 900, 1000)

	samples := waitForSamples(t, s, DimMemory, 3)
	for _, smp := range samples {
		if !smp.Overloaded {
			t.Fatalf("Expected memory sample overloaded, got %+v", smp)
		}
	}
}

func TestMemoryOKWithoutLimit(t *testing.T) {
	// MemoryMaxBytes 0 and no cgroup limit stub: never overloaded.
	s := New(Options{
		FastInterval:   10 * time.Millisecond,
		SlowInterval:   10 * time.Millisecond,
		MemoryMaxBytes: 0,
		CPUProbe:       func() (float64, bool) { return 0, true },
		MemProbe:       func() uint64 { return 1 << 40 },
	})
	// Force the no-limit path regardless of the host cgroup setup.
	s.memMax = 0
	s.Start()
	t.Cleanup(s.Stop)

	samples := waitForSamples(t, s, DimMemory, 3)
	for _, smp := range samples {
		if smp.Overloaded {
			t.Fatalf("Expected memory OK without a limit, got %+v", smp)
		}
	}
}

func TestCPUOverloadDetection(t *testing.T) {
	// A load average far above any core count is overloaded.
	s := startStubbed(t, 10000, 0, 1000)

	samples := waitForSamples(t, s, DimCPU, 3)
	for _, smp := range samples {
		if !smp.Overloaded {
			t.Fatalf("Expected CPU sample overloaded, got %+v", smp)
		}
	}
}

func TestClientErrorRate(t *testing.T) {
	s := startStubbed(t, 0, 0, 1000)

	// Push the client error rate above the default 1/s threshold.
	for i := 0; i < 10; i++ {
		s.NoteClientError()
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, smp := range s.SamplesSince(time.Second) {
			if smp.Dimension == DimClient && smp.Overloaded {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Client dimension never reported overload")
}

func TestStatusClassification(t *testing.T) {
	overloadedSnap := startStubbed(t, 10000, 900, 1000)
	waitForSamples(t, overloadedSnap, DimCPU, 5)

	status := NewStatus(overloadedSnap)
	if status.IsOkNow() {
		t.Error("Expected IsOkNow false under constant overload")
	}
	if status.IsOkHistorically() {
		t.Error("Expected IsOkHistorically false under constant overload")
	}

	okSnap := startStubbed(t, 0, 100, 1000)
	waitForSamples(t, okSnap, DimCPU, 5)

	okStatus := NewStatus(okSnap)
	if !okStatus.IsOkNow() {
		t.Error("Expected IsOkNow true with idle samples")
	}
	if !okStatus.IsOkHistorically() {
		t.Error("Expected IsOkHistorically true with idle samples")
	}
}

func TestStatusEmptyWindowIsOK(t *testing.T) {
	s := New(Options{})
	status := NewStatus(s)
	if !status.IsOkNow() || !status.IsOkHistorically() {
		t.Error("Expected empty windows to classify as OK")
	}
}

func TestRingEviction(t *testing.T) {
	s := New(Options{
		FastInterval: 5 * time.Millisecond,
		SlowInterval: time.Hour,
		CPUWindow:    50 * time.Millisecond,
		CPUProbe:     func() (float64, bool) { return 0, true },
		MemProbe:     func() uint64 { return 0 },
	})
	s.Start()
	t.Cleanup(s.Stop)

	time.Sleep(300 * time.Millisecond)

	// With a 50ms window and 5ms cadence the ring must stay bounded.
	count := 0
	for _, smp := range s.SamplesSince(time.Minute) {
		if smp.Dimension == DimCPU {
			count++
		}
	}
	if count == 0 || count > 30 {
		t.Errorf("Expected a bounded CPU ring, got %d samples", count)
	}
}
