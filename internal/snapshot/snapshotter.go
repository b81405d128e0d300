// Package snapshot samples system load into rolling windows and classifies
// the recent history as OK or overloaded. The autoscaled pool consults these
// classifications to decide whether to grow or shrink concurrency.
package snapshot

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Dimension identifies which resource a sample measured.
type Dimension string

// Sampled resource dimensions.
const (
	DimCPU    Dimension = "cpu"
	DimMemory Dimension = "memory"
	DimLoop   Dimension = "eventLoop"
	DimClient Dimension = "client"
)

// Sample is one observation of one resource dimension.
type Sample struct {
	CreatedAt  time.Time
	Dimension  Dimension
	Overloaded bool
	// Value holds the measured quantity: load average for CPU, used bytes
	// for memory, lag milliseconds for the loop probe, errors per second
	// for the client dimension.
	Value float64
}

// SystemInfo is a point-in-time aggregate of the most recent samples.
type SystemInfo struct {
	Timestamp                time.Time `json:"timestamp"`
	CPUOverloaded            bool      `json:"cpuOverloaded"`
	MemCurrentBytes          uint64    `json:"memCurrentBytes"`
	MemMaxBytes              uint64    `json:"memMaxBytes"`
	EventLoopOverloadedRatio float64   `json:"eventLoopOverloadedRatio"`
	ClientOverloaded         bool      `json:"clientOverloaded"`
}

// Options configures the snapshotter. Zero fields take defaults.
type Options struct {
	// FastInterval is the cadence for CPU, loop-lag, and client samples.
	FastInterval time.Duration
	// SlowInterval is the cadence for memory samples.
	SlowInterval time.Duration
	// CPUWindow bounds the CPU, loop, and client rings.
	CPUWindow time.Duration
	// MemWindow bounds the memory ring.
	MemWindow time.Duration

	// MaxUsedCPURatio: CPU is overloaded when the 1-minute load average
	// exceeds this ratio times the logical core count.
	MaxUsedCPURatio float64
	// MaxUsedMemoryRatio: memory is overloaded when used/max exceeds this.
	MaxUsedMemoryRatio float64
	// MaxBlockedMillis: the loop probe is overloaded when a tick arrives
	// this much later than scheduled.
	MaxBlockedMillis time.Duration
	// MaxClientErrorsPerSecond: the client dimension is overloaded when the
	// externally reported error rate exceeds this.
	MaxClientErrorsPerSecond float64

	// MemoryMaxBytes overrides the detected memory envelope. When zero the
	// cgroup limit is used, and if that is unavailable the memory dimension
	// never reports overload.
	MemoryMaxBytes uint64

	// Probe overrides, used by tests.
	CPUProbe func() (loadAvg float64, ok bool)
	MemProbe func() (usedBytes uint64)
}

func (o *Options) applyDefaults() {
	if o.FastInterval <= 0 {
		o.FastInterval = 500 * time.Millisecond
	}
	if o.SlowInterval <= 0 {
		o.SlowInterval = time.Second
	}
	if o.CPUWindow <= 0 {
		o.CPUWindow = 60 * time.Second
	}
	if o.MemWindow <= 0 {
		o.MemWindow = 30 * time.Second
	}
	if o.MaxUsedCPURatio <= 0 {
		o.MaxUsedCPURatio = 0.95
	}
	if o.MaxUsedMemoryRatio <= 0 {
		o.MaxUsedMemoryRatio = 0.7
	}
	if o.MaxBlockedMillis <= 0 {
		o.MaxBlockedMillis = 50 * time.Millisecond
	}
	if o.MaxClientErrorsPerSecond <= 0 {
		o.MaxClientErrorsPerSecond = 1
	}
	if o.CPUProbe == nil {
		o.CPUProbe = readLoadAvg
	}
	if o.MemProbe == nil {
		o.MemProbe = readUsedMemory
	}
}

// Snapshotter runs the sampling loops. The sampler goroutines are the only
// writers; readers see consistent copies of the rings.
type Snapshotter struct {
	opts Options

	mu      sync.RWMutex
	cpu     []Sample
	memory  []Sample
	loop    []Sample
	client  []Sample
	memMax  uint64
	started bool

	clientErrs struct {
		sync.Mutex
		times []time.Time
	}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a snapshotter. Call Start to begin sampling.
func New(opts Options) *Snapshotter {
	opts.applyDefaults()
	s := &Snapshotter{
		opts:   opts,
		stopCh: make(chan struct{}),
	}
	s.memMax = opts.MemoryMaxBytes
	if s.memMax == 0 {
		s.memMax = readCgroupMemoryLimit()
	}
	return s
}

// Start launches the fast and slow sampling loops. Calling Start twice is a
// no-op.
func (s *Snapshotter) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.fastLoop()
	go s.slowLoop()

	log.Debug().
		Dur("fast_interval", s.opts.FastInterval).
		Dur("slow_interval", s.opts.SlowInterval).
		Uint64("mem_max_bytes", s.memMax).
		Msg("Snapshotter started")
}

// Stop halts sampling. The rings remain readable.
func (s *Snapshotter) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// NoteClientError records one downstream client error. The client dimension
// reports overload when the error rate in the last second exceeds the
// configured threshold.
func (s *Snapshotter) NoteClientError() {
	s.clientErrs.Lock()
	defer s.clientErrs.Unlock()
	now := time.Now()
	s.clientErrs.times = append(s.clientErrs.times, now)
	// Drop entries older than one second while we are here.
	cutoff := now.Add(-time.Second)
	i := 0
	for ; i < len(s.clientErrs.times); i++ {
		if s.clientErrs.times[i].After(cutoff) {
			break
		}
	}
	s.clientErrs.times = s.clientErrs.times[i:]
}

// SamplesSince returns all samples across dimensions newer than now-window,
// oldest first per dimension.
func (s *Snapshotter) SamplesSince(window time.Duration) []Sample {
	cutoff := time.Now().Add(-window)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Sample, 0, len(s.cpu)+len(s.memory)+len(s.loop)+len(s.client))
	for _, ring := range [][]Sample{s.cpu, s.memory, s.loop, s.client} {
		for _, smp := range ring {
			if smp.CreatedAt.After(cutoff) {
				out = append(out, smp)
			}
		}
	}
	return out
}

// FullWindow returns the longest configured ring duration.
func (s *Snapshotter) FullWindow() time.Duration {
	if s.opts.CPUWindow > s.opts.MemWindow {
		return s.opts.CPUWindow
	}
	return s.opts.MemWindow
}

// Info returns a point-in-time aggregate for logging and diagnostics.
func (s *Snapshotter) Info() SystemInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SystemInfo{Timestamp: time.Now(), MemMaxBytes: s.memMax}
	if n := len(s.cpu); n > 0 {
		info.CPUOverloaded = s.cpu[n-1].Overloaded
	}
	if n := len(s.memory); n > 0 {
		info.MemCurrentBytes = uint64(s.memory[n-1].Value)
	}
	if n := len(s.client); n > 0 {
		info.ClientOverloaded = s.client[n-1].Overloaded
	}
	if n := len(s.loop); n > 0 {
		overloaded := 0
		for _, smp := range s.loop {
			if smp.Overloaded {
				overloaded++
			}
		}
		info.EventLoopOverloadedRatio = float64(overloaded) / float64(n)
	}
	return info
}

// fastLoop samples CPU, loop lag, and client errors every FastInterval.
// Loop lag is measured as the drift between the scheduled and the observed
// tick time: a busy scheduler delays the tick.
func (s *Snapshotter) fastLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.FastInterval)
	defer ticker.Stop()

	expected := time.Now().Add(s.opts.FastInterval)
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			lag := now.Sub(expected)
			if lag < 0 {
				lag = 0
			}
			expected = now.Add(s.opts.FastInterval)

			s.sampleCPU(now)
			s.appendSample(&s.loop, s.opts.CPUWindow, Sample{
				CreatedAt:  now,
				Dimension:  DimLoop,
				Overloaded: lag > s.opts.MaxBlockedMillis,
				Value:      float64(lag.Milliseconds()),
			})
			s.sampleClient(now)

		case <-s.stopCh:
			return
		}
	}
}

// slowLoop samples memory every SlowInterval.
func (s *Snapshotter) slowLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.SlowInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			used := s.opts.MemProbe()
			overloaded := false
			if s.memMax > 0 {
				overloaded = float64(used)/float64(s.memMax) > s.opts.MaxUsedMemoryRatio
			}
			s.appendSample(&s.memory, s.opts.MemWindow, Sample{
				CreatedAt:  now,
				Dimension:  DimMemory,
				Overloaded: overloaded,
				Value:      float64(used),
			})
			if overloaded {
				log.Warn().
					Uint64("used_bytes", used).
					Uint64("max_bytes", s.memMax).
					Msg("Memory overloaded")
			}

		case <-s.stopCh:
			return
		}
	}
}

func (s *Snapshotter) sampleCPU(now time.Time) {
	loadAvg, ok := s.opts.CPUProbe()
	if !ok {
		return
	}
	threshold := s.opts.MaxUsedCPURatio * float64(runtime.NumCPU())
	s.appendSample(&s.cpu, s.opts.CPUWindow, Sample{
		CreatedAt:  now,
		Dimension:  DimCPU,
		Overloaded: loadAvg > threshold,
		Value:      loadAvg,
	})
}

func (s *Snapshotter) sampleClient(now time.Time) {
	s.clientErrs.Lock()
	cutoff := now.Add(-time.Second)
	count := 0
	for _, t := range s.clientErrs.times {
		if t.After(cutoff) {
			count++
		}
	}
	s.clientErrs.Unlock()

	rate := float64(count)
	s.appendSample(&s.client, s.opts.CPUWindow, Sample{
		CreatedAt:  now,
		Dimension:  DimClient,
		Overloaded: rate > s.opts.MaxClientErrorsPerSecond,
		Value:      rate,
	})
}

// appendSample adds a sample to a ring and evicts entries older than window.
func (s *Snapshotter) appendSample(ring *[]Sample, window time.Duration, smp Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	*ring = append(*ring, smp)
	cutoff := smp.CreatedAt.Add(-window)
	i := 0
	for ; i < len(*ring); i++ {
		if (*ring)[i].CreatedAt.After(cutoff) {
			break
		}
	}
	*ring = (*ring)[i:]
}

// readLoadAvg reads the 1-minute load average from /proc/loadavg.
// Returns ok=false on platforms without procfs.
func readLoadAvg() (float64, bool) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// readUsedMemory reports the process heap in use.
func readUsedMemory() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}

// readCgroupMemoryLimit detects the container memory envelope, preferring
// cgroup v2. Returns 0 when no limit applies.
func readCgroupMemoryLimit() uint64 {
	for _, path := range []string{
		"/sys/fs/cgroup/memory.max",
		"/sys/fs/cgroup/memory/memory.limit_in_bytes",
	} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(data))
		if text == "max" {
			return 0
		}
		v, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			continue
		}
		// cgroup v1 reports an enormous number when unlimited.
		if v > 1<<50 {
			return 0
		}
		return v
	}
	return 0
}
