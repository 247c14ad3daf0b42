package tracker

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/livepulse/tracker/internal/models"
)

// maybeCleanup runs housekeeping at most once per cleanup interval, and only
// when resident memory exceeds the configured threshold: ended records past
// the grace window are evicted and the router's normal lane is trimmed.
// Advisory, not correctness-critical.
func (t *Tracker) maybeCleanup(now time.Time) {
	t.cleanupMu.Lock()
	if now.Sub(t.lastCleanup) < t.cfg.CleanupInterval {
		t.cleanupMu.Unlock()
		return
	}
	t.lastCleanup = now
	t.cleanupMu.Unlock()

	rss := t.procStats().MemoryRSS
	if rss < t.cfg.MemoryThreshold {
		return
	}

	evicted := t.evictStale(now.Add(-t.cfg.GracePeriod))
	dropped := t.router.TrimNormal()
	t.logger.Warn("memory over threshold, housekeeping ran",
		zap.Uint64("rss", rss),
		zap.Uint64("threshold", t.cfg.MemoryThreshold),
		zap.Int("sessions_evicted", evicted),
		zap.Int("normal_items_dropped", dropped))
}

// evictStale removes ended sessions idle since before cutoff from the
// in-memory table. The persistent store is untouched; the archiver owns it.
func (t *Tracker) evictStale(cutoff time.Time) int {
	var evicted []string

	t.mu.Lock()
	for id, rec := range t.sessions {
		if rec == t.current {
			continue
		}
		if rec.endedBefore(cutoff) {
			delete(t.sessions, id)
			evicted = append(evicted, id)
		}
	}
	t.mu.Unlock()

	for _, id := range evicted {
		t.resolver.Forget(id)
	}
	return len(evicted)
}

// readProcessStats reports this process's RSS and CPU via gopsutil.
func readProcessStats() models.ProcessStats {
	stats := models.ProcessStats{Goroutines: runtime.NumGoroutine()}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return stats
	}
	if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
		stats.MemoryRSS = mi.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	return stats
}
