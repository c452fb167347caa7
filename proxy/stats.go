package proxy

import (
	"sync"
	"time"
)

const statsFile = "stats.json"
const statsRetentionDays = 30

// DayStat counts proxied outcomes for one backend on one day.
type DayStat struct {
	Success int64 `json:"success"`
	Fail    int64 `json:"fail"`
}

// StatsRecorder keeps per-day, per-backend success/fail counts, persisted
// to stats.json and trimmed to 30 days.
type StatsRecorder struct {
	mu    sync.Mutex
	days  map[string]map[string]*DayStat // date -> backend id -> stat
	store *FileStore
	now   func() time.Time
}

func NewStatsRecorder(store *FileStore) *StatsRecorder {
	sr := &StatsRecorder{
		days:  make(map[string]map[string]*DayStat),
		store: store,
		now:   time.Now,
	}
	if store != nil {
		store.Load(statsFile, &sr.days)
		if sr.days == nil {
			sr.days = make(map[string]map[string]*DayStat)
		}
		store.Register(statsFile, sr.snapshot)
	}
	return sr
}

func (sr *StatsRecorder) Record(backendID string, success bool) {
	date := sr.now().UTC().Format("2006-01-02")

	sr.mu.Lock()
	day := sr.days[date]
	if day == nil {
		day = make(map[string]*DayStat)
		sr.days[date] = day
		sr.trimLocked()
	}
	stat := day[backendID]
	if stat == nil {
		stat = &DayStat{}
		day[backendID] = stat
	}
	if success {
		stat.Success++
	} else {
		stat.Fail++
	}
	sr.mu.Unlock()

	if sr.store != nil {
		sr.store.MarkDirty(statsFile)
	}
}

func (sr *StatsRecorder) trimLocked() {
	cutoff := sr.now().UTC().AddDate(0, 0, -statsRetentionDays).Format("2006-01-02")
	for date := range sr.days {
		if date < cutoff {
			delete(sr.days, date)
		}
	}
}

func (sr *StatsRecorder) snapshot() interface{} {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	out := make(map[string]map[string]DayStat, len(sr.days))
	for date, day := range sr.days {
		cp := make(map[string]DayStat, len(day))
		for id, stat := range day {
			cp[id] = *stat
		}
		out[date] = cp
	}
	return out
}
