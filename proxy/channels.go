package proxy

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

const channelsFile = "channels.json"

// Channel groups credentials that share one base URL, with its own model
// allow-list, model remapping, priority, weight and concurrency cap.
type Channel struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	BaseURL           string            `json:"baseUrl"`
	APIKeys           []string          `json:"apiKeys"`
	Models            []string          `json:"models,omitempty"`
	ModelMapping      map[string]string `json:"modelMapping,omitempty"`
	Priority          int               `json:"priority"`
	Weight            int               `json:"weight"`
	MaxConcurrent     int               `json:"maxConcurrent"`
	CurrentConcurrent int               `json:"currentConcurrent"`
	Enabled           bool              `json:"enabled"`
	Healthy           bool              `json:"healthy"`
	TotalRequests     int64             `json:"totalRequests"`
	FailedRequests    int64             `json:"failedRequests"`
	LastError         string            `json:"lastError,omitempty"`
	LastUsed          string            `json:"lastUsed,omitempty"`

	cursor int // per-channel round-robin over APIKeys, not persisted
}

type channelsFileShape struct {
	Channels []*Channel `json:"channels"`
}

// ChannelRegistry owns the optional channel grouping. When it is
// non-empty the selector routes over channels instead of the flat pool.
type ChannelRegistry struct {
	mu       sync.Mutex
	channels []*Channel
	store    *FileStore
	logger   *LogMonitor
	now      func() time.Time
}

func NewChannelRegistry(store *FileStore, logger *LogMonitor) *ChannelRegistry {
	r := &ChannelRegistry{store: store, logger: logger, now: time.Now}
	if store != nil {
		var saved channelsFileShape
		if ok, err := store.Load(channelsFile, &saved); err != nil {
			logger.Errorf("channels: load %s: %v", channelsFile, err)
		} else if ok {
			r.channels = saved.Channels
			// concurrency counters never survive a restart; weights are
			// re-clamped so a hand-edited zero cannot starve the picker
			for _, ch := range r.channels {
				ch.CurrentConcurrent = 0
				if ch.Weight <= 0 {
					ch.Weight = 10
				}
			}
		}
		store.Register(channelsFile, r.snapshot)
	}
	return r
}

func (r *ChannelRegistry) Add(ch *Channel) (*Channel, error) {
	if ch.BaseURL == "" {
		return nil, fmt.Errorf("channel requires a baseUrl")
	}
	ch.BaseURL = NormalizeBaseURL(ch.BaseURL)
	if ch.ID == "" {
		ch.ID = "ch-" + randomString(8, hexDigits)
	}
	if ch.Weight <= 0 {
		ch.Weight = 10
	}
	ch.Enabled = true
	ch.Healthy = true
	ch.CurrentConcurrent = 0

	r.mu.Lock()
	r.channels = append(r.channels, ch)
	r.mu.Unlock()

	r.persist()
	return ch, nil
}

func (r *ChannelRegistry) Remove(id string) bool {
	r.mu.Lock()
	removed := false
	for i, ch := range r.channels {
		if ch.ID == id {
			r.channels = append(r.channels[:i], r.channels[i+1:]...)
			removed = true
			break
		}
	}
	r.mu.Unlock()

	if removed {
		r.persist()
	}
	return removed
}

func (r *ChannelRegistry) Get(id string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(id)
}

func (r *ChannelRegistry) findLocked(id string) *Channel {
	for _, ch := range r.channels {
		if ch.ID == id {
			return ch
		}
	}
	return nil
}

func (r *ChannelRegistry) List() []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, *ch)
	}
	return out
}

func (r *ChannelRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// ReleaseSlot undoes one AcquireSlot. Callers must release exactly once
// per successful selection, on relay finish or failure.
func (r *ChannelRegistry) ReleaseSlot(id string) {
	r.mu.Lock()
	if ch := r.findLocked(id); ch != nil && ch.CurrentConcurrent > 0 {
		ch.CurrentConcurrent--
	}
	r.mu.Unlock()
}

func (r *ChannelRegistry) RecordSuccess(id string) {
	r.mu.Lock()
	ch := r.findLocked(id)
	if ch != nil {
		ch.TotalRequests++
		ch.LastUsed = r.now().UTC().Format(time.RFC3339)
		ch.Healthy = true
		ch.LastError = ""
	}
	r.mu.Unlock()

	if ch != nil {
		r.persist()
	}
}

func (r *ChannelRegistry) RecordFailure(id, errStr string) {
	r.mu.Lock()
	ch := r.findLocked(id)
	if ch != nil {
		ch.TotalRequests++
		ch.FailedRequests++
		ch.LastUsed = r.now().UTC().Format(time.RFC3339)
		ch.LastError = errStr
		if ch.FailedRequests > quarantineMinFailures &&
			float64(ch.FailedRequests)/float64(ch.TotalRequests) > quarantineFailureRatio {
			ch.Healthy = false
		}
	}
	r.mu.Unlock()

	if ch != nil {
		r.persist()
	}
}

func (r *ChannelRegistry) ResetHealth() {
	r.mu.Lock()
	for _, ch := range r.channels {
		ch.Healthy = true
		ch.LastError = ""
	}
	r.mu.Unlock()
	r.persist()
}

// modelPermitted reports whether a channel may serve the requested model:
// an empty model list permits everything, otherwise the model must glob-
// match a list entry or be a key of the remapping table.
func (ch *Channel) modelPermitted(model string) bool {
	if len(ch.Models) == 0 {
		return true
	}
	for _, pattern := range ch.Models {
		if matchModelPattern(pattern, model) {
			return true
		}
	}
	_, ok := ch.ModelMapping[model]
	return ok
}

// matchModelPattern matches a model name against a pattern where "*" is a
// wildcard. Patterns without a wildcard compare exactly.
func matchModelPattern(pattern, model string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == model
	}
	var sb strings.Builder
	sb.WriteString("^")
	for _, part := range strings.Split(pattern, "*") {
		sb.WriteString(regexp.QuoteMeta(part))
		sb.WriteString(".*")
	}
	expr := strings.TrimSuffix(sb.String(), ".*") + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return false
	}
	return re.MatchString(model)
}

func (r *ChannelRegistry) persist() {
	if r.store != nil {
		r.store.MarkDirty(channelsFile)
	}
}

func (r *ChannelRegistry) snapshot() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels := make([]*Channel, len(r.channels))
	for i, ch := range r.channels {
		cp := *ch
		channels[i] = &cp
	}
	return channelsFileShape{Channels: channels}
}
