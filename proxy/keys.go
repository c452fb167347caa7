package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

const DefaultBaseURL = "https://ollama.com/api"

const keysFile = "keys.json"
const healthProbeTimeout = 10 * time.Second

// quarantine thresholds: a key is marked unhealthy once it has failed
// more than 5 times with a failure ratio above 0.8.
const quarantineMinFailures = 5
const quarantineFailureRatio = 0.8

var ErrNoBackends = errors.New("no available backends")

// BackendKey is one upstream credential: an API key (possibly empty for
// unauthenticated self-hosted servers) plus its base URL and live counters.
type BackendKey struct {
	ID             string `json:"id"`
	Key            string `json:"key"`
	BaseURL        string `json:"baseUrl"`
	Name           string `json:"name,omitempty"`
	Enabled        bool   `json:"enabled"`
	Healthy        bool   `json:"healthy"`
	Weight         int    `json:"weight"`
	Priority       int    `json:"priority"`
	TotalRequests  int64  `json:"totalRequests"`
	FailedRequests int64  `json:"failedRequests"`
	LastCheck      string `json:"lastCheck,omitempty"`
	LastUsed       string `json:"lastUsed,omitempty"`
	LastError      string `json:"lastError,omitempty"`
	AddedAt        string `json:"addedAt"`
}

// MaskedKey is the operator-facing projection of a BackendKey.
type MaskedKey struct {
	BackendKey
	Key string `json:"key"` // masked form
}

type KeySummary struct {
	Total     int `json:"total"`
	Enabled   int `json:"enabled"`
	Healthy   int `json:"healthy"`
	Disabled  int `json:"disabled"`
	Unhealthy int `json:"unhealthy"`
}

type ImportResult struct {
	Added      []*BackendKey `json:"added"`
	Duplicates []string      `json:"duplicates"`
	Errors     []string      `json:"errors"`
}

type keysFileShape struct {
	Keys         []*BackendKey `json:"keys"`
	CurrentIndex int           `json:"currentIndex"`
}

// KeyRegistry owns the flat credential pool: parsing, dedup, counters,
// health, round-robin, persistence.
type KeyRegistry struct {
	mu             sync.Mutex
	keys           []*BackendKey
	cursor         int
	defaultBaseURL string
	store          *FileStore
	logger         *LogMonitor
	client         *http.Client
	now            func() time.Time

	// memoised projections, invalidated on every mutation
	summary *KeySummary
	masked  []MaskedKey
}

func NewKeyRegistry(defaultBaseURL string, store *FileStore, logger *LogMonitor) *KeyRegistry {
	if defaultBaseURL == "" {
		defaultBaseURL = DefaultBaseURL
	}
	r := &KeyRegistry{
		defaultBaseURL: defaultBaseURL,
		store:          store,
		logger:         logger,
		client:         &http.Client{Timeout: healthProbeTimeout},
		now:            time.Now,
	}
	if store != nil {
		var saved keysFileShape
		if ok, err := store.Load(keysFile, &saved); err != nil {
			logger.Errorf("keys: load %s: %v", keysFile, err)
		} else if ok {
			r.keys = saved.Keys
			r.cursor = saved.CurrentIndex
		}
		store.Register(keysFile, r.snapshot)
	}
	return r
}

// ParseKeyString extracts (baseUrl, key) from the operator input forms:
//
//	baseUrl|key or key|baseUrl
//	baseUrl#key
//	baseUrl/key        (key is a trailing path segment of 20+ key chars)
//	key                (uses the default base URL)
var trailingKeyRe = regexp.MustCompile(`/([A-Za-z0-9_.-]{20,})$`)

func ParseKeyString(raw, defaultBaseURL string) (baseURL, key string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", fmt.Errorf("empty key string")
	}
	if defaultBaseURL == "" {
		defaultBaseURL = DefaultBaseURL
	}

	switch {
	case strings.Contains(raw, "|"):
		lhs, rhs, _ := strings.Cut(raw, "|")
		if strings.HasPrefix(lhs, "http") {
			baseURL, key = lhs, rhs
		} else {
			baseURL, key = rhs, lhs
		}
	case strings.HasPrefix(raw, "http") && strings.Contains(raw, "#"):
		idx := strings.LastIndex(raw, "#")
		baseURL, key = raw[:idx], raw[idx+1:]
	case strings.HasPrefix(raw, "http") && trailingKeyRe.MatchString(raw):
		idx := strings.LastIndex(raw, "/")
		baseURL, key = raw[:idx], raw[idx+1:]
	default:
		baseURL, key = defaultBaseURL, raw
	}

	return NormalizeBaseURL(baseURL), strings.TrimSpace(key), nil
}

// NormalizeBaseURL produces the canonical stored form: no trailing slash,
// no trailing /api, except ollama.com hosts which always end in /api.
func NormalizeBaseURL(raw string) string {
	u := strings.TrimSpace(raw)
	u = strings.TrimRight(u, "/")
	u = strings.TrimSuffix(u, "/api")
	u = strings.TrimRight(u, "/")

	host := u
	if parsed, err := url.Parse(u); err == nil && parsed.Host != "" {
		host = parsed.Host
	}
	if strings.Contains(host, "ollama.com") {
		u += "/api"
	}
	return u
}

// BuildAPIURL joins a canonical base URL with an /api path like "/chat".
func BuildAPIURL(baseURL, path string) string {
	if strings.HasSuffix(baseURL, "/api") {
		return baseURL + path
	}
	return baseURL + "/api" + path
}

func (r *KeyRegistry) AddKey(raw string) (*BackendKey, bool, error) {
	baseURL, key, err := ParseKeyString(raw, r.defaultBaseURL)
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	if existing := r.findByPairLocked(key, baseURL); existing != nil {
		r.mu.Unlock()
		return existing, true, nil
	}
	bk := r.newKeyLocked(key, baseURL)
	r.keys = append(r.keys, bk)
	r.invalidateLocked()
	r.mu.Unlock()

	r.persist()
	return bk, false, nil
}

// BatchImport splits text on newlines, commas and semicolons, skipping
// blanks and #-comments, deduping against existing and just-added keys.
// The file is written once at the end.
func (r *KeyRegistry) BatchImport(text string) ImportResult {
	result := ImportResult{Added: []*BackendKey{}, Duplicates: []string{}, Errors: []string{}}

	lines := strings.FieldsFunc(text, func(c rune) bool {
		return c == '\n' || c == ',' || c == ';'
	})

	r.mu.Lock()
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		baseURL, key, err := ParseKeyString(line, r.defaultBaseURL)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", line, err))
			continue
		}
		if r.findByPairLocked(key, baseURL) != nil {
			result.Duplicates = append(result.Duplicates, line)
			continue
		}
		bk := r.newKeyLocked(key, baseURL)
		r.keys = append(r.keys, bk)
		result.Added = append(result.Added, bk)
	}
	r.invalidateLocked()
	r.mu.Unlock()

	if len(result.Added) > 0 {
		r.persist()
	}
	return result
}

func (r *KeyRegistry) newKeyLocked(key, baseURL string) *BackendKey {
	return &BackendKey{
		ID:       "key-" + randomString(8, hexDigits),
		Key:      key,
		BaseURL:  baseURL,
		Enabled:  true,
		Healthy:  true,
		Weight:   10,
		Priority: 0,
		AddedAt:  r.now().UTC().Format(time.RFC3339),
	}
}

func (r *KeyRegistry) findByPairLocked(key, baseURL string) *BackendKey {
	for _, k := range r.keys {
		if k.Key == key && k.BaseURL == baseURL {
			return k
		}
	}
	return nil
}

func (r *KeyRegistry) findLocked(id string) *BackendKey {
	for _, k := range r.keys {
		if k.ID == id {
			return k
		}
	}
	return nil
}

func (r *KeyRegistry) RemoveKey(id string) bool {
	r.mu.Lock()
	removed := false
	for i, k := range r.keys {
		if k.ID == id {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			removed = true
			break
		}
	}
	if removed {
		if r.cursor >= len(r.keys) {
			r.cursor = 0
		}
		r.invalidateLocked()
	}
	r.mu.Unlock()

	if removed {
		r.persist()
	}
	return removed
}

func (r *KeyRegistry) ToggleKey(id string) *BackendKey {
	r.mu.Lock()
	k := r.findLocked(id)
	if k != nil {
		k.Enabled = !k.Enabled
		r.invalidateLocked()
	}
	r.mu.Unlock()

	if k != nil {
		r.persist()
	}
	return k
}

func (r *KeyRegistry) ClearAll() {
	r.mu.Lock()
	r.keys = nil
	r.cursor = 0
	r.invalidateLocked()
	r.mu.Unlock()
	r.persist()
}

// ResetHealth clears quarantine state on every key.
func (r *KeyRegistry) ResetHealth() {
	r.mu.Lock()
	for _, k := range r.keys {
		k.Healthy = true
		k.LastError = ""
	}
	r.invalidateLocked()
	r.mu.Unlock()
	r.persist()
}

// NextKey picks a credential by round-robin. The primary pool is
// enabled+healthy keys; when it is empty, enabled keys are used even if
// unhealthy. Over any window of len(pool) calls with a stable pool every
// key is returned exactly once.
func (r *KeyRegistry) NextKey() *BackendKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool := make([]*BackendKey, 0, len(r.keys))
	for _, k := range r.keys {
		if k.Enabled && k.Healthy {
			pool = append(pool, k)
		}
	}
	if len(pool) == 0 {
		for _, k := range r.keys {
			if k.Enabled {
				pool = append(pool, k)
			}
		}
	}
	if len(pool) == 0 {
		return nil
	}

	idx := r.cursor % len(pool)
	r.cursor = idx + 1
	return pool[idx]
}

func (r *KeyRegistry) RecordSuccess(id string) {
	r.mu.Lock()
	k := r.findLocked(id)
	if k != nil {
		k.TotalRequests++
		k.LastUsed = r.now().UTC().Format(time.RFC3339)
		k.Healthy = true
		k.LastError = ""
		r.invalidateLocked()
	}
	r.mu.Unlock()

	if k != nil {
		r.persist()
	}
}

func (r *KeyRegistry) RecordFailure(id, errStr string) {
	r.mu.Lock()
	k := r.findLocked(id)
	if k != nil {
		k.TotalRequests++
		k.FailedRequests++
		k.LastUsed = r.now().UTC().Format(time.RFC3339)
		k.LastError = errStr
		if k.FailedRequests > quarantineMinFailures &&
			float64(k.FailedRequests)/float64(k.TotalRequests) > quarantineFailureRatio {
			k.Healthy = false
		}
		r.invalidateLocked()
	}
	r.mu.Unlock()

	if k != nil {
		r.persist()
	}
}

// CheckKeyHealth probes <base>/api/tags with a 10 second budget and
// updates the key's health state.
func (r *KeyRegistry) CheckKeyHealth(ctx context.Context, id string) {
	r.mu.Lock()
	k := r.findLocked(id)
	if k == nil {
		r.mu.Unlock()
		return
	}
	probeURL := BuildAPIURL(k.BaseURL, "/tags")
	apiKey := k.Key
	r.mu.Unlock()

	healthy, errStr := r.probe(ctx, probeURL, apiKey)

	r.mu.Lock()
	if k := r.findLocked(id); k != nil {
		k.Healthy = healthy
		k.LastError = errStr
		k.LastCheck = r.now().UTC().Format(time.RFC3339)
		r.invalidateLocked()
	}
	r.mu.Unlock()
	r.persist()
}

func (r *KeyRegistry) probe(ctx context.Context, probeURL, apiKey string) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", probeURL, nil)
	if err != nil {
		return false, err.Error()
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return false, "Health check timeout (10s)"
		}
		return false, err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return true, ""
}

// CheckAllHealth probes every key in parallel and waits for all probes.
func (r *KeyRegistry) CheckAllHealth(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.keys))
	for _, k := range r.keys {
		ids = append(ids, k.ID)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.CheckKeyHealth(ctx, id)
		}(id)
	}
	wg.Wait()
}

// AllKeys returns the masked projection, memoised until the next mutation.
func (r *KeyRegistry) AllKeys() []MaskedKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.masked != nil {
		return r.masked
	}
	masked := make([]MaskedKey, 0, len(r.keys))
	for _, k := range r.keys {
		m := MaskedKey{BackendKey: *k}
		m.Key = MaskKey(k.Key)
		masked = append(masked, m)
	}
	r.masked = masked
	return masked
}

// MaskKey obscures the middle of an API key for display.
func MaskKey(key string) string {
	if len(key) > 10 {
		return key[:6] + "***" + key[len(key)-4:]
	}
	if len(key) > 2 {
		return key[:2] + "***"
	}
	return "***"
}

// Summary counts the pool in a single pass, memoised until mutation.
func (r *KeyRegistry) Summary() KeySummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.summary != nil {
		return *r.summary
	}
	s := KeySummary{Total: len(r.keys)}
	for _, k := range r.keys {
		if k.Enabled {
			s.Enabled++
			if k.Healthy {
				s.Healthy++
			} else {
				s.Unhealthy++
			}
		} else {
			s.Disabled++
		}
	}
	r.summary = &s
	return s
}

// BaseURLs returns the distinct base URLs of enabled keys, with the
// credential used to reach each.
func (r *KeyRegistry) BaseURLs() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string)
	for _, k := range r.keys {
		if !k.Enabled {
			continue
		}
		if _, seen := out[k.BaseURL]; !seen {
			out[k.BaseURL] = k.Key
		}
	}
	return out
}

func (r *KeyRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

func (r *KeyRegistry) invalidateLocked() {
	r.summary = nil
	r.masked = nil
}

func (r *KeyRegistry) persist() {
	if r.store != nil {
		r.store.MarkDirty(keysFile)
	}
}

func (r *KeyRegistry) snapshot() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]*BackendKey, len(r.keys))
	for i, k := range r.keys {
		cp := *k
		keys[i] = &cp
	}
	return keysFileShape{Keys: keys, CurrentIndex: r.cursor}
}
