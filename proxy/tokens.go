package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const tokensFile = "tokens.json"
const tokenPrefix = "sk-o2o-"
const usageRetentionDays = 90

// AuthToken is a client-facing bearer credential issued by the gateway,
// distinct from backend keys.
type AuthToken struct {
	ID            string   `json:"id"`
	Token         string   `json:"token"`
	TokenHash     string   `json:"tokenHash"` // SHA-256, for a future hash-only store
	Name          string   `json:"name,omitempty"`
	Enabled       bool     `json:"enabled"`
	CreatedAt     string   `json:"createdAt"`
	ExpiresAt     string   `json:"expiresAt,omitempty"`
	Quota         int64    `json:"quota,omitempty"` // monthly token budget, 0 = unlimited
	QuotaUsed     int64    `json:"quotaUsed"`
	QuotaResetAt  string   `json:"quotaResetAt,omitempty"`
	AllowedModels []string `json:"allowedModels,omitempty"`
	AllowedIPs    []string `json:"allowedIPs,omitempty"`
	TotalRequests int64    `json:"totalRequests"`
	TotalTokens   int64    `json:"totalTokens"`
	LastUsed      string   `json:"lastUsed,omitempty"`

	// RateLimit overrides the token window of the shared limiter.
	RateLimit *TokenRateLimit `json:"rateLimit,omitempty"`
}

type TokenRateLimit struct {
	MaxRequests int   `json:"maxRequests"`
	WindowMs    int64 `json:"windowMs"`
}

// TokenOptions configures CreateToken.
type TokenOptions struct {
	Name          string          `json:"name"`
	ExpiresAt     string          `json:"expiresAt"`
	Quota         int64           `json:"quota"`
	AllowedModels []string        `json:"allowedModels"`
	AllowedIPs    []string        `json:"allowedIPs"`
	RateLimit     *TokenRateLimit `json:"rateLimit"`
}

type TokenValidation struct {
	Valid bool
	Token *AuthToken
	Error string
}

// DayUsage is the per-token per-day usage record.
type DayUsage struct {
	Requests         int64 `json:"requests"`
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
}

type UsageSummary struct {
	Requests         int64 `json:"requests"`
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
}

type tokensFileShape struct {
	Tokens     []*AuthToken                    `json:"tokens"`
	UsageStats map[string]map[string]*DayUsage `json:"usageStats"`
}

// TokenRegistry owns auth tokens and their usage records. Lookup by the
// plain bearer string is O(1) through a live map.
type TokenRegistry struct {
	mu      sync.Mutex
	tokens  []*AuthToken
	byID    map[string]*AuthToken
	byPlain map[string]*AuthToken
	usage   map[string]map[string]*DayUsage // token id -> date -> usage
	store   *FileStore
	logger  *LogMonitor
	now     func() time.Time
}

func NewTokenRegistry(store *FileStore, logger *LogMonitor) *TokenRegistry {
	r := &TokenRegistry{
		byID:    make(map[string]*AuthToken),
		byPlain: make(map[string]*AuthToken),
		usage:   make(map[string]map[string]*DayUsage),
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
	if store != nil {
		var saved tokensFileShape
		if ok, err := store.Load(tokensFile, &saved); err != nil {
			logger.Errorf("tokens: load %s: %v", tokensFile, err)
		} else if ok {
			r.tokens = saved.Tokens
			if saved.UsageStats != nil {
				r.usage = saved.UsageStats
			}
		}
		store.Register(tokensFile, r.snapshot)
	}

	// one pass: rebuild the lookup maps and reset stale quotas
	now := r.now()
	dirty := false
	for _, t := range r.tokens {
		r.byID[t.ID] = t
		r.byPlain[t.Token] = t
		if r.resetQuotaIfDue(t, now) {
			dirty = true
		}
	}
	if dirty {
		r.persist()
	}
	return r
}

func (r *TokenRegistry) CreateToken(opts TokenOptions) *AuthToken {
	plain := tokenPrefix + randomString(48, hexDigits)
	hash := sha256.Sum256([]byte(plain))

	t := &AuthToken{
		ID:            "tok-" + randomString(8, hexDigits),
		Token:         plain,
		TokenHash:     hex.EncodeToString(hash[:]),
		Name:          opts.Name,
		Enabled:       true,
		CreatedAt:     r.now().UTC().Format(time.RFC3339),
		ExpiresAt:     opts.ExpiresAt,
		Quota:         opts.Quota,
		AllowedModels: opts.AllowedModels,
		AllowedIPs:    opts.AllowedIPs,
		RateLimit:     opts.RateLimit,
	}
	if t.Quota > 0 {
		t.QuotaResetAt = firstOfNextMonth(r.now()).Format(time.RFC3339)
	}

	r.mu.Lock()
	r.tokens = append(r.tokens, t)
	r.byID[t.ID] = t
	r.byPlain[t.Token] = t
	r.mu.Unlock()

	r.persist()
	return t
}

// ValidateToken checks existence, enabled, expiry and quota, in that
// order; the first failure wins.
func (r *TokenRegistry) ValidateToken(plain string) TokenValidation {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byPlain[plain]
	if !ok {
		return TokenValidation{Error: "Invalid token"}
	}
	if !t.Enabled {
		return TokenValidation{Error: "Token disabled"}
	}
	if t.ExpiresAt != "" {
		if exp, err := time.Parse(time.RFC3339, t.ExpiresAt); err == nil && r.now().After(exp) {
			return TokenValidation{Error: "Token expired"}
		}
	}
	if r.resetQuotaIfDue(t, r.now()) {
		defer r.persist()
	}
	if t.Quota > 0 && t.QuotaUsed >= t.Quota {
		return TokenValidation{Error: "Quota exceeded"}
	}
	return TokenValidation{Valid: true, Token: t}
}

// resetQuotaIfDue performs the idempotent monthly reset: quotaUsed back to
// zero, next reset at the first of the following month UTC.
func (r *TokenRegistry) resetQuotaIfDue(t *AuthToken, now time.Time) bool {
	if t.Quota <= 0 || t.QuotaResetAt == "" {
		return false
	}
	resetAt, err := time.Parse(time.RFC3339, t.QuotaResetAt)
	if err != nil || now.Before(resetAt) {
		return false
	}
	t.QuotaUsed = 0
	t.QuotaResetAt = firstOfNextMonth(now).Format(time.RFC3339)
	return true
}

func firstOfNextMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// CheckModelAccess applies the token's allowed-model globs. An empty list
// permits every model.
func (r *TokenRegistry) CheckModelAccess(t *AuthToken, model string) bool {
	if t == nil || len(t.AllowedModels) == 0 {
		return true
	}
	for _, pattern := range t.AllowedModels {
		if matchModelPattern(pattern, model) {
			return true
		}
	}
	return false
}

// CheckIPAccess applies the token's source-IP scope by exact membership.
func (r *TokenRegistry) CheckIPAccess(t *AuthToken, ip string) bool {
	if t == nil || len(t.AllowedIPs) == 0 {
		return true
	}
	for _, allowed := range t.AllowedIPs {
		if allowed == ip {
			return true
		}
	}
	return false
}

// RecordUsage atomically applies one request's token counts to the token
// and its per-day usage record (UTC date partition).
func (r *TokenRegistry) RecordUsage(id string, promptTokens, completionTokens int) {
	now := r.now().UTC()
	date := now.Format("2006-01-02")

	r.mu.Lock()
	t, ok := r.byID[id]
	if ok {
		t.TotalRequests++
		t.TotalTokens += int64(promptTokens + completionTokens)
		t.QuotaUsed += int64(promptTokens + completionTokens)
		t.LastUsed = now.Format(time.RFC3339)

		days := r.usage[id]
		if days == nil {
			days = make(map[string]*DayUsage)
			r.usage[id] = days
		}
		day := days[date]
		if day == nil {
			day = &DayUsage{}
			days[date] = day
			r.trimUsageLocked(now)
		}
		day.Requests++
		day.PromptTokens += int64(promptTokens)
		day.CompletionTokens += int64(completionTokens)
	}
	r.mu.Unlock()

	if ok {
		r.persist()
	}
}

func (r *TokenRegistry) trimUsageLocked(now time.Time) {
	cutoff := now.AddDate(0, 0, -usageRetentionDays).Format("2006-01-02")
	for _, days := range r.usage {
		for date := range days {
			if date < cutoff {
				delete(days, date)
			}
		}
	}
}

// AggregateUsage sums usage across all tokens for the last n calendar
// days, including today.
func (r *TokenRegistry) AggregateUsage(days int) UsageSummary {
	if days < 1 {
		days = 1
	}
	cutoff := r.now().UTC().AddDate(0, 0, -(days - 1)).Format("2006-01-02")

	r.mu.Lock()
	defer r.mu.Unlock()

	var sum UsageSummary
	for _, byDate := range r.usage {
		for date, u := range byDate {
			if date >= cutoff {
				sum.Requests += u.Requests
				sum.PromptTokens += u.PromptTokens
				sum.CompletionTokens += u.CompletionTokens
			}
		}
	}
	return sum
}

func (r *TokenRegistry) RemoveToken(id string) bool {
	r.mu.Lock()
	removed := false
	for i, t := range r.tokens {
		if t.ID == id {
			r.tokens = append(r.tokens[:i], r.tokens[i+1:]...)
			delete(r.byID, t.ID)
			delete(r.byPlain, t.Token)
			delete(r.usage, t.ID)
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

func (r *TokenRegistry) ToggleToken(id string) *AuthToken {
	r.mu.Lock()
	t := r.byID[id]
	if t != nil {
		t.Enabled = !t.Enabled
	}
	r.mu.Unlock()

	if t != nil {
		r.persist()
	}
	return t
}

// List returns token copies with the plain string masked.
func (r *TokenRegistry) List() []AuthToken {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]AuthToken, 0, len(r.tokens))
	for _, t := range r.tokens {
		cp := *t
		cp.Token = MaskKey(t.Token)
		out = append(out, cp)
	}
	return out
}

func (r *TokenRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

func (r *TokenRegistry) persist() {
	if r.store != nil {
		r.store.MarkDirty(tokensFile)
	}
}

func (r *TokenRegistry) snapshot() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	tokens := make([]*AuthToken, len(r.tokens))
	for i, t := range r.tokens {
		cp := *t
		tokens[i] = &cp
	}
	usage := make(map[string]map[string]*DayUsage, len(r.usage))
	for id, days := range r.usage {
		cpDays := make(map[string]*DayUsage, len(days))
		for date, u := range days {
			cu := *u
			cpDays[date] = &cu
		}
		usage[id] = cpDays
	}
	return tokensFileShape{Tokens: tokens, UsageStats: usage}
}
