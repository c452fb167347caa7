package proxy

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

const modelListTTL = 60 * time.Second

// ProxyManager wires the registries, the limiter chain and the relay into
// one gin engine. It is the composition root of the gateway.
type ProxyManager struct {
	config  *Config
	logger  *LogMonitor
	metrics *Metrics
	store   *FileStore

	keys     *KeyRegistry
	channels *ChannelRegistry
	selector *Selector
	tokens   *TokenRegistry
	limits   *RateLimitChain
	access   *AccessControl
	stats    *StatsRecorder
	cache    *ResponseCache

	upstream *http.Client // shared relay transport, no overall timeout

	ginEngine *gin.Engine
	startedAt time.Time

	modelsMu      sync.Mutex
	modelsCached  []OpenAIModel
	modelsFetched time.Time

	healthStop chan struct{}
	healthOnce sync.Once
}

func New(config *Config, logger *LogMonitor) (*ProxyManager, error) {
	store, err := NewFileStore(config.DataDir, logger)
	if err != nil {
		return nil, err
	}

	pm := &ProxyManager{
		config:     config,
		logger:     logger,
		metrics:    NewMetrics(),
		store:      store,
		keys:       NewKeyRegistry(config.OllamaBaseURL, store, logger),
		channels:   NewChannelRegistry(store, logger),
		tokens:     NewTokenRegistry(store, logger),
		limits:     NewRateLimitChain(config.RateLimits),
		access:     NewAccessControl(config.AccessPolicy(), store, logger),
		stats:      NewStatsRecorder(store),
		cache:      NewResponseCache(config.CacheSize),
		upstream:   &http.Client{},
		startedAt:  time.Now(),
		healthStop: make(chan struct{}),
	}
	pm.selector = NewSelector(pm.keys, pm.channels)
	pm.limits.StartSweeper()

	pm.ginEngine = gin.New()
	if !config.TrustProxy {
		// ignore X-Forwarded-For unless the operator opted in, ClientIP
		// falls back to the socket peer address
		if err := pm.ginEngine.SetTrustedProxies(nil); err != nil {
			return nil, err
		}
	}
	pm.ginEngine.Use(gin.Recovery())
	pm.setupRoutes()
	return pm, nil
}

func (pm *ProxyManager) setupRoutes() {
	e := pm.ginEngine
	e.Use(pm.requestIDMiddleware())
	e.Use(pm.observabilityMiddleware())
	e.Use(pm.accessMiddleware())

	e.NoRoute(func(c *gin.Context) {
		pm.sendError(c, http.StatusNotFound, "Unknown endpoint: "+c.Request.URL.Path, "not_found")
	})

	e.GET("/health", pm.healthHandler)
	e.GET("/metrics", gin.WrapH(pm.metrics.Handler()))

	api := []gin.HandlerFunc{pm.rateLimitMiddleware(), pm.authMiddleware()}

	// the OpenAI surface is served both under /v1 and at the root, some
	// clients strip the prefix
	for _, prefix := range []string{"/v1", ""} {
		g := e.Group(prefix, api...)
		g.GET("/models", pm.listModelsHandler)
		g.GET("/models/:id", pm.modelHandler)
		g.POST("/chat/completions", pm.chatHandler)
		g.POST("/completions", pm.completionHandler)
		g.POST("/embeddings", pm.embeddingsHandler)
	}

	pm.setupAdminRoutes(e)
}

func (pm *ProxyManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pm.ginEngine.ServeHTTP(w, r)
}

// Shutdown stops background loops and drains pending state writes.
func (pm *ProxyManager) Shutdown() {
	pm.healthOnce.Do(func() { close(pm.healthStop) })
	pm.limits.Stop()
	pm.store.Flush()
}

// StartHealthChecks launches the periodic backend probe loop. A zero or
// negative interval disables it.
func (pm *ProxyManager) StartHealthChecks() {
	interval := time.Duration(pm.config.HealthCheckIntervalSec) * time.Second
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pm.keys.CheckAllHealth(context.Background())
			case <-pm.healthStop:
				return
			}
		}
	}()
}

func (pm *ProxyManager) sendError(c *gin.Context, status int, message, errType string) {
	c.JSON(status, OpenAIErrorResponse{Error: OpenAIError{Message: message, Type: errType}})
}

func (pm *ProxyManager) healthHandler(c *gin.Context) {
	summary := pm.keys.Summary()
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"uptime":   time.Since(pm.startedAt).Round(time.Second).String(),
		"keys":     summary,
		"channels": pm.channels.Len(),
		"tokens":   pm.tokens.Len(),
	})
}

// listModelsHandler fans in /api/tags across every distinct backend and
// returns the deduplicated union, cached for 60 seconds.
func (pm *ProxyManager) listModelsHandler(c *gin.Context) {
	models := pm.aggregatedModels(c.Request.Context())
	if t := authTokenFrom(c); t != nil && len(t.AllowedModels) > 0 {
		filtered := models[:0:0]
		for _, m := range models {
			if pm.tokens.CheckModelAccess(t, m.ID) {
				filtered = append(filtered, m)
			}
		}
		models = filtered
	}
	c.JSON(http.StatusOK, OpenAIModelList{Object: "list", Data: models})
}

func (pm *ProxyManager) modelHandler(c *gin.Context) {
	id := c.Param("id")
	for _, m := range pm.aggregatedModels(c.Request.Context()) {
		if m.ID == id {
			c.JSON(http.StatusOK, m)
			return
		}
	}
	pm.sendError(c, http.StatusNotFound, "Model '"+id+"' not found", "not_found")
}

func (pm *ProxyManager) aggregatedModels(ctx context.Context) []OpenAIModel {
	pm.modelsMu.Lock()
	defer pm.modelsMu.Unlock()

	if pm.modelsCached != nil && time.Since(pm.modelsFetched) < modelListTTL {
		return pm.modelsCached
	}

	endpoints := pm.keys.BaseURLs()
	for _, ch := range pm.channels.List() {
		if !ch.Enabled {
			continue
		}
		if _, seen := endpoints[ch.BaseURL]; !seen {
			key := ""
			if len(ch.APIKeys) > 0 {
				key = ch.APIKeys[0]
			}
			endpoints[ch.BaseURL] = key
		}
	}
	if len(endpoints) == 0 {
		endpoints[pm.config.OllamaBaseURL] = ""
	}

	type result struct{ names []string }
	results := make(chan result, len(endpoints))
	var wg sync.WaitGroup
	for baseURL, apiKey := range endpoints {
		wg.Add(1)
		go func(baseURL, apiKey string) {
			defer wg.Done()
			names, err := pm.fetchTags(ctx, baseURL, apiKey)
			if err != nil {
				pm.logger.Warnf("models: %s: %v", baseURL, err)
				return
			}
			results <- result{names: names}
		}(baseURL, apiKey)
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	now := time.Now().Unix()
	models := []OpenAIModel{}
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		models = append(models, OpenAIModel{
			ID:      name,
			Object:  "model",
			Created: now,
			OwnedBy: "ollama",
		})
	}
	for r := range results {
		for _, name := range r.names {
			add(name)
		}
	}
	// literal channel model entries back-fill backends whose tag probe failed
	for _, ch := range pm.channels.List() {
		if !ch.Enabled {
			continue
		}
		for _, name := range ch.Models {
			if !strings.Contains(name, "*") {
				add(name)
			}
		}
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

	pm.modelsCached = models
	pm.modelsFetched = time.Now()
	return models
}

func (pm *ProxyManager) fetchTags(ctx context.Context, baseURL, apiKey string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", BuildAPIURL(baseURL, "/tags"), nil)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := pm.upstream.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	var names []string
	gjson.GetBytes(body, "models").ForEach(func(_, m gjson.Result) bool {
		name := m.Get("name").String()
		if name == "" {
			name = m.Get("model").String()
		}
		names = append(names, name)
		return true
	})
	return names, nil
}
