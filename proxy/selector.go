package proxy

import (
	"math/rand"
	"sync"
	"time"
)

// Selection is the outcome of picking a backend for one request.
type Selection struct {
	KeyID     string // flat-regime credential id, empty in channel regime
	ChannelID string // channel id, empty in flat regime
	APIKey    string
	BaseURL   string
	Model     string // requested model after any channel remap

	releaseOnce sync.Once
	release     func()
}

// Release frees the channel concurrency slot. Safe to call more than
// once; only the first call decrements.
func (s *Selection) Release() {
	if s.release != nil {
		s.releaseOnce.Do(s.release)
	}
}

// Selector picks a backend for a requested model. With channels present
// it routes over channels (priority, then weighted pick, then per-channel
// key round-robin); otherwise it round-robins the flat credential pool.
type Selector struct {
	keys     *KeyRegistry
	channels *ChannelRegistry

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSelector(keys *KeyRegistry, channels *ChannelRegistry) *Selector {
	return &Selector{
		keys:     keys,
		channels: channels,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Selector) Select(model string) (*Selection, error) {
	if s.channels != nil && s.channels.Len() > 0 {
		if sel := s.selectChannel(model); sel != nil {
			return sel, nil
		}
		return nil, ErrNoBackends
	}

	key := s.keys.NextKey()
	if key == nil {
		return nil, ErrNoBackends
	}
	return &Selection{
		KeyID:   key.ID,
		APIKey:  key.Key,
		BaseURL: key.BaseURL,
		Model:   model,
	}, nil
}

func (s *Selector) selectChannel(model string) *Selection {
	r := s.channels

	r.mu.Lock()
	defer r.mu.Unlock()

	// eligible: enabled, healthy, below concurrency cap, model permitted
	candidates := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		if !ch.Enabled || !ch.Healthy {
			continue
		}
		if ch.MaxConcurrent > 0 && ch.CurrentConcurrent >= ch.MaxConcurrent {
			continue
		}
		if !ch.modelPermitted(model) {
			continue
		}
		candidates = append(candidates, ch)
	}
	if len(candidates) == 0 {
		return nil
	}

	// keep only the highest-priority tier
	best := candidates[0].Priority
	for _, ch := range candidates[1:] {
		if ch.Priority > best {
			best = ch.Priority
		}
	}
	tier := candidates[:0]
	for _, ch := range candidates {
		if ch.Priority == best {
			tier = append(tier, ch)
		}
	}

	var chosen *Channel
	if len(tier) == 1 {
		chosen = tier[0]
	} else {
		total := 0
		for _, ch := range tier {
			total += ch.Weight
		}
		s.mu.Lock()
		pick := s.rng.Intn(total)
		s.mu.Unlock()
		for _, ch := range tier {
			pick -= ch.Weight
			if pick < 0 {
				chosen = ch
				break
			}
		}
	}

	apiKey := ""
	if len(chosen.APIKeys) > 0 {
		apiKey = chosen.APIKeys[chosen.cursor%len(chosen.APIKeys)]
		chosen.cursor++
	}

	resolved := model
	if mapped, ok := chosen.ModelMapping[model]; ok {
		resolved = mapped
	}

	chosen.CurrentConcurrent++
	id := chosen.ID

	return &Selection{
		ChannelID: id,
		APIKey:    apiKey,
		BaseURL:   chosen.BaseURL,
		Model:     resolved,
		release:   func() { r.ReleaseSlot(id) },
	}
}
