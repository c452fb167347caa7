package proxy

import (
	"net"
	"strconv"
	"strings"
	"sync"
)

const accessFile = "access.json"

type AccessMode string

const (
	AccessDisabled  AccessMode = "disabled"
	AccessWhitelist AccessMode = "whitelist"
	AccessBlacklist AccessMode = "blacklist"
)

// AccessPolicy is the persisted shape of the IP filter.
type AccessPolicy struct {
	Mode      AccessMode `json:"mode"`
	Whitelist []string   `json:"whitelist"`
	Blacklist []string   `json:"blacklist"`
}

// AccessControl filters client IPs. Entries are literal IPv4 addresses or
// IPv4 CIDR ranges.
type AccessControl struct {
	mu     sync.RWMutex
	policy AccessPolicy
	store  *FileStore
	logger *LogMonitor
}

func NewAccessControl(initial AccessPolicy, store *FileStore, logger *LogMonitor) *AccessControl {
	if initial.Mode == "" {
		initial.Mode = AccessDisabled
	}
	ac := &AccessControl{policy: initial, store: store, logger: logger}
	if store != nil {
		var saved AccessPolicy
		if ok, err := store.Load(accessFile, &saved); err != nil {
			logger.Errorf("access: load %s: %v", accessFile, err)
		} else if ok && saved.Mode != "" {
			ac.policy = saved
		}
		store.Register(accessFile, ac.snapshot)
	}
	return ac
}

// NormalizeIP strips IPv4-mapped prefixes and maps IPv6 loopback onto
// 127.0.0.1 so the IPv4 matcher can handle local traffic.
func NormalizeIP(ip string) string {
	ip = strings.TrimPrefix(ip, "::ffff:")
	if ip == "::1" {
		return "127.0.0.1"
	}
	return ip
}

func (ac *AccessControl) IsAllowed(rawIP string) bool {
	ip := NormalizeIP(rawIP)

	ac.mu.RLock()
	policy := ac.policy
	ac.mu.RUnlock()

	switch policy.Mode {
	case AccessWhitelist:
		if len(policy.Whitelist) == 0 {
			return true
		}
		for _, entry := range policy.Whitelist {
			if matchIPEntry(entry, ip) {
				return true
			}
		}
		return false
	case AccessBlacklist:
		for _, entry := range policy.Blacklist {
			if matchIPEntry(entry, ip) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// matchIPEntry compares an IP against a literal address or a CIDR range
// using masked 32-bit comparison.
func matchIPEntry(entry, ip string) bool {
	if !strings.Contains(entry, "/") {
		return entry == ip
	}

	base, bitsStr, _ := strings.Cut(entry, "/")
	bits, err := strconv.Atoi(bitsStr)
	if err != nil || bits < 0 || bits > 32 {
		return false
	}

	ipN, ok1 := ipv4ToUint32(ip)
	baseN, ok2 := ipv4ToUint32(base)
	if !ok1 || !ok2 {
		return false
	}

	var mask uint32
	if bits > 0 {
		mask = ^uint32(0) << (32 - bits)
	}
	return ipN&mask == baseN&mask
}

func ipv4ToUint32(s string) (uint32, bool) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, false
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3]), true
}

func (ac *AccessControl) Policy() AccessPolicy {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.policy
}

func (ac *AccessControl) SetPolicy(policy AccessPolicy) {
	switch policy.Mode {
	case AccessDisabled, AccessWhitelist, AccessBlacklist:
	default:
		policy.Mode = AccessDisabled
	}
	ac.mu.Lock()
	ac.policy = policy
	ac.mu.Unlock()

	if ac.store != nil {
		ac.store.MarkDirty(accessFile)
	}
}

func (ac *AccessControl) snapshot() interface{} {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.policy
}
