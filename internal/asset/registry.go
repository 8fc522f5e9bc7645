package asset

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Asset 表示一个可交易标的。Tier 只用于过滤与调度优先级。
type Asset struct {
	ID     string `json:"id"`
	Ticker string `json:"ticker"`
	Tier   int    `json:"tier"`
}

// NormalizeTicker 规范化交易对写法：去空白、转大写、缺省补 USDT 后缀。
func NormalizeTicker(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if !strings.HasSuffix(s, "USDT") {
		s += "USDT"
	}
	return s
}

// Registry 维护静态配置的标的清单，按 ticker 去重。
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]Asset
	sorted []Asset
}

// NewRegistry 根据配置清单构建 Registry；重复 ticker 保留先出现的条目。
func NewRegistry(assets []Asset) (*Registry, error) {
	r := &Registry{byID: make(map[string]Asset, len(assets))}
	for _, a := range assets {
		a.Ticker = NormalizeTicker(a.Ticker)
		if a.Ticker == "" {
			continue
		}
		if a.ID == "" {
			a.ID = a.Ticker
		}
		if a.Tier <= 0 {
			a.Tier = 4
		}
		if _, ok := r.byID[a.ID]; ok {
			continue
		}
		r.byID[a.ID] = a
		r.sorted = append(r.sorted, a)
	}
	if len(r.sorted) == 0 {
		return nil, fmt.Errorf("标的清单为空")
	}
	sort.Slice(r.sorted, func(i, j int) bool {
		if r.sorted[i].Tier != r.sorted[j].Tier {
			return r.sorted[i].Tier < r.sorted[j].Tier
		}
		return r.sorted[i].Ticker < r.sorted[j].Ticker
	})
	return r, nil
}

// Get 按 id 查找。
func (r *Registry) Get(id string) (Asset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	return a, ok
}

// List 返回全部标的（tier 升序、ticker 升序）。
func (r *Registry) List() []Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Asset, len(r.sorted))
	copy(out, r.sorted)
	return out
}

// ListByTier 返回 tier ≤ maxTier 的标的；maxTier ≤ 0 表示不过滤。
func (r *Registry) ListByTier(maxTier int) []Asset {
	if maxTier <= 0 {
		return r.List()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Asset, 0, len(r.sorted))
	for _, a := range r.sorted {
		if a.Tier <= maxTier {
			out = append(out, a)
		}
	}
	return out
}
