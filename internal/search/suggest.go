package search

import (
	"strings"
	"sync"
)

// QueryLog 记录服务端最近的查询，容量有限，新的覆盖旧的。
type QueryLog struct {
	mu    sync.Mutex
	items []string
	size  int
}

func NewQueryLog(size int) *QueryLog {
	if size <= 0 {
		size = 200
	}
	return &QueryLog{size: size}
}

// Add 记录一次查询；重复的查询移到最新位置。
func (l *QueryLog) Add(q string) {
	q = strings.TrimSpace(q)
	if q == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, v := range l.items {
		if strings.EqualFold(v, q) {
			l.items = append(l.items[:i], l.items[i+1:]...)
			break
		}
	}
	l.items = append(l.items, q)
	if len(l.items) > l.size {
		l.items = l.items[len(l.items)-l.size:]
	}
}

// Recent 返回最近的查询，最新的在前。
func (l *QueryLog) Recent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.items))
	for i, v := range l.items {
		out[len(l.items)-1-i] = v
	}
	return out
}

// Suggest 按 sources 的顺序收集以 prefix 开头的候选（不区分大小写），去重后最多返回 limit 个。
func Suggest(prefix string, limit int, sources ...[]string) []string {
	p := strings.ToLower(strings.TrimSpace(prefix))
	out := []string{}
	if p == "" {
		return out
	}
	seen := make(map[string]bool)
	for _, src := range sources {
		for _, s := range src {
			s = strings.TrimSpace(s)
			key := strings.ToLower(s)
			if s == "" || seen[key] || !strings.HasPrefix(key, p) {
				continue
			}
			seen[key] = true
			out = append(out, s)
			if limit > 0 && len(out) >= limit {
				return out
			}
		}
	}
	return out
}
