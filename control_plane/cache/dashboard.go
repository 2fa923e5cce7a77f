package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/observability"
)

// DashboardSnapshot is an immutable view of the dashboard. Entries keep the
// order in which pipelines were first added.
type DashboardSnapshot struct {
	Entries []*domain.DashboardPipeline
	Version uint64
	ETag    string

	byName map[string]int
}

// Get looks up a pipeline by name, ignoring case.
func (s *DashboardSnapshot) Get(name string) *domain.DashboardPipeline {
	i, ok := s.byName[strings.ToLower(name)]
	if !ok {
		return nil
	}
	return s.Entries[i]
}

// VisibleTo filters the entries by group permissions.
func (s *DashboardSnapshot) VisibleTo(user string, admin bool) []*domain.DashboardPipeline {
	out := make([]*domain.DashboardPipeline, 0, len(s.Entries))
	for _, p := range s.Entries {
		if p.CanBeViewedBy(user, admin) {
			out = append(out, p)
		}
	}
	return out
}

func newSnapshot(entries []*domain.DashboardPipeline, version uint64) *DashboardSnapshot {
	s := &DashboardSnapshot{
		Entries: entries,
		Version: version,
		byName:  make(map[string]int, len(entries)),
	}
	h := sha256.New()
	for i, p := range entries {
		s.byName[strings.ToLower(p.Name)] = i
		h.Write([]byte(p.Fingerprint))
		h.Write([]byte{'\n'})
	}
	s.ETag = hex.EncodeToString(h.Sum(nil))
	return s
}

// DashboardCache holds the current dashboard. Readers get the whole snapshot
// through one atomic load, so they never see a half-applied replace.
type DashboardCache struct {
	mu       sync.Mutex // serializes writers
	current  atomic.Pointer[DashboardSnapshot]
	onChange []func(*DashboardSnapshot)
}

func NewDashboardCache() *DashboardCache {
	c := &DashboardCache{}
	c.current.Store(newSnapshot(nil, 0))
	return c
}

// OnChange registers fn to be called after every snapshot swap. Must be
// called before the cache is written to.
func (c *DashboardCache) OnChange(fn func(*DashboardSnapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

func (c *DashboardCache) Snapshot() *DashboardSnapshot {
	return c.current.Load()
}

func (c *DashboardCache) Get(name string) *domain.DashboardPipeline {
	return c.Snapshot().Get(name)
}

// Put adds or replaces one pipeline. Putting an identical entry is a no-op.
func (c *DashboardCache) Put(p *domain.DashboardPipeline) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current.Load()
	entries := make([]*domain.DashboardPipeline, len(cur.Entries), len(cur.Entries)+1)
	copy(entries, cur.Entries)

	if i, ok := cur.byName[strings.ToLower(p.Name)]; ok {
		if entries[i].Fingerprint == p.Fingerprint {
			return
		}
		entries[i] = p
	} else {
		entries = append(entries, p)
	}
	c.swap(newSnapshot(entries, cur.Version+1))
}

// ReplaceAllEntriesInCacheWith swaps in a whole new dashboard.
func (c *DashboardCache) ReplaceAllEntriesInCacheWith(pipelines []*domain.DashboardPipeline) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]*domain.DashboardPipeline, 0, len(pipelines))
	seen := make(map[string]int, len(pipelines))
	for _, p := range pipelines {
		key := strings.ToLower(p.Name)
		if i, dup := seen[key]; dup {
			entries[i] = p
			continue
		}
		seen[key] = len(entries)
		entries = append(entries, p)
	}
	c.swap(newSnapshot(entries, c.current.Load().Version+1))
}

// swap must be called with mu held.
func (c *DashboardCache) swap(s *DashboardSnapshot) {
	c.current.Store(s)
	observability.DashboardPipelines.Set(float64(len(s.Entries)))
	for _, fn := range c.onChange {
		fn(s)
	}
}
