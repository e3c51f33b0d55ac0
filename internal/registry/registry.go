// Package registry is the Task Registry (C1): discovers tasks from sources,
// validates and fingerprints them, maintains an in-memory catalog, and
// notifies subscribers of changes. Grounded on the teacher's
// repository-interface read contract plus the Hub's bounded per-subscriber
// channel pattern (server/internal/websocket/hub.go), adapted from a
// pub/sub topic map to a single catalog-wide event stream.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ratchet-run/ratchet/internal/model"
)

// ChangeKind is the event kind emitted on catalog mutation (spec.md §4.1).
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "Added"
	ChangeUpdated ChangeKind = "Updated"
	ChangeRemoved ChangeKind = "Removed"
)

// ChangeEvent is delivered to subscribers on every catalog mutation.
type ChangeEvent struct {
	Kind ChangeKind
	Ref  model.TaskRef
}

// Entry is the in-memory catalog record for one Task version.
type Entry struct {
	Ref          model.TaskRef
	Name         string
	Label        string
	Description  string
	InputSchema  string
	OutputSchema string
	Fingerprint  string
	Content      string
	Tombstoned   bool
	InFlight     int // number of executions currently holding this ContentRef
}

// ContentRef is the content-addressed reference C2 resolves against without
// re-reading files, matching spec.md §3's Fingerprint/ContentRef entity.
type ContentRef struct {
	Ref         model.TaskRef
	Fingerprint string
	Content     string
}

const subscriberBuffer = 64

// subscription decouples catalog.publish from a subscriber's own receive
// rate: publish only ever appends to the subscription's queue (a bounded
// lock, not a channel send), while a dedicated forwarder goroutine drains
// the queue into the subscriber's channel at whatever pace it can consume.
// A slow subscriber therefore only ever blocks its own forwarder — never
// the catalog writer or any other subscriber — matching spec.md §4.1's
// "multi-consumer, loss-less with back-pressure" contract.
type subscription struct {
	out    chan ChangeEvent
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []ChangeEvent
	closed bool
}

func newSubscription() *subscription {
	s := &subscription{out: make(chan ChangeEvent, subscriberBuffer)}
	s.cond = sync.NewCond(&s.mu)
	go s.forward()
	return s
}

func (s *subscription) forward() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.out <- ev
	}
}

func (s *subscription) enqueue(ev ChangeEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Signal()
}

// Catalog is the multi-reader, single-writer in-memory task catalog.
type Catalog struct {
	mu       sync.RWMutex
	byRef    map[model.TaskRef]*Entry
	byName   map[string][]model.TaskRef
	subs     map[chan ChangeEvent]*subscription
	cache    *lru.Cache[string, ContentRef]
	logger   *zap.Logger
	inflight map[model.TaskRef]int
}

// New constructs an empty Catalog with a content cache of the given size
// (config key cache.task_content_cache_size).
func New(logger *zap.Logger, cacheSize int) (*Catalog, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, ContentRef](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("registry: init content cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		byRef:    make(map[model.TaskRef]*Entry),
		byName:   make(map[string][]model.TaskRef),
		subs:     make(map[chan ChangeEvent]*subscription),
		cache:    cache,
		logger:   logger.Named("registry"),
		inflight: make(map[model.TaskRef]int),
	}, nil
}

// Lookup resolves a TaskRef to its ContentRef. Never blocks on I/O — the
// catalog and cache are both purely in-memory (spec.md §4.1 contract).
func (c *Catalog) Lookup(ref model.TaskRef) (ContentRef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.byRef[ref]
	if !ok || e.Tombstoned {
		return ContentRef{}, false
	}
	return ContentRef{Ref: ref, Fingerprint: e.Fingerprint, Content: e.Content}, true
}

// Filter narrows List results by name substring; zero value matches all.
type Filter struct {
	NameContains string
}

// TaskSummary is the lightweight projection returned by List.
type TaskSummary struct {
	Ref         model.TaskRef
	Name        string
	Label       string
	Description string
}

// List returns a consistent-within-this-call snapshot of the catalog.
func (c *Catalog) List(filter Filter) []TaskSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]TaskSummary, 0, len(c.byRef))
	for ref, e := range c.byRef {
		if e.Tombstoned {
			continue
		}
		if filter.NameContains != "" && !strings.Contains(strings.ToLower(e.Name), strings.ToLower(filter.NameContains)) {
			continue
		}
		out = append(out, TaskSummary{Ref: ref, Name: e.Name, Label: e.Label, Description: e.Description})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Ref.Version < out[j].Ref.Version
	})
	return out
}

func (c *Catalog) Describe(ref model.TaskRef) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byRef[ref]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Subscribe returns a channel receiving every ChangeEvent from this point
// forward, loss-less regardless of how slowly the caller drains it: events
// queue in the subscription's own forwarder rather than being dropped
// (spec.md §4.1 "multi-consumer, loss-less with back-pressure; a slow
// consumer slows its own channel only").
func (c *Catalog) Subscribe() <-chan ChangeEvent {
	s := newSubscription()
	c.mu.Lock()
	c.subs[s.out] = s
	c.mu.Unlock()
	return s.out
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (c *Catalog) Unsubscribe(ch <-chan ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for out, s := range c.subs {
		if out == ch {
			delete(c.subs, out)
			s.close()
			return
		}
	}
}

// publish hands ev to every subscription's queue. Enqueue only takes a
// short-lived mutex, never a channel send, so a slow subscriber's forwarder
// goroutine is the only thing that ever blocks — the writer and every other
// subscriber stay unaffected.
func (c *Catalog) publish(ev ChangeEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.subs {
		s.enqueue(ev)
	}
}

// Observed is one (uuid, version, fingerprint, location) tuple produced by
// a source scan (spec.md §4.1 "Algorithm — sync").
type Observed struct {
	Ref          model.TaskRef
	Fingerprint  string
	Name         string
	Label        string
	Description  string
	InputSchema  string
	OutputSchema string
	Content      string
}

// Sync diffs observed tuples against the current catalog, loading and
// validating Added/Updated entries and tombstoning ones no longer observed.
// A fully invalid new version never displaces a previously valid one
// (spec.md §4.1 failure semantics).
func (c *Catalog) Sync(ctx context.Context, observed []Observed, validate func(Observed) error) {
	seen := make(map[model.TaskRef]struct{}, len(observed))

	for _, o := range observed {
		seen[o.Ref] = struct{}{}

		c.mu.RLock()
		existing, had := c.byRef[o.Ref]
		sameFingerprint := had && existing.Fingerprint == o.Fingerprint && !existing.Tombstoned
		c.mu.RUnlock()
		if sameFingerprint {
			continue
		}

		if err := validate(o); err != nil {
			c.logger.Warn("task validation failed, retaining previous version if any",
				zap.String("task_uuid", o.Ref.UUID), zap.String("version", o.Ref.Version), zap.Error(err))
			continue
		}

		entry := &Entry{
			Ref: o.Ref, Name: o.Name, Label: o.Label, Description: o.Description,
			InputSchema: o.InputSchema, OutputSchema: o.OutputSchema,
			Fingerprint: o.Fingerprint, Content: o.Content,
		}

		c.mu.Lock()
		_, existed := c.byRef[o.Ref]
		c.byRef[o.Ref] = entry
		c.byName[o.Name] = appendUnique(c.byName[o.Name], o.Ref)
		c.cache.Add(o.Fingerprint, ContentRef{Ref: o.Ref, Fingerprint: o.Fingerprint, Content: o.Content})
		c.mu.Unlock()

		kind := ChangeAdded
		if existed {
			kind = ChangeUpdated
		}
		c.publish(ChangeEvent{Kind: kind, Ref: o.Ref})
	}

	c.mu.Lock()
	var toTombstone []model.TaskRef
	for ref, e := range c.byRef {
		if e.Tombstoned {
			continue
		}
		if _, ok := seen[ref]; !ok {
			toTombstone = append(toTombstone, ref)
		}
	}
	for _, ref := range toTombstone {
		c.byRef[ref].Tombstoned = true
	}
	c.mu.Unlock()

	for _, ref := range toTombstone {
		c.maybeFinalizeRemoval(ref)
	}
}

// AcquireContentRef increments the in-flight hold count for ref, used by C2
// when dispatching so a tombstoned task isn't deleted mid-execution.
func (c *Catalog) AcquireContentRef(ref model.TaskRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[ref]++
}

// ReleaseContentRef decrements the hold count and finalizes removal if the
// task is tombstoned and no longer referenced (spec.md §4.1).
func (c *Catalog) ReleaseContentRef(ref model.TaskRef) {
	c.mu.Lock()
	if c.inflight[ref] > 0 {
		c.inflight[ref]--
	}
	remaining := c.inflight[ref]
	tombstoned := c.byRef[ref] != nil && c.byRef[ref].Tombstoned
	c.mu.Unlock()

	if tombstoned && remaining == 0 {
		c.maybeFinalizeRemoval(ref)
	}
}

func (c *Catalog) maybeFinalizeRemoval(ref model.TaskRef) {
	c.mu.Lock()
	if c.inflight[ref] > 0 {
		c.mu.Unlock()
		return
	}
	if _, ok := c.byRef[ref]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.byRef, ref)
	delete(c.inflight, ref)
	// publish takes the read lock itself, so the write lock is released first.
	c.mu.Unlock()
	c.publish(ChangeEvent{Kind: ChangeRemoved, Ref: ref})
}

func appendUnique(refs []model.TaskRef, ref model.TaskRef) []model.TaskRef {
	for _, r := range refs {
		if r == ref {
			return refs
		}
	}
	return append(refs, ref)
}

