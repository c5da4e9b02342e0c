// Package store is an in-memory entity store for the demo broker. Every
// mutation goes through a collector transaction so subscribers hear about it
// once the change is applied, and never about a change that failed.
package store

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/collector"
	"github.com/dgnsrekt/pimnotify/internal/entity"
	"github.com/dgnsrekt/pimnotify/internal/entitycache"
)

var (
	ErrNotFound      = errors.New("entity not found")
	ErrInvalidChange = errors.New("invalid change")
)

type relationKey struct {
	left, right int64
	typ         string
}

type data struct {
	collections map[int64]entity.Collection
	items       map[int64]entity.Item
	tags        map[int64]entity.Tag
	relations   map[relationKey]entity.Relation
	// links holds items referenced from virtual collections.
	links  map[int64]map[int64]struct{}
	nextID int64
}

func (d *data) clone() *data {
	links := make(map[int64]map[int64]struct{}, len(d.links))
	for col, set := range d.links {
		links[col] = maps.Clone(set)
	}
	return &data{
		collections: maps.Clone(d.collections),
		items:       maps.Clone(d.items),
		tags:        maps.Clone(d.tags),
		relations:   maps.Clone(d.relations),
		links:       links,
		nextID:      d.nextID,
	}
}

// Store holds collections, items, tags and relations.
type Store struct {
	mu        sync.RWMutex
	d         *data
	publisher collector.Publisher
	logger    *zap.Logger
}

// New creates an empty store whose changes are published to p.
func New(p collector.Publisher, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		d: &data{
			collections: make(map[int64]entity.Collection),
			items:       make(map[int64]entity.Item),
			tags:        make(map[int64]entity.Tag),
			relations:   make(map[relationKey]entity.Relation),
			links:       make(map[int64]map[int64]struct{}),
		},
		publisher: p,
		logger:    logger,
	}
}

func lookup[T any](m map[int64]T, ids []int64) map[int64]T {
	out := make(map[int64]T, len(ids))
	for _, id := range ids {
		if v, ok := m[id]; ok {
			out[id] = v
		}
	}
	return out
}

// Collections returns the stored collections among ids.
func (s *Store) Collections(ids []int64) map[int64]entity.Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookup(s.d.collections, ids)
}

func (s *Store) Items(ids []int64) map[int64]entity.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookup(s.d.items, ids)
}

func (s *Store) Tags(ids []int64) map[int64]entity.Tag {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookup(s.d.tags, ids)
}

// Relations lists all relations, ordered by their endpoints.
func (s *Store) Relations() []entity.Relation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rels := slices.Collect(maps.Values(s.d.relations))
	slices.SortFunc(rels, func(a, b entity.Relation) int {
		if c := cmp.Compare(a.Left, b.Left); c != 0 {
			return c
		}
		return cmp.Compare(a.Right, b.Right)
	})
	return rels
}

// Counts reports how many entities of each kind are stored.
func (s *Store) Counts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]int{
		"collections": len(s.d.collections),
		"items":       len(s.d.items),
		"tags":        len(s.d.tags),
		"relations":   len(s.d.relations),
	}
}

// CollectionFetcher resolves collections for in-process monitors.
func (s *Store) CollectionFetcher() entitycache.Fetcher[entity.Collection] {
	return entitycache.FetcherFunc[entity.Collection](func(_ context.Context, ids []int64) (map[int64]entity.Collection, error) {
		return s.Collections(ids), nil
	})
}

func (s *Store) ItemFetcher() entitycache.Fetcher[entity.Item] {
	return entitycache.FetcherFunc[entity.Item](func(_ context.Context, ids []int64) (map[int64]entity.Item, error) {
		return s.Items(ids), nil
	})
}

func (s *Store) TagFetcher() entitycache.Fetcher[entity.Tag] {
	return entitycache.FetcherFunc[entity.Tag](func(_ context.Context, ids []int64) (map[int64]entity.Tag, error) {
		return s.Tags(ids), nil
	})
}
