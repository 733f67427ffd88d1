package entity

import (
	"fmt"
	"sync"

	apperrors "github.com/louisbranch/story-engine/internal/errors"
)

var (
	// ErrDuplicateID indicates an insert with an already-registered uid.
	ErrDuplicateID = apperrors.New(apperrors.CodeDuplicateID, "item with this uid is already registered")
	// ErrNotFound indicates a lookup for an unregistered uid.
	ErrNotFound = apperrors.New(apperrors.CodeNotFound, "item not found")
)

// Provider is implemented by items that declare provision keys they can
// satisfy. The registry maintains a secondary index over these keys so
// provider lookup is O(provides) instead of a full scan.
type Provider interface {
	Provides() []string
}

// Registry owns a mapping of uid to item with deterministic iteration order
// and criteria-based search.
type Registry[V Item] struct {
	mu       sync.RWMutex
	items    map[string]V
	order    []string
	provides map[string][]string
}

// NewRegistry creates an empty registry.
func NewRegistry[V Item]() *Registry[V] {
	return &Registry[V]{
		items:    make(map[string]V),
		provides: make(map[string][]string),
	}
}

// Add registers an item. Inserting a uid that is already present fails with
// ErrDuplicateID instead of silently overwriting.
func (r *Registry[V]) Add(item V) error {
	uid := item.ID()
	if uid == "" {
		return apperrors.New(apperrors.CodeRequirementInvalid, "item uid is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[uid]; exists {
		return fmt.Errorf("add %q: %w", uid, ErrDuplicateID)
	}
	r.insertLocked(uid, item)
	return nil
}

// Put registers an item, replacing any existing item with the same uid.
// The replacement keeps the original insertion position so iteration order
// stays stable.
func (r *Registry[V]) Put(item V) error {
	uid := item.ID()
	if uid == "" {
		return apperrors.New(apperrors.CodeRequirementInvalid, "item uid is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[uid]; exists {
		r.removeProvidesLocked(uid)
		r.items[uid] = item
		r.indexProvidesLocked(uid, item)
		return nil
	}
	r.insertLocked(uid, item)
	return nil
}

func (r *Registry[V]) insertLocked(uid string, item V) {
	r.items[uid] = item
	r.order = append(r.order, uid)
	r.indexProvidesLocked(uid, item)
}

func (r *Registry[V]) indexProvidesLocked(uid string, item V) {
	provider, ok := any(item).(Provider)
	if !ok {
		return
	}
	for _, key := range provider.Provides() {
		r.provides[key] = append(r.provides[key], uid)
	}
}

func (r *Registry[V]) removeProvidesLocked(uid string) {
	for key, uids := range r.provides {
		filtered := uids[:0]
		for _, u := range uids {
			if u != uid {
				filtered = append(filtered, u)
			}
		}
		if len(filtered) == 0 {
			delete(r.provides, key)
			continue
		}
		r.provides[key] = filtered
	}
}

// Get returns the item registered under uid.
func (r *Registry[V]) Get(uid string) (V, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[uid]
	if !ok {
		var zero V
		return zero, fmt.Errorf("get %q: %w", uid, ErrNotFound)
	}
	return item, nil
}

// Has reports whether uid is registered.
func (r *Registry[V]) Has(uid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.items[uid]
	return ok
}

// Remove unregisters an item. Removing an unknown uid is an error.
func (r *Registry[V]) Remove(uid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[uid]; !ok {
		return fmt.Errorf("remove %q: %w", uid, ErrNotFound)
	}
	delete(r.items, uid)
	for i, u := range r.order {
		if u == uid {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.removeProvidesLocked(uid)
	return nil
}

// Len returns the number of registered items.
func (r *Registry[V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// List returns all items in insertion order.
func (r *Registry[V]) List() []V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]V, 0, len(r.order))
	for _, uid := range r.order {
		items = append(items, r.items[uid])
	}
	return items
}

// Find returns all items matching the criteria conjunction, in insertion
// order. An unknown criterion fails loudly.
func (r *Registry[V]) Find(criteria Criteria) ([]V, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []V
	for _, uid := range r.candidatesLocked(criteria) {
		item := r.items[uid]
		ok, err := Matches(item, criteria)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, item)
		}
	}
	return matches, nil
}

// FindOne returns the first item matching the criteria, or ErrNotFound.
func (r *Registry[V]) FindOne(criteria Criteria) (V, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, uid := range r.candidatesLocked(criteria) {
		item := r.items[uid]
		ok, err := Matches(item, criteria)
		if err != nil {
			var zero V
			return zero, err
		}
		if ok {
			return item, nil
		}
	}
	var zero V
	return zero, ErrNotFound
}

// FindProviders returns items indexed under the given provision key, in
// registration order.
func (r *Registry[V]) FindProviders(key string) []V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uids := r.provides[key]
	items := make([]V, 0, len(uids))
	for _, uid := range uids {
		if item, ok := r.items[uid]; ok {
			items = append(items, item)
		}
	}
	return items
}

// candidatesLocked narrows the scan set using the provides index when the
// criteria carry a "provides" key; otherwise every item is a candidate.
func (r *Registry[V]) candidatesLocked(criteria Criteria) []string {
	if key, ok := criteria["provides"].(string); ok {
		return r.provides[key]
	}
	return r.order
}
