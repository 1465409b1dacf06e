package realtime

import (
	"reflect"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// replicated collection sync, the one pattern all three services share:
// mirror a remote subtree into a local cache of typed entities, and on
// every snapshot classify each id as added, updated (deep-unequal), or
// removed. removed changes carry the last known value so listeners can
// reference final state.

type ChangeType string

const (
	ChangeTypeAdded   ChangeType = "added"
	ChangeTypeUpdated ChangeType = "updated"
	ChangeTypeRemoved ChangeType = "removed"
)

type collectionChange[T any] struct {
	id         string
	value      *T
	changeType ChangeType
}

type replicatedCollection[T any] struct {
	tag string

	mutex   sync.Mutex
	entries map[string]*T
}

func newReplicatedCollection[T any](tag string) *replicatedCollection[T] {
	return &replicatedCollection[T]{
		tag:     tag,
		entries: map[string]*T{},
	}
}

// diff a full subtree snapshot against the cache.
// changes are ordered by id within each class: added, updated, removed.
func (self *replicatedCollection[T]) apply(snapshot any) []collectionChange[T] {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	children, ok := snapshot.(map[string]any)
	if !ok && snapshot != nil {
		glog.Warningf("[%s]snapshot is not a collection\n", self.tag)
		return nil
	}

	var changes []collectionChange[T]

	currentIds := maps.Keys(children)
	slices.Sort(currentIds)
	for _, id := range currentIds {
		value, err := decodeValue[T](children[id])
		if err != nil {
			glog.Warningf("[%s]decode %s error = %s\n", self.tag, id, err)
			continue
		}
		previous, ok := self.entries[id]
		if !ok {
			self.entries[id] = value
			changes = append(changes, collectionChange[T]{
				id:         id,
				value:      value,
				changeType: ChangeTypeAdded,
			})
		} else if !reflect.DeepEqual(previous, value) {
			self.entries[id] = value
			changes = append(changes, collectionChange[T]{
				id:         id,
				value:      value,
				changeType: ChangeTypeUpdated,
			})
		}
	}

	cachedIds := maps.Keys(self.entries)
	slices.Sort(cachedIds)
	for _, id := range cachedIds {
		if _, ok := children[id]; !ok {
			lastKnown := self.entries[id]
			delete(self.entries, id)
			changes = append(changes, collectionChange[T]{
				id:         id,
				value:      lastKnown,
				changeType: ChangeTypeRemoved,
			})
		}
	}

	return changes
}

// a copy, safe for the caller to hold
func (self *replicatedCollection[T]) get(id string) *T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	entry, ok := self.entries[id]
	if !ok {
		return nil
	}
	out := *entry
	return &out
}

func (self *replicatedCollection[T]) getAll() map[string]*T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make(map[string]*T, len(self.entries))
	for id, entry := range self.entries {
		entryCopy := *entry
		out[id] = &entryCopy
	}
	return out
}

func (self *replicatedCollection[T]) clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	maps.Clear(self.entries)
}
