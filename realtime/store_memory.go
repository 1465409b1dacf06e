package realtime

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

// in-memory implementation of the `Store` contract
//
// one `MemoryStore` is one client connection. `Attach` creates additional
// connections over the same document tree, which is how multiple sessions
// share an instance in tests and in local/offline mode.
// all values are normalized to the json document model on write, so reads
// and conditional writes compare the same shapes a remote store would hold.

type memoryValueSub struct {
	path     []string
	callback func(value any)
}

type memoryChildSub struct {
	path     []string
	callback func(key string, value any)
	seen     map[string]bool
}

type memoryTree struct {
	mutex     sync.Mutex
	root      map[string]any
	valueSubs map[int]*memoryValueSub
	childSubs map[int]*memoryChildSub
	nextSubId int
	entropy   *ulid.MonotonicEntropy

	// paths touched by the mutation in progress
	pendingChanges [][]string
}

func newMemoryTree() *memoryTree {
	return &memoryTree{
		root:      map[string]any{},
		valueSubs: map[int]*memoryValueSub{},
		childSubs: map[int]*memoryChildSub{},
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
}

type MemoryStore struct {
	tree *memoryTree

	stateLock sync.Mutex

	connected       bool
	disconnectPaths []string

	connectivityCallbacks *CallbackList[func(connected bool)]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tree:                  newMemoryTree(),
		connected:             true,
		connectivityCallbacks: NewCallbackList[func(connected bool)](),
	}
}

// a second connection over the same document tree
func (self *MemoryStore) Attach() *MemoryStore {
	return &MemoryStore{
		tree:                  self.tree,
		connected:             true,
		connectivityCallbacks: NewCallbackList[func(connected bool)](),
	}
}

func (self *MemoryStore) Write(ctx context.Context, path string, value any) error {
	normalized, err := normalizeDocumentValue(value)
	if err != nil {
		return err
	}
	self.tree.apply(func() {
		self.tree.setNode(splitPath(path), normalized)
	})
	return nil
}

func (self *MemoryStore) Update(ctx context.Context, path string, values map[string]any) error {
	base := splitPath(path)
	normalized := map[string][]string{}
	normalizedValues := map[string]any{}
	for key, value := range values {
		normalizedValue, err := normalizeDocumentValue(value)
		if err != nil {
			return err
		}
		normalized[key] = append(slices.Clone(base), splitPath(key)...)
		normalizedValues[key] = normalizedValue
	}
	self.tree.apply(func() {
		for key, nodePath := range normalized {
			self.tree.setNode(nodePath, normalizedValues[key])
		}
	})
	return nil
}

func (self *MemoryStore) Push(ctx context.Context, path string) (string, error) {
	self.tree.mutex.Lock()
	defer self.tree.mutex.Unlock()
	key := ulid.MustNew(ulid.Timestamp(time.Now()), self.tree.entropy)
	return key.String(), nil
}

func (self *MemoryStore) ReadOnce(ctx context.Context, path string) (any, error) {
	self.tree.mutex.Lock()
	defer self.tree.mutex.Unlock()
	value, ok := self.tree.getNode(splitPath(path))
	if !ok {
		return nil, nil
	}
	return copyDocumentValue(value), nil
}

func (self *MemoryStore) CompareAndSwap(ctx context.Context, path string, expect any, value any) (bool, error) {
	normalizedExpect, err := normalizeDocumentValue(expect)
	if err != nil {
		return false, err
	}
	normalizedValue, err := normalizeDocumentValue(value)
	if err != nil {
		return false, err
	}
	swapped := false
	self.tree.apply(func() {
		current, _ := self.tree.getNode(splitPath(path))
		if reflect.DeepEqual(current, normalizedExpect) {
			self.tree.setNode(splitPath(path), normalizedValue)
			swapped = true
		}
	})
	return swapped, nil
}

func (self *MemoryStore) SubscribeValue(path string, callback func(value any)) func() {
	self.tree.mutex.Lock()
	subId := self.tree.nextSubId
	self.tree.nextSubId += 1
	self.tree.valueSubs[subId] = &memoryValueSub{
		path:     splitPath(path),
		callback: callback,
	}
	value, ok := self.tree.getNode(splitPath(path))
	var initial any
	if ok {
		initial = copyDocumentValue(value)
	}
	self.tree.mutex.Unlock()

	// initial snapshot
	callback(initial)

	return func() {
		self.tree.mutex.Lock()
		defer self.tree.mutex.Unlock()
		delete(self.tree.valueSubs, subId)
	}
}

func (self *MemoryStore) SubscribeChildAdded(path string, callback func(key string, value any)) func() {
	self.tree.mutex.Lock()
	defer self.tree.mutex.Unlock()

	// children already present are not replayed
	seen := map[string]bool{}
	if node, ok := self.tree.getNode(splitPath(path)); ok {
		if children, ok := node.(map[string]any); ok {
			for key := range children {
				seen[key] = true
			}
		}
	}

	subId := self.tree.nextSubId
	self.tree.nextSubId += 1
	self.tree.childSubs[subId] = &memoryChildSub{
		path:     splitPath(path),
		callback: callback,
		seen:     seen,
	}
	return func() {
		self.tree.mutex.Lock()
		defer self.tree.mutex.Unlock()
		delete(self.tree.childSubs, subId)
	}
}

func (self *MemoryStore) RegisterRemovalOnDisconnect(ctx context.Context, path string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if !self.connected {
		return fmt.Errorf("connection closed")
	}
	self.disconnectPaths = append(self.disconnectPaths, path)
	return nil
}

func (self *MemoryStore) ServerTimestamp() any {
	return serverTimestampValue{}
}

func (self *MemoryStore) AddConnectivityCallback(callback func(connected bool)) func() {
	callbackId := self.connectivityCallbacks.Add(callback)
	return func() {
		self.connectivityCallbacks.Remove(callbackId)
	}
}

// simulate an abnormal disconnect. the registered removal directives run
// exactly as a remote store would run them server-side.
func (self *MemoryStore) CloseConnection(ctx context.Context) {
	var removalPaths []string
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		removalPaths = self.disconnectPaths
		self.disconnectPaths = nil
	}()
	for _, path := range removalPaths {
		if err := self.Write(ctx, path, nil); err != nil {
			glog.Warningf("[store]disconnect removal %s error = %s\n", path, err)
		}
	}
	self.SetConnected(false)
}

func (self *MemoryStore) SetConnected(connected bool) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.connected != connected {
			self.connected = connected
			changed = true
		}
	}()
	if changed {
		for _, callback := range self.connectivityCallbacks.Get() {
			callback(connected)
		}
	}
}

// run a mutation under the tree lock, then dispatch the collected
// notifications outside the lock so that callbacks can call back into
// the store
func (self *memoryTree) apply(mutate func()) {
	type valueNotification struct {
		callback func(value any)
		value    any
	}
	type childNotification struct {
		callback func(key string, value any)
		key      string
		value    any
	}
	var valueNotifications []valueNotification
	var childNotifications []childNotification

	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		self.pendingChanges = nil
		mutate()
		changes := self.pendingChanges
		self.pendingChanges = nil

		// full snapshot per value subscription whose subtree was touched,
		// uniform with a remote store
		for _, subId := range sortedKeys(self.valueSubs) {
			sub := self.valueSubs[subId]
			if !anyPathRelated(sub.path, changes) {
				continue
			}
			value, ok := self.getNode(sub.path)
			var snapshot any
			if ok {
				snapshot = copyDocumentValue(value)
			}
			valueNotifications = append(valueNotifications, valueNotification{
				callback: sub.callback,
				value:    snapshot,
			})
		}

		for _, subId := range sortedKeys(self.childSubs) {
			sub := self.childSubs[subId]
			if !anyPathRelated(sub.path, changes) {
				continue
			}
			node, ok := self.getNode(sub.path)
			if !ok {
				continue
			}
			children, ok := node.(map[string]any)
			if !ok {
				continue
			}
			childKeys := maps.Keys(children)
			slices.Sort(childKeys)
			for _, key := range childKeys {
				if sub.seen[key] {
					continue
				}
				sub.seen[key] = true
				childNotifications = append(childNotifications, childNotification{
					callback: sub.callback,
					key:      key,
					value:    copyDocumentValue(children[key]),
				})
			}
		}
	}()

	for _, notification := range valueNotifications {
		notification.callback(notification.value)
	}
	for _, notification := range childNotifications {
		notification.callback(notification.key, notification.value)
	}
}

// must be called with `mutex`
func (self *memoryTree) getNode(path []string) (any, bool) {
	var node any = self.root
	for _, part := range path {
		children, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = children[part]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// must be called with `mutex`. nil deletes and prunes empty parents.
func (self *memoryTree) setNode(path []string, value any) {
	self.pendingChanges = append(self.pendingChanges, path)
	if len(path) == 0 {
		if children, ok := value.(map[string]any); ok {
			self.root = children
		} else {
			self.root = map[string]any{}
		}
		return
	}
	if value == nil {
		self.deleteNode(self.root, path)
		return
	}
	parent := self.root
	for _, part := range path[:len(path)-1] {
		child, ok := parent[part].(map[string]any)
		if !ok {
			child = map[string]any{}
			parent[part] = child
		}
		parent = child
	}
	parent[path[len(path)-1]] = value
}

// must be called with `mutex`
func (self *memoryTree) deleteNode(parent map[string]any, path []string) bool {
	if len(path) == 1 {
		delete(parent, path[0])
		return len(parent) == 0
	}
	child, ok := parent[path[0]].(map[string]any)
	if !ok {
		return len(parent) == 0
	}
	if self.deleteNode(child, path[1:]) {
		delete(parent, path[0])
	}
	return len(parent) == 0
}

func splitPath(path string) []string {
	var parts []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// normalize to the json document model, resolving server timestamp
// directives to wall clock millis the way the server side would
func normalizeDocumentValue(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	valueJson, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var normalized any
	if err := json.Unmarshal(valueJson, &normalized); err != nil {
		return nil, err
	}
	return resolveServerTimestamps(normalized), nil
}

func resolveServerTimestamps(value any) any {
	children, ok := value.(map[string]any)
	if !ok {
		return value
	}
	if _, ok := children[".sv"]; ok && len(children) == 1 {
		return float64(epochMillis(time.Now()))
	}
	for key, child := range children {
		children[key] = resolveServerTimestamps(child)
	}
	return value
}

func copyDocumentValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			out[key] = copyDocumentValue(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = copyDocumentValue(child)
		}
		return out
	default:
		return value
	}
}

func sortedKeys[V any](m map[int]V) []int {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

func anyPathRelated(subPath []string, changes [][]string) bool {
	for _, changed := range changes {
		if pathsRelated(subPath, changed) {
			return true
		}
	}
	return false
}

// either path is an ancestor of (or equal to) the other
func pathsRelated(a []string, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	return slices.Equal(a[:n], b[:n])
}
