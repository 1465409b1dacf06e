package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"
)

// replicates the local actor's presence to the shared store and mirrors
// all actors in the instance into a local cache

type ActorChangeType string

const (
	ActorChangeTypeJoined  ActorChangeType = "joined"
	ActorChangeTypeUpdated ActorChangeType = "updated"
	ActorChangeTypeLeft    ActorChangeType = "left"
)

type ActorChangeFunction = func(actorId string, actor *Actor, changeType ActorChangeType)

type ActorServiceSettings struct {
	// transform updates inside this window of the previous accepted
	// update are dropped, not queued
	UpdateThrottle time.Duration
	Clock          clock.Clock
}

func DefaultActorServiceSettings() *ActorServiceSettings {
	return &ActorServiceSettings{
		UpdateThrottle: 50 * time.Millisecond,
		Clock:          clock.New(),
	}
}

type ActorService struct {
	ctx   context.Context
	store Store

	settings *ActorServiceSettings

	stateLock sync.Mutex

	spaceId      string
	instanceId   string
	localActorId string
	active       bool

	lastTransformTime time.Time

	replica     *replicatedCollection[Actor]
	unsubscribe func()

	actorChangeCallbacks *CallbackList[ActorChangeFunction]
}

func NewActorServiceWithDefaults(ctx context.Context, store Store) *ActorService {
	return NewActorService(ctx, store, DefaultActorServiceSettings())
}

func NewActorService(ctx context.Context, store Store, settings *ActorServiceSettings) *ActorService {
	return &ActorService{
		ctx:                  ctx,
		store:                store,
		settings:             settings,
		replica:              newReplicatedCollection[Actor]("actor"),
		actorChangeCallbacks: NewCallbackList[ActorChangeFunction](),
	}
}

// join tears down any previous session first. the teardown and setup are
// sequential, not atomic, so there is a brief window with no local presence.
func (self *ActorService) Join(
	ctx context.Context,
	spaceId string,
	instanceId string,
	actorId string,
	metadata ActorMetadata,
) (*Actor, error) {
	if self.isActive() {
		if err := self.Leave(ctx); err != nil {
			return nil, err
		}
	}

	initial := &Actor{
		Position:  Vector3{},
		Rotation:  Vector3{},
		Animation: "idle",
		Voice:     false,
		Metadata:  metadata,
		IsOnline:  true,
	}

	path := actorPath(spaceId, instanceId, actorId)
	value := map[string]any{
		"position":   vectorValue(initial.Position),
		"rotation":   vectorValue(initial.Rotation),
		"animation":  initial.Animation,
		"voice":      initial.Voice,
		"metadata":   metadata,
		"isOnline":   true,
		"lastUpdate": self.store.ServerTimestamp(),
		"joinedAt":   self.store.ServerTimestamp(),
	}
	if err := self.store.Write(ctx, path, value); err != nil {
		return nil, err
	}

	// covers crash and tab close without an explicit leave
	if err := self.store.RegisterRemovalOnDisconnect(ctx, path); err != nil {
		glog.Warningf("[actor]on-disconnect registration error = %s\n", err)
	}

	unsubscribe := self.store.SubscribeValue(actorsPath(spaceId, instanceId), self.applySnapshot)

	self.stateLock.Lock()
	self.spaceId = spaceId
	self.instanceId = instanceId
	self.localActorId = actorId
	self.active = true
	self.lastTransformTime = time.Time{}
	self.unsubscribe = unsubscribe
	self.stateLock.Unlock()

	now := epochMillis(self.settings.Clock.Now())
	initial.LastUpdate = now
	initial.JoinedAt = now
	return initial, nil
}

func (self *ActorService) Leave(ctx context.Context) error {
	var path string
	var unsubscribe func()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if !self.active {
			return
		}
		path = actorPath(self.spaceId, self.instanceId, self.localActorId)
		unsubscribe = self.unsubscribe
		self.spaceId = ""
		self.instanceId = ""
		self.localActorId = ""
		self.active = false
		self.unsubscribe = nil
	}()
	if path == "" {
		// no session active
		return nil
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	self.replica.clear()
	return self.store.Write(ctx, path, nil)
}

// throttled. calls inside the throttle window of the previous accepted
// call are silently discarded.
func (self *ActorService) UpdateTransform(ctx context.Context, position Vector3, rotation Vector3) error {
	var path string
	accepted := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if !self.active {
			return
		}
		path = self.localActorPath()
		now := self.settings.Clock.Now()
		if !self.lastTransformTime.IsZero() && now.Sub(self.lastTransformTime) < self.settings.UpdateThrottle {
			return
		}
		self.lastTransformTime = now
		accepted = true
	}()
	if path == "" {
		glog.Warningf("[actor]update transform without session\n")
		return nil
	}
	if !accepted {
		glog.V(2).Infof("[actor]transform throttled\n")
		return nil
	}
	return self.store.Update(ctx, path, map[string]any{
		"position":   vectorValue(position),
		"rotation":   vectorValue(rotation),
		"lastUpdate": self.store.ServerTimestamp(),
	})
}

func (self *ActorService) UpdateAnimation(ctx context.Context, animation string) error {
	path, ok := self.activeLocalActorPath()
	if !ok {
		glog.Warningf("[actor]update animation without session\n")
		return nil
	}
	return self.store.Update(ctx, path, map[string]any{
		"animation":  animation,
		"lastUpdate": self.store.ServerTimestamp(),
	})
}

func (self *ActorService) UpdateVoice(ctx context.Context, speaking bool) error {
	path, ok := self.activeLocalActorPath()
	if !ok {
		glog.Warningf("[actor]update voice without session\n")
		return nil
	}
	return self.store.Update(ctx, path, map[string]any{
		"voice":      speaking,
		"lastUpdate": self.store.ServerTimestamp(),
	})
}

// partial merge under the actor's metadata subtree
func (self *ActorService) UpdateMetadata(ctx context.Context, metadata map[string]any) error {
	path, ok := self.activeLocalActorPath()
	if !ok {
		glog.Warningf("[actor]update metadata without session\n")
		return nil
	}
	values := map[string]any{
		"lastUpdate": self.store.ServerTimestamp(),
	}
	for key, value := range metadata {
		values["metadata/"+key] = value
	}
	return self.store.Update(ctx, path, values)
}

func (self *ActorService) Actors() map[string]*Actor {
	return self.replica.getAll()
}

func (self *ActorService) Actor(actorId string) *Actor {
	return self.replica.get(actorId)
}

func (self *ActorService) IsLocalActor(actorId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.active && self.localActorId == actorId
}

func (self *ActorService) LocalActorId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.localActorId
}

func (self *ActorService) AddActorChangeCallback(actorChangeCallback ActorChangeFunction) func() {
	callbackId := self.actorChangeCallbacks.Add(actorChangeCallback)
	return func() {
		self.actorChangeCallbacks.Remove(callbackId)
	}
}

func (self *ActorService) applySnapshot(value any) {
	changes := self.replica.apply(value)
	if len(changes) == 0 {
		return
	}
	callbacks := self.actorChangeCallbacks.Get()
	for _, change := range changes {
		var changeType ActorChangeType
		switch change.changeType {
		case ChangeTypeAdded:
			changeType = ActorChangeTypeJoined
		case ChangeTypeUpdated:
			changeType = ActorChangeTypeUpdated
		case ChangeTypeRemoved:
			changeType = ActorChangeTypeLeft
		}
		glog.V(1).Infof("[actor]%s %s\n", changeType, change.id)
		for _, callback := range callbacks {
			func() {
				defer func() {
					if r := recover(); r != nil {
						glog.Warningf("[actor]callback panic = %v\n", r)
					}
				}()
				callback(change.id, change.value, changeType)
			}()
		}
	}
}

func (self *ActorService) isActive() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.active
}

// must be called with `stateLock`
func (self *ActorService) localActorPath() string {
	return actorPath(self.spaceId, self.instanceId, self.localActorId)
}

func (self *ActorService) activeLocalActorPath() (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if !self.active {
		return "", false
	}
	return self.localActorPath(), true
}
