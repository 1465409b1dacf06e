package realtime

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// spawned object lifecycle and ownership arbitration
//
// ownership is exclusive by client-side convention only: the current owner
// is the one session allowed to mutate an object's transform/state or
// despawn it. the store does not enforce this; a buggy or hostile peer
// with store access could bypass it.

type ObjectChangeType string

const (
	ObjectChangeTypeSpawned   ObjectChangeType = "spawned"
	ObjectChangeTypeUpdated   ObjectChangeType = "updated"
	ObjectChangeTypeDespawned ObjectChangeType = "despawned"
)

type ObjectChangeFunction = func(objectId string, object *ContentObject, changeType ObjectChangeType)

type ContentObjectConfig struct {
	Position Vector3
	Rotation Vector3
	// nil defaults to unit scale
	Scale    *Vector3
	State    map[string]any
	PrefabId string
	GlbUrl   string
}

type TransformUpdate struct {
	Position *Vector3
	Rotation *Vector3
	Scale    *Vector3
}

type ContentService struct {
	ctx   context.Context
	store Store

	stateLock sync.Mutex

	spaceId      string
	instanceId   string
	localActorId string
	active       bool

	replica     *replicatedCollection[ContentObject]
	unsubscribe func()

	objectChangeCallbacks *CallbackList[ObjectChangeFunction]
}

func NewContentService(ctx context.Context, store Store) *ContentService {
	return &ContentService{
		ctx:                   ctx,
		store:                 store,
		replica:               newReplicatedCollection[ContentObject]("content"),
		objectChangeCallbacks: NewCallbackList[ObjectChangeFunction](),
	}
}

// establishes the session and subscribes. does not create any objects.
func (self *ContentService) Init(ctx context.Context, spaceId string, instanceId string, actorId string) error {
	if self.isActive() {
		self.Cleanup()
	}

	unsubscribe := self.store.SubscribeValue(objectsPath(spaceId, instanceId), self.applySnapshot)

	self.stateLock.Lock()
	self.spaceId = spaceId
	self.instanceId = instanceId
	self.localActorId = actorId
	self.active = true
	self.unsubscribe = unsubscribe
	self.stateLock.Unlock()
	return nil
}

// objects outlive their owner's session by design. they become unowned,
// not deleted, so there is no on-disconnect removal here.
func (self *ContentService) Cleanup() {
	var unsubscribe func()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if !self.active {
			return
		}
		unsubscribe = self.unsubscribe
		self.spaceId = ""
		self.instanceId = ""
		self.localActorId = ""
		self.active = false
		self.unsubscribe = nil
	}()
	if unsubscribe != nil {
		unsubscribe()
	}
	self.replica.clear()
}

func (self *ContentService) Spawn(ctx context.Context, contentType ContentType, config *ContentObjectConfig) (string, error) {
	session, ok := self.session()
	if !ok {
		glog.Warningf("[content]spawn without session\n")
		return "", nil
	}
	if config == nil {
		config = &ContentObjectConfig{}
	}
	scale := UnitScale
	if config.Scale != nil {
		scale = *config.Scale
	}

	objectId, err := self.store.Push(ctx, objectsPath(session.spaceId, session.instanceId))
	if err != nil {
		return "", err
	}

	value := map[string]any{
		"id":        objectId,
		"type":      string(contentType),
		"ownerId":   session.localActorId,
		"position":  vectorValue(config.Position),
		"rotation":  vectorValue(config.Rotation),
		"scale":     vectorValue(scale),
		"createdAt": self.store.ServerTimestamp(),
		"updatedAt": self.store.ServerTimestamp(),
	}
	if config.State != nil {
		value["state"] = config.State
	}
	if config.PrefabId != "" {
		value["prefabId"] = config.PrefabId
	}
	if config.GlbUrl != "" {
		value["glbUrl"] = config.GlbUrl
	}

	path := objectPath(session.spaceId, session.instanceId, objectId)
	if err := self.store.Write(ctx, path, value); err != nil {
		return "", err
	}
	return objectId, nil
}

// owner-only
func (self *ContentService) Despawn(ctx context.Context, objectId string) (bool, error) {
	_, path, ok := self.ownedObjectPath(objectId, "despawn")
	if !ok {
		return false, nil
	}
	if err := self.store.Write(ctx, path, nil); err != nil {
		return false, err
	}
	return true, nil
}

// owner-only. only supplied fields overwrite.
func (self *ContentService) UpdateTransform(ctx context.Context, objectId string, update TransformUpdate) (bool, error) {
	_, path, ok := self.ownedObjectPath(objectId, "update transform")
	if !ok {
		return false, nil
	}
	values := map[string]any{
		"updatedAt": self.store.ServerTimestamp(),
	}
	if update.Position != nil {
		values["position"] = vectorValue(*update.Position)
	}
	if update.Rotation != nil {
		values["rotation"] = vectorValue(*update.Rotation)
	}
	if update.Scale != nil {
		values["scale"] = vectorValue(*update.Scale)
	}
	if err := self.store.Update(ctx, path, values); err != nil {
		return false, err
	}
	return true, nil
}

// owner-only. shallow merge under the object's state subtree.
func (self *ContentService) UpdateState(ctx context.Context, objectId string, state map[string]any) (bool, error) {
	_, path, ok := self.ownedObjectPath(objectId, "update state")
	if !ok {
		return false, nil
	}
	values := map[string]any{
		"updatedAt": self.store.ServerTimestamp(),
	}
	for key, value := range state {
		values["state/"+key] = value
	}
	if err := self.store.Update(ctx, path, values); err != nil {
		return false, err
	}
	return true, nil
}

// take ownership of an unowned object, or of an object whose owner has
// left the instance. a conditional write on `ownerId` decides races: of
// two sessions requesting a vacated object, exactly one swap applies.
// returns false when the current owner is still present; there is no
// negotiation with a live owner on this path, callers retry later.
func (self *ContentService) RequestOwnership(ctx context.Context, objectId string) (bool, error) {
	session, ok := self.session()
	if !ok {
		glog.Warningf("[content]request ownership without session\n")
		return false, nil
	}
	object := self.replica.get(objectId)
	if object == nil {
		glog.Warningf("[content]request ownership of unknown object %s\n", objectId)
		return false, nil
	}

	if object.OwnerId == session.localActorId {
		return true, nil
	}

	ownerIdPath := objectPath(session.spaceId, session.instanceId, objectId) + "/ownerId"

	if object.OwnerId == "" {
		return self.store.CompareAndSwap(ctx, ownerIdPath, nil, session.localActorId)
	}

	// best-effort liveness check on the recorded owner
	ownerRecord, err := self.store.ReadOnce(ctx, actorPath(session.spaceId, session.instanceId, object.OwnerId))
	if err != nil {
		return false, err
	}
	if ownerRecord != nil {
		glog.V(1).Infof("[content]ownership of %s denied, owner %s present\n", objectId, object.OwnerId)
		return false, nil
	}
	return self.store.CompareAndSwap(ctx, ownerIdPath, object.OwnerId, session.localActorId)
}

// owner-only, unconditional handoff
func (self *ContentService) TransferOwnership(ctx context.Context, objectId string, newOwnerId string) (bool, error) {
	_, path, ok := self.ownedObjectPath(objectId, "transfer ownership")
	if !ok {
		return false, nil
	}
	if err := self.store.Update(ctx, path, map[string]any{
		"ownerId":   newOwnerId,
		"updatedAt": self.store.ServerTimestamp(),
	}); err != nil {
		return false, err
	}
	return true, nil
}

// owner-only. the object becomes eligible for the next ownership request.
func (self *ContentService) ReleaseOwnership(ctx context.Context, objectId string) (bool, error) {
	_, path, ok := self.ownedObjectPath(objectId, "release ownership")
	if !ok {
		return false, nil
	}
	if err := self.store.Update(ctx, path, map[string]any{
		"ownerId":   nil,
		"updatedAt": self.store.ServerTimestamp(),
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (self *ContentService) Objects() map[string]*ContentObject {
	return self.replica.getAll()
}

func (self *ContentService) Object(objectId string) *ContentObject {
	return self.replica.get(objectId)
}

func (self *ContentService) ObjectsByType(contentType ContentType) map[string]*ContentObject {
	out := map[string]*ContentObject{}
	for objectId, object := range self.replica.getAll() {
		if object.Type == contentType {
			out[objectId] = object
		}
	}
	return out
}

func (self *ContentService) OwnedObjects() map[string]*ContentObject {
	session, ok := self.session()
	if !ok {
		return map[string]*ContentObject{}
	}
	out := map[string]*ContentObject{}
	for objectId, object := range self.replica.getAll() {
		if object.OwnerId == session.localActorId {
			out[objectId] = object
		}
	}
	return out
}

func (self *ContentService) IsOwner(objectId string) bool {
	session, ok := self.session()
	if !ok {
		return false
	}
	object := self.replica.get(objectId)
	return object != nil && object.OwnerId == session.localActorId
}

func (self *ContentService) AddObjectChangeCallback(objectChangeCallback ObjectChangeFunction) func() {
	callbackId := self.objectChangeCallbacks.Add(objectChangeCallback)
	return func() {
		self.objectChangeCallbacks.Remove(callbackId)
	}
}

func (self *ContentService) applySnapshot(value any) {
	changes := self.replica.apply(value)
	if len(changes) == 0 {
		return
	}
	callbacks := self.objectChangeCallbacks.Get()
	for _, change := range changes {
		var changeType ObjectChangeType
		switch change.changeType {
		case ChangeTypeAdded:
			changeType = ObjectChangeTypeSpawned
		case ChangeTypeUpdated:
			changeType = ObjectChangeTypeUpdated
		case ChangeTypeRemoved:
			changeType = ObjectChangeTypeDespawned
		}
		glog.V(1).Infof("[content]%s %s\n", changeType, change.id)
		for _, callback := range callbacks {
			func() {
				defer func() {
					if r := recover(); r != nil {
						glog.Warningf("[content]callback panic = %v\n", r)
					}
				}()
				callback(change.id, change.value, changeType)
			}()
		}
	}
}

type contentSession struct {
	spaceId      string
	instanceId   string
	localActorId string
}

func (self *ContentService) session() (contentSession, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if !self.active {
		return contentSession{}, false
	}
	return contentSession{
		spaceId:      self.spaceId,
		instanceId:   self.instanceId,
		localActorId: self.localActorId,
	}, true
}

func (self *ContentService) isActive() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.active
}

// owner-only precondition shared by the mutating operations
func (self *ContentService) ownedObjectPath(objectId string, op string) (contentSession, string, bool) {
	session, ok := self.session()
	if !ok {
		glog.Warningf("[content]%s without session\n", op)
		return session, "", false
	}
	object := self.replica.get(objectId)
	if object == nil {
		glog.Warningf("[content]%s of unknown object %s\n", op, objectId)
		return session, "", false
	}
	if object.OwnerId != session.localActorId {
		glog.Warningf("[content]%s of %s denied, owner is %q\n", op, objectId, object.OwnerId)
		return session, "", false
	}
	return session, objectPath(session.spaceId, session.instanceId, objectId), true
}
