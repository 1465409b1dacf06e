package realtime

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// a session owns one instance of each service for one (spaceId, instanceId)
// attachment and is responsible for setup and teardown ordering:
// network connect, actor join, content init on the way in, and the
// reverse on the way out

type SessionSettings struct {
	ActorSettings   *ActorServiceSettings
	NetworkSettings *NetworkServiceSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		ActorSettings:   DefaultActorServiceSettings(),
		NetworkSettings: DefaultNetworkServiceSettings(),
	}
}

type Session struct {
	ctx   context.Context
	store Store

	Actors  *ActorService
	Content *ContentService
	Network *NetworkService

	stateLock sync.Mutex

	spaceId    string
	instanceId string
	actorId    string
	active     bool
}

func NewSessionWithDefaults(ctx context.Context, store Store) *Session {
	return NewSession(ctx, store, DefaultSessionSettings())
}

func NewSession(ctx context.Context, store Store, settings *SessionSettings) *Session {
	return &Session{
		ctx:     ctx,
		store:   store,
		Actors:  NewActorService(ctx, store, settings.ActorSettings),
		Content: NewContentService(ctx, store),
		Network: NewNetworkService(ctx, store, settings.NetworkSettings),
	}
}

func (self *Session) Join(
	ctx context.Context,
	spaceId string,
	instanceId string,
	actorId string,
	metadata ActorMetadata,
) error {
	if self.IsActive() {
		if err := self.Leave(ctx); err != nil {
			return err
		}
	}

	if err := self.Network.Connect(ctx, spaceId, instanceId, actorId); err != nil {
		return err
	}
	if _, err := self.Actors.Join(ctx, spaceId, instanceId, actorId, metadata); err != nil {
		self.Network.Disconnect()
		return err
	}
	if err := self.Content.Init(ctx, spaceId, instanceId, actorId); err != nil {
		if leaveErr := self.Actors.Leave(ctx); leaveErr != nil {
			glog.Warningf("[session]leave after failed init error = %s\n", leaveErr)
		}
		self.Network.Disconnect()
		return err
	}

	self.stateLock.Lock()
	self.spaceId = spaceId
	self.instanceId = instanceId
	self.actorId = actorId
	self.active = true
	self.stateLock.Unlock()
	return nil
}

func (self *Session) Leave(ctx context.Context) error {
	active := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		active = self.active
		self.spaceId = ""
		self.instanceId = ""
		self.actorId = ""
		self.active = false
	}()
	if !active {
		return nil
	}

	self.Content.Cleanup()
	err := self.Actors.Leave(ctx)
	self.Network.Disconnect()
	return err
}

func (self *Session) IsActive() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.active
}

func (self *Session) ActorId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.actorId
}
