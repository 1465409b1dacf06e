package realtime

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"
)

// broadcast and point-to-point event bus over the store's append-only
// event subtree, with a coarse connection state machine

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
)

type ConnectionStateFunction = func(state ConnectionState)

type EventHandlerFunction = func(event *Event)

type BroadcastOptions struct {
	// nil means broadcast to all actors in the instance
	TargetActors []string
}

type NetworkServiceSettings struct {
	// events older than this are stale for delivery.
	// events older than twice this are eligible for cleanup.
	EventTTL time.Duration
	Clock    clock.Clock
}

func DefaultNetworkServiceSettings() *NetworkServiceSettings {
	return &NetworkServiceSettings{
		EventTTL: 5 * time.Second,
		Clock:    clock.New(),
	}
}

type NetworkService struct {
	ctx   context.Context
	store Store

	settings *NetworkServiceSettings

	stateLock sync.Mutex

	spaceId      string
	instanceId   string
	localActorId string

	state              ConnectionState
	subscribeStartTime time.Time

	unsubscribe             func()
	unsubscribeConnectivity func()

	handlersLock sync.Mutex
	handlers     map[string]*CallbackList[EventHandlerFunction]

	stateCallbacks *CallbackList[ConnectionStateFunction]
}

func NewNetworkServiceWithDefaults(ctx context.Context, store Store) *NetworkService {
	return NewNetworkService(ctx, store, DefaultNetworkServiceSettings())
}

func NewNetworkService(ctx context.Context, store Store, settings *NetworkServiceSettings) *NetworkService {
	return &NetworkService{
		ctx:            ctx,
		store:          store,
		settings:       settings,
		state:          ConnectionStateDisconnected,
		handlers:       map[string]*CallbackList[EventHandlerFunction]{},
		stateCallbacks: NewCallbackList[ConnectionStateFunction](),
	}
}

func (self *NetworkService) Connect(ctx context.Context, spaceId string, instanceId string, actorId string) error {
	if self.ConnectionState() != ConnectionStateDisconnected {
		self.Disconnect()
	}

	self.setState(ConnectionStateConnecting)

	unsubscribe := self.store.SubscribeChildAdded(eventsPath(spaceId, instanceId), self.receiveEvent)
	unsubscribeConnectivity := self.store.AddConnectivityCallback(self.connectivityChanged)

	self.stateLock.Lock()
	self.spaceId = spaceId
	self.instanceId = instanceId
	self.localActorId = actorId
	self.subscribeStartTime = self.settings.Clock.Now()
	self.unsubscribe = unsubscribe
	self.unsubscribeConnectivity = unsubscribeConnectivity
	self.stateLock.Unlock()

	self.setState(ConnectionStateConnected)
	return nil
}

func (self *NetworkService) Disconnect() {
	var unsubscribe func()
	var unsubscribeConnectivity func()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		unsubscribe = self.unsubscribe
		unsubscribeConnectivity = self.unsubscribeConnectivity
		self.spaceId = ""
		self.instanceId = ""
		self.localActorId = ""
		self.unsubscribe = nil
		self.unsubscribeConnectivity = nil
	}()
	if unsubscribe != nil {
		unsubscribe()
	}
	if unsubscribeConnectivity != nil {
		unsubscribeConnectivity()
	}
	self.setState(ConnectionStateDisconnected)
}

func (self *NetworkService) ConnectionState() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *NetworkService) AddConnectionStateCallback(stateCallback ConnectionStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

// fails fast when not connected. the event carries both a server
// timestamp and a client timestamp as a latency-independent ordering
// fallback.
func (self *NetworkService) Broadcast(ctx context.Context, eventName string, data map[string]any, opts *BroadcastOptions) (bool, error) {
	var spaceId string
	var instanceId string
	var localActorId string
	connected := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.state != ConnectionStateConnected {
			return
		}
		spaceId = self.spaceId
		instanceId = self.instanceId
		localActorId = self.localActorId
		connected = true
	}()
	if !connected {
		glog.Warningf("[net]broadcast %s while not connected\n", eventName)
		return false, nil
	}

	value := map[string]any{
		"eventName":       eventName,
		"senderId":        localActorId,
		"timestamp":       self.store.ServerTimestamp(),
		"clientTimestamp": epochMillis(self.settings.Clock.Now()),
	}
	if data != nil {
		value["data"] = data
	}
	if opts != nil && opts.TargetActors != nil {
		value["targetActors"] = opts.TargetActors
	}

	eventId, err := self.store.Push(ctx, eventsPath(spaceId, instanceId))
	if err != nil {
		return false, err
	}
	if err := self.store.Write(ctx, eventPath(spaceId, instanceId, eventId), value); err != nil {
		return false, err
	}
	return true, nil
}

func (self *NetworkService) SendTo(ctx context.Context, eventName string, data map[string]any, actorIds []string) (bool, error) {
	return self.Broadcast(ctx, eventName, data, &BroadcastOptions{
		TargetActors: actorIds,
	})
}

// forwards to the instance's designated host actor, if one is recorded.
// host election is out of scope here.
func (self *NetworkService) SendToHost(ctx context.Context, eventName string, data map[string]any) (bool, error) {
	var spaceId string
	var instanceId string
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		spaceId = self.spaceId
		instanceId = self.instanceId
	}()
	if spaceId == "" {
		glog.Warningf("[net]send to host while not connected\n")
		return false, nil
	}
	value, err := self.store.ReadOnce(ctx, hostActorPath(spaceId, instanceId))
	if err != nil {
		return false, err
	}
	hostActorId, ok := value.(string)
	if !ok || hostActorId == "" {
		glog.Warningf("[net]no host recorded for instance %s\n", instanceId)
		return false, nil
	}
	return self.SendTo(ctx, eventName, data, []string{hostActorId})
}

// mechanical host designation. election is a higher-level concern.
func (self *NetworkService) SetHost(ctx context.Context, actorId string) error {
	var spaceId string
	var instanceId string
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		spaceId = self.spaceId
		instanceId = self.instanceId
	}()
	if spaceId == "" {
		glog.Warningf("[net]set host while not connected\n")
		return nil
	}
	return self.store.Write(ctx, hostActorPath(spaceId, instanceId), actorId)
}

func (self *NetworkService) Host(ctx context.Context) (string, error) {
	var spaceId string
	var instanceId string
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		spaceId = self.spaceId
		instanceId = self.instanceId
	}()
	if spaceId == "" {
		return "", nil
	}
	value, err := self.store.ReadOnce(ctx, hostActorPath(spaceId, instanceId))
	if err != nil {
		return "", err
	}
	hostActorId, _ := value.(string)
	return hostActorId, nil
}

// multiple handlers per event name
func (self *NetworkService) On(eventName string, handler EventHandlerFunction) func() {
	self.handlersLock.Lock()
	handlerList, ok := self.handlers[eventName]
	if !ok {
		handlerList = NewCallbackList[EventHandlerFunction]()
		self.handlers[eventName] = handlerList
	}
	self.handlersLock.Unlock()

	callbackId := handlerList.Add(handler)
	return func() {
		handlerList.Remove(callbackId)
	}
}

// removes all handlers for the event name
func (self *NetworkService) Off(eventName string) {
	self.handlersLock.Lock()
	handlerList, ok := self.handlers[eventName]
	if ok {
		delete(self.handlers, eventName)
	}
	self.handlersLock.Unlock()
	if ok {
		handlerList.Clear()
	}
}

func (self *NetworkService) receiveEvent(eventId string, value any) {
	event, err := decodeValue[Event](value)
	if err != nil {
		glog.Warningf("[net]decode event %s error = %s\n", eventId, err)
		return
	}

	var spaceId string
	var instanceId string
	var localActorId string
	var subscribeStartTime time.Time
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		spaceId = self.spaceId
		instanceId = self.instanceId
		localActorId = self.localActorId
		subscribeStartTime = self.subscribeStartTime
	}()
	if spaceId == "" {
		return
	}

	ttlMillis := self.settings.EventTTL.Milliseconds()

	deliver := true
	if event.ClientTimestamp < epochMillis(subscribeStartTime)-ttlMillis {
		// late arrival from before this subscription's relevance window
		glog.V(1).Infof("[net]drop stale %s\n", event.Name)
		deliver = false
	} else if event.SenderId == localActorId {
		// no local echo
		deliver = false
	} else if event.TargetActors != nil && !slices.Contains(event.TargetActors, localActorId) {
		deliver = false
	}

	if deliver {
		self.handlersLock.Lock()
		handlerList := self.handlers[event.Name]
		self.handlersLock.Unlock()
		if handlerList != nil {
			for _, handler := range handlerList.Get() {
				func() {
					defer func() {
						if r := recover(); r != nil {
							glog.Warningf("[net]handler %s panic = %v\n", event.Name, r)
						}
					}()
					handler(event)
				}()
			}
		}
	}

	// opportunistic cleanup of expired events. whichever subscriber
	// observes the expired event first deletes it. fire and forget.
	eventTime := event.Timestamp
	if eventTime == 0 {
		eventTime = event.ClientTimestamp
	}
	if 2*ttlMillis < epochMillis(self.settings.Clock.Now())-eventTime {
		if err := self.store.Write(self.ctx, eventPath(spaceId, instanceId, eventId), nil); err != nil {
			glog.V(1).Infof("[net]cleanup %s error = %s\n", eventId, err)
		}
	}
}

func (self *NetworkService) connectivityChanged(connected bool) {
	self.stateLock.Lock()
	var next ConnectionState
	if !connected && self.state == ConnectionStateConnected {
		next = ConnectionStateReconnecting
	} else if connected && self.state == ConnectionStateReconnecting {
		next = ConnectionStateConnected
	} else {
		self.stateLock.Unlock()
		return
	}
	self.state = next
	self.stateLock.Unlock()
	self.notifyState(next)
}

// transitions are deduped by equality, so entering the current state
// does not notify
func (self *NetworkService) setState(state ConnectionState) {
	self.stateLock.Lock()
	if self.state == state {
		self.stateLock.Unlock()
		return
	}
	self.state = state
	self.stateLock.Unlock()
	self.notifyState(state)
}

func (self *NetworkService) notifyState(state ConnectionState) {
	glog.V(1).Infof("[net]state = %s\n", state)
	for _, stateCallback := range self.stateCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Warningf("[net]state callback panic = %v\n", r)
				}
			}()
			stateCallback(state)
		}()
	}
}
