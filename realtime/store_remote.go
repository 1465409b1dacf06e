package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// websocket client implementation of the `Store` contract
//
// the wire format is one json message per websocket text frame. requests
// carry a `requestId` and are answered with a `result` message; the server
// pushes `snapshot` and `childAdded` messages for active subscriptions.
// subscriptions and on-disconnect registrations are re-issued after every
// reconnect, so the handle stays usable across connection flaps.

type RemoteStoreSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	ReconnectTimeout   time.Duration
	RequestTimeout     time.Duration
}

func DefaultRemoteStoreSettings() *RemoteStoreSettings {
	return &RemoteStoreSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		RequestTimeout:     15 * time.Second,
	}
}

type storeMessage struct {
	Type string `json:"type"`

	RequestId      int64  `json:"requestId,omitempty"`
	SubscriptionId int64  `json:"subscriptionId,omitempty"`
	Path           string `json:"path,omitempty"`

	// absent value on a write means delete
	Value  any            `json:"value,omitempty"`
	Values map[string]any `json:"values,omitempty"`
	Expect any            `json:"expect,omitempty"`

	ByJwt      string `json:"byJwt,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
	InstanceId string `json:"instanceId,omitempty"`

	Ok       bool   `json:"ok,omitempty"`
	Error    string `json:"error,omitempty"`
	Key      string `json:"key,omitempty"`
	ChildKey string `json:"childKey,omitempty"`
	Swapped  bool   `json:"swapped,omitempty"`
}

type remoteValueSub struct {
	path     string
	callback func(value any)
}

type remoteChildSub struct {
	path     string
	callback func(key string, value any)
}

type RemoteStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	storeUrl string
	auth     *SessionAuth

	settings *RemoteStoreSettings

	stateLock sync.Mutex
	writeLock sync.Mutex

	conn      *websocket.Conn
	connected bool

	nextRequestId int64
	pending       map[int64]chan *storeMessage

	nextSubId int64
	valueSubs map[int64]*remoteValueSub
	childSubs map[int64]*remoteChildSub

	disconnectPaths []string

	connectivityCallbacks *CallbackList[func(connected bool)]
}

func NewRemoteStoreWithDefaults(ctx context.Context, storeUrl string, auth *SessionAuth) *RemoteStore {
	return NewRemoteStore(ctx, storeUrl, auth, DefaultRemoteStoreSettings())
}

func NewRemoteStore(ctx context.Context, storeUrl string, auth *SessionAuth, settings *RemoteStoreSettings) *RemoteStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &RemoteStore{
		ctx:                   cancelCtx,
		cancel:                cancel,
		storeUrl:              storeUrl,
		auth:                  auth,
		settings:              settings,
		pending:               map[int64]chan *storeMessage{},
		valueSubs:             map[int64]*remoteValueSub{},
		childSubs:             map[int64]*remoteChildSub{},
		connectivityCallbacks: NewCallbackList[func(connected bool)](),
	}
	go store.run()
	return store
}

func (self *RemoteStore) run() {
	defer self.cancel()

	for {
		self.runOne()

		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// one connection attempt: dial, auth, resubscribe, then read until error
func (self *RemoteStore) runOne() {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(self.ctx, self.storeUrl, nil)
	if err != nil {
		glog.Infof("[store]connect error = %s\n", err)
		return
	}
	defer conn.Close()

	auth := &storeMessage{
		Type:       "auth",
		ByJwt:      self.auth.ByJwt,
		AppVersion: self.auth.AppVersion,
		InstanceId: self.auth.InstanceId.String(),
	}
	conn.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := conn.WriteJSON(auth); err != nil {
		glog.Infof("[store]auth write error = %s\n", err)
		return
	}
	conn.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	var authResult storeMessage
	if err := conn.ReadJSON(&authResult); err != nil {
		glog.Infof("[store]auth read error = %s\n", err)
		return
	}
	if authResult.Type != "result" || !authResult.Ok {
		glog.Infof("[store]auth rejected = %s\n", authResult.Error)
		return
	}

	defer self.dropConnection(conn)

	var resubscribe []*storeMessage
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.conn = conn
		self.connected = true
		for subId, sub := range self.valueSubs {
			resubscribe = append(resubscribe, &storeMessage{
				Type:           "subscribeValue",
				SubscriptionId: subId,
				Path:           sub.path,
			})
		}
		for subId, sub := range self.childSubs {
			resubscribe = append(resubscribe, &storeMessage{
				Type:           "subscribeChildren",
				SubscriptionId: subId,
				Path:           sub.path,
			})
		}
		for _, path := range self.disconnectPaths {
			resubscribe = append(resubscribe, &storeMessage{
				Type: "onDisconnect",
				Path: path,
			})
		}
	}()
	for _, message := range resubscribe {
		if err := self.send(message); err != nil {
			glog.Infof("[store]resubscribe error = %s\n", err)
			return
		}
	}

	self.notifyConnectivity(true)
	defer self.notifyConnectivity(false)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// keepalive
	go func() {
		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
			}
			if err := self.send(&storeMessage{Type: "ping"}); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		var message storeMessage
		if err := conn.ReadJSON(&message); err != nil {
			select {
			case <-self.ctx.Done():
			default:
				glog.Infof("[store]read error = %s\n", err)
			}
			return
		}
		self.receive(&message)
	}
}

func (self *RemoteStore) receive(message *storeMessage) {
	switch message.Type {
	case "result":
		self.stateLock.Lock()
		result, ok := self.pending[message.RequestId]
		if ok {
			delete(self.pending, message.RequestId)
		}
		self.stateLock.Unlock()
		if ok {
			result <- message
		}
	case "snapshot":
		self.stateLock.Lock()
		sub, ok := self.valueSubs[message.SubscriptionId]
		self.stateLock.Unlock()
		if ok {
			sub.callback(message.Value)
		}
	case "childAdded":
		self.stateLock.Lock()
		sub, ok := self.childSubs[message.SubscriptionId]
		self.stateLock.Unlock()
		if ok {
			sub.callback(message.ChildKey, message.Value)
		}
	case "ping":
		// server keepalive, nothing to do
	default:
		glog.V(2).Infof("[store]other message type %s\n", message.Type)
	}
}

// fail pending requests and detach the connection
func (self *RemoteStore) dropConnection(conn *websocket.Conn) {
	var failed []chan *storeMessage
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.conn != conn {
			return
		}
		self.conn = nil
		self.connected = false
		failed = maps.Values(self.pending)
		maps.Clear(self.pending)
	}()
	for _, result := range failed {
		result <- &storeMessage{
			Type:  "result",
			Error: "connection lost",
		}
	}
}

func (self *RemoteStore) send(message *storeMessage) error {
	self.stateLock.Lock()
	conn := self.conn
	self.stateLock.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return conn.WriteJSON(message)
}

func (self *RemoteStore) request(ctx context.Context, message *storeMessage) (*storeMessage, error) {
	result := make(chan *storeMessage, 1)
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.nextRequestId += 1
		message.RequestId = self.nextRequestId
		self.pending[message.RequestId] = result
	}()

	if err := self.send(message); err != nil {
		self.stateLock.Lock()
		delete(self.pending, message.RequestId)
		self.stateLock.Unlock()
		return nil, err
	}

	select {
	case response := <-result:
		if response.Error != "" {
			return nil, fmt.Errorf("%s", response.Error)
		}
		return response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, fmt.Errorf("store closed")
	case <-time.After(self.settings.RequestTimeout):
		self.stateLock.Lock()
		delete(self.pending, message.RequestId)
		self.stateLock.Unlock()
		return nil, fmt.Errorf("request timeout")
	}
}

func (self *RemoteStore) Write(ctx context.Context, path string, value any) error {
	_, err := self.request(ctx, &storeMessage{
		Type:  "write",
		Path:  path,
		Value: value,
	})
	return err
}

func (self *RemoteStore) Update(ctx context.Context, path string, values map[string]any) error {
	_, err := self.request(ctx, &storeMessage{
		Type:   "update",
		Path:   path,
		Values: values,
	})
	return err
}

func (self *RemoteStore) Push(ctx context.Context, path string) (string, error) {
	response, err := self.request(ctx, &storeMessage{
		Type: "push",
		Path: path,
	})
	if err != nil {
		return "", err
	}
	return response.Key, nil
}

func (self *RemoteStore) ReadOnce(ctx context.Context, path string) (any, error) {
	response, err := self.request(ctx, &storeMessage{
		Type: "read",
		Path: path,
	})
	if err != nil {
		return nil, err
	}
	return response.Value, nil
}

func (self *RemoteStore) CompareAndSwap(ctx context.Context, path string, expect any, value any) (bool, error) {
	response, err := self.request(ctx, &storeMessage{
		Type:   "cas",
		Path:   path,
		Expect: expect,
		Value:  value,
	})
	if err != nil {
		return false, err
	}
	return response.Swapped, nil
}

func (self *RemoteStore) SubscribeValue(path string, callback func(value any)) func() {
	self.stateLock.Lock()
	self.nextSubId += 1
	subId := self.nextSubId
	self.valueSubs[subId] = &remoteValueSub{
		path:     path,
		callback: callback,
	}
	self.stateLock.Unlock()

	if err := self.send(&storeMessage{
		Type:           "subscribeValue",
		SubscriptionId: subId,
		Path:           path,
	}); err != nil {
		// re-issued on the next reconnect
		glog.V(1).Infof("[store]subscribe %s deferred = %s\n", path, err)
	}

	return func() {
		self.unsubscribe(subId, true)
	}
}

func (self *RemoteStore) SubscribeChildAdded(path string, callback func(key string, value any)) func() {
	self.stateLock.Lock()
	self.nextSubId += 1
	subId := self.nextSubId
	self.childSubs[subId] = &remoteChildSub{
		path:     path,
		callback: callback,
	}
	self.stateLock.Unlock()

	if err := self.send(&storeMessage{
		Type:           "subscribeChildren",
		SubscriptionId: subId,
		Path:           path,
	}); err != nil {
		glog.V(1).Infof("[store]subscribe %s deferred = %s\n", path, err)
	}

	return func() {
		self.unsubscribe(subId, false)
	}
}

func (self *RemoteStore) unsubscribe(subId int64, value bool) {
	self.stateLock.Lock()
	if value {
		delete(self.valueSubs, subId)
	} else {
		delete(self.childSubs, subId)
	}
	self.stateLock.Unlock()

	if err := self.send(&storeMessage{
		Type:           "unsubscribe",
		SubscriptionId: subId,
	}); err != nil {
		glog.V(2).Infof("[store]unsubscribe error = %s\n", err)
	}
}

func (self *RemoteStore) RegisterRemovalOnDisconnect(ctx context.Context, path string) error {
	self.stateLock.Lock()
	self.disconnectPaths = append(self.disconnectPaths, path)
	self.stateLock.Unlock()

	_, err := self.request(ctx, &storeMessage{
		Type: "onDisconnect",
		Path: path,
	})
	return err
}

func (self *RemoteStore) ServerTimestamp() any {
	return serverTimestampValue{}
}

func (self *RemoteStore) AddConnectivityCallback(callback func(connected bool)) func() {
	callbackId := self.connectivityCallbacks.Add(callback)
	return func() {
		self.connectivityCallbacks.Remove(callbackId)
	}
}

func (self *RemoteStore) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

func (self *RemoteStore) Close() {
	self.cancel()
}

func (self *RemoteStore) notifyConnectivity(connected bool) {
	for _, callback := range self.connectivityCallbacks.Get() {
		callback(connected)
	}
}
