package realtime

import (
	"context"
	"fmt"
)

// the shared mutable store that all sessions in an instance attach to
//
// the store is a tree of json document nodes addressed by slash paths.
// `Write` with a nil value deletes the node. `Update` applies each key as a
// relative path under the base path, so partial merges can reach nested
// fields ("metadata/displayName", "state/color").
//
// the store is the single shared resource. each subtree is conventionally
// mutated only by its designated writer (actor node by its own session,
// object node by its current owner). that convention is enforced in the
// services, not by the store.
type Store interface {
	// nil value deletes the node
	Write(ctx context.Context, path string, value any) error

	// each key is a relative path under `path`, nil values delete
	Update(ctx context.Context, path string, values map[string]any) error

	// reserves a generated child key under `path` without writing.
	// keys preserve reservation order lexicographically.
	Push(ctx context.Context, path string) (string, error)

	// nil if the node is absent
	ReadOnce(ctx context.Context, path string) (any, error)

	// conditional write. the swap applies only if the current node value
	// equals `expect` under the document model (nil expect matches absent).
	CompareAndSwap(ctx context.Context, path string, expect any, value any) (bool, error)

	// full-value snapshot on subscribe and on every change under the path
	SubscribeValue(path string, callback func(value any)) func()

	// fires only for children appended after the subscription starts
	SubscribeChildAdded(path string, callback func(key string, value any)) func()

	// server-enforced removal of the node if this connection ends uncleanly
	RegisterRemovalOnDisconnect(ctx context.Context, path string) error

	// sentinel usable in written values, resolved to epoch millis server-side
	ServerTimestamp() any

	// connectivity transitions of the underlying connection
	AddConnectivityCallback(callback func(connected bool)) func()
}

// serialized as the firebase-style server value directive
type serverTimestampValue struct{}

func (self serverTimestampValue) MarshalJSON() ([]byte, error) {
	return []byte(`{".sv":"timestamp"}`), nil
}

func instancePath(spaceId string, instanceId string) string {
	return fmt.Sprintf("spaces/%s/instances/%s", spaceId, instanceId)
}

func actorsPath(spaceId string, instanceId string) string {
	return fmt.Sprintf("%s/actors", instancePath(spaceId, instanceId))
}

func actorPath(spaceId string, instanceId string, actorId string) string {
	return fmt.Sprintf("%s/%s", actorsPath(spaceId, instanceId), actorId)
}

func objectsPath(spaceId string, instanceId string) string {
	return fmt.Sprintf("%s/objects", instancePath(spaceId, instanceId))
}

func objectPath(spaceId string, instanceId string, objectId string) string {
	return fmt.Sprintf("%s/%s", objectsPath(spaceId, instanceId), objectId)
}

func eventsPath(spaceId string, instanceId string) string {
	return fmt.Sprintf("%s/events", instancePath(spaceId, instanceId))
}

func eventPath(spaceId string, instanceId string, eventId string) string {
	return fmt.Sprintf("%s/%s", eventsPath(spaceId, instanceId), eventId)
}

func hostActorPath(spaceId string, instanceId string) string {
	return fmt.Sprintf("%s/hostActorId", instancePath(spaceId, instanceId))
}
