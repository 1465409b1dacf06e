package realtime

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSessionJoinLeave(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	session := NewSessionWithDefaults(ctx, store)

	assert.Equal(t, false, session.IsActive())

	err := session.Join(ctx, "s1", "i1", "a1", ActorMetadata{
		DisplayName: "alice",
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, session.IsActive())
	assert.Equal(t, "a1", session.ActorId())
	assert.Equal(t, ConnectionStateConnected, session.Network.ConnectionState())
	assert.Equal(t, "a1", session.Actors.LocalActorId())

	err = session.Leave(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, session.IsActive())
	assert.Equal(t, "", session.ActorId())
	assert.Equal(t, ConnectionStateDisconnected, session.Network.ConnectionState())

	// presence is withdrawn from the store
	value, err := store.ReadOnce(ctx, "spaces/s1/instances/i1/actors/a1")
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, value)
}

func TestSessionRejoinTearsDownPrevious(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	session := NewSessionWithDefaults(ctx, store)

	_ = session.Join(ctx, "s1", "i1", "a1", ActorMetadata{})
	err := session.Join(ctx, "s1", "i2", "a1", ActorMetadata{})
	assert.Equal(t, nil, err)

	// only the second instance has the presence record
	value, _ := store.ReadOnce(ctx, "spaces/s1/instances/i1/actors/a1")
	assert.Equal(t, nil, value)
	value, _ = store.ReadOnce(ctx, "spaces/s1/instances/i2/actors/a1")
	assert.NotEqual(t, nil, value)
}

func TestSessionsSeeEachOther(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	alice := NewSessionWithDefaults(ctx, store)
	bob := NewSessionWithDefaults(ctx, store.Attach())

	_ = alice.Join(ctx, "s1", "i1", "a1", ActorMetadata{DisplayName: "alice"})
	_ = bob.Join(ctx, "s1", "i1", "a2", ActorMetadata{DisplayName: "bob"})

	aliceView := alice.Actors.Actors()
	assert.Equal(t, 2, len(aliceView))
	assert.Equal(t, "bob", aliceView["a2"].Metadata.DisplayName)

	bobView := bob.Actors.Actors()
	assert.Equal(t, 2, len(bobView))
	assert.Equal(t, "alice", bobView["a1"].Metadata.DisplayName)

	_ = alice.Leave(ctx)
	bobView = bob.Actors.Actors()
	assert.Equal(t, 1, len(bobView))
}

func TestSessionBroadcastBetweenSessions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	alice := NewSessionWithDefaults(ctx, store)
	bob := NewSessionWithDefaults(ctx, store.Attach())

	_ = alice.Join(ctx, "s1", "i1", "a1", ActorMetadata{})
	_ = bob.Join(ctx, "s1", "i1", "a2", ActorMetadata{})

	got := []*Event{}
	bob.Network.On("emote", func(event *Event) {
		got = append(got, event)
	})

	ok, err := alice.Network.Broadcast(ctx, "emote", map[string]any{"kind": "wave"}, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)

	assert.Equal(t, 1, len(got))
	assert.Equal(t, "a1", got[0].SenderId)
	assert.Equal(t, "wave", got[0].Data["kind"])
}

func TestSessionContentVisibleAcrossSessions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	alice := NewSessionWithDefaults(ctx, store)
	bob := NewSessionWithDefaults(ctx, store.Attach())

	_ = alice.Join(ctx, "s1", "i1", "a1", ActorMetadata{})
	_ = bob.Join(ctx, "s1", "i1", "a2", ActorMetadata{})

	objectId, err := alice.Content.Spawn(ctx, ContentTypePrefab, &ContentObjectConfig{
		PrefabId: "chair_01",
	})
	assert.Equal(t, nil, err)

	object := bob.Content.Object(objectId)
	assert.Equal(t, false, object == nil)
	assert.Equal(t, "a1", object.OwnerId)
	assert.Equal(t, false, bob.Content.IsOwner(objectId))
	assert.Equal(t, true, alice.Content.IsOwner(objectId))
}

func TestSessionLeaveReleasesOwnershipByPresence(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	alice := NewSessionWithDefaults(ctx, store)
	bob := NewSessionWithDefaults(ctx, store.Attach())

	_ = alice.Join(ctx, "s1", "i1", "a1", ActorMetadata{})
	_ = bob.Join(ctx, "s1", "i1", "a2", ActorMetadata{})

	objectId, _ := alice.Content.Spawn(ctx, ContentTypeInteractive, nil)
	_ = alice.Leave(ctx)

	// alice's presence is gone, so bob can take the object over
	ok, err := bob.Content.RequestOwnership(ctx, objectId)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, true, bob.Content.IsOwner(objectId))
}
