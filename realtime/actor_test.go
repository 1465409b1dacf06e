package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/assert/v2"
)

func TestActorJoinLeave(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	service := NewActorServiceWithDefaults(ctx, store)

	actor, err := service.Join(ctx, "s1", "i1", "a1", ActorMetadata{
		DisplayName: "Dana",
		Role:        "member",
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, "idle", actor.Animation)
	assert.Equal(t, true, actor.IsOnline)
	assert.Equal(t, "Dana", actor.Metadata.DisplayName)

	assert.Equal(t, true, service.IsLocalActor("a1"))
	assert.Equal(t, false, service.IsLocalActor("a2"))

	// the local actor is visible in the cache from the initial snapshot
	cached := service.Actor("a1")
	assert.NotEqual(t, nil, cached)
	assert.Equal(t, "Dana", cached.Metadata.DisplayName)
	assert.Equal(t, true, 0 < cached.JoinedAt)

	err = service.Leave(ctx)
	assert.Equal(t, nil, err)
	value, _ := store.ReadOnce(ctx, "spaces/s1/instances/i1/actors/a1")
	assert.Equal(t, nil, value)
	assert.Equal(t, 0, len(service.Actors()))

	// leave without a session is a no-op
	err = service.Leave(ctx)
	assert.Equal(t, nil, err)
}

func TestActorChangeCallbacks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	otherStore := store.Attach()

	service := NewActorServiceWithDefaults(ctx, store)
	otherService := NewActorServiceWithDefaults(ctx, otherStore)

	type change struct {
		actorId    string
		changeType ActorChangeType
	}
	changes := []change{}
	unsubscribe := service.AddActorChangeCallback(func(actorId string, actor *Actor, changeType ActorChangeType) {
		changes = append(changes, change{actorId: actorId, changeType: changeType})
	})
	defer unsubscribe()

	_, err := service.Join(ctx, "s1", "i1", "a1", ActorMetadata{})
	assert.Equal(t, nil, err)
	assert.Equal(t, []change{{"a1", ActorChangeTypeJoined}}, changes)

	_, err = otherService.Join(ctx, "s1", "i1", "a2", ActorMetadata{DisplayName: "Sam"})
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(changes))
	assert.Equal(t, change{"a2", ActorChangeTypeJoined}, changes[1])

	err = otherService.UpdateAnimation(ctx, "wave")
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(changes))
	assert.Equal(t, change{"a2", ActorChangeTypeUpdated}, changes[2])
	assert.Equal(t, "wave", service.Actor("a2").Animation)

	err = otherService.UpdateVoice(ctx, true)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, service.Actor("a2").Voice)

	err = otherService.UpdateMetadata(ctx, map[string]any{"displayName": "Sam R"})
	assert.Equal(t, nil, err)
	assert.Equal(t, "Sam R", service.Actor("a2").Metadata.DisplayName)

	err = otherService.Leave(ctx)
	assert.Equal(t, nil, err)
	last := changes[len(changes)-1]
	assert.Equal(t, change{"a2", ActorChangeTypeLeft}, last)
}

func TestActorLeftCallbackCarriesLastKnownState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	otherStore := store.Attach()

	service := NewActorServiceWithDefaults(ctx, store)
	otherService := NewActorServiceWithDefaults(ctx, otherStore)

	_, _ = service.Join(ctx, "s1", "i1", "a1", ActorMetadata{})
	_, _ = otherService.Join(ctx, "s1", "i1", "a2", ActorMetadata{DisplayName: "Sam"})
	_ = otherService.UpdateAnimation(ctx, "wave")

	var left *Actor
	service.AddActorChangeCallback(func(actorId string, actor *Actor, changeType ActorChangeType) {
		if changeType == ActorChangeTypeLeft {
			left = actor
		}
	})

	_ = otherService.Leave(ctx)
	assert.NotEqual(t, nil, left)
	assert.Equal(t, "wave", left.Animation)
	assert.Equal(t, "Sam", left.Metadata.DisplayName)
}

func TestActorTransformThrottle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	mock := clock.NewMock()
	mock.Set(time.Now())

	settings := DefaultActorServiceSettings()
	settings.Clock = mock
	service := NewActorService(ctx, store, settings)

	_, err := service.Join(ctx, "s1", "i1", "a1", ActorMetadata{})
	assert.Equal(t, nil, err)

	updated := 0
	service.AddActorChangeCallback(func(actorId string, actor *Actor, changeType ActorChangeType) {
		if changeType == ActorChangeTypeUpdated {
			updated += 1
		}
	})

	// only the first call in each throttle window writes
	for i := 0; i < 5; i += 1 {
		err := service.UpdateTransform(ctx, Vector3{X: float64(i + 1)}, Vector3{})
		assert.Equal(t, nil, err)
		mock.Add(10 * time.Millisecond)
	}
	assert.Equal(t, 1, updated)
	assert.Equal(t, float64(1), service.Actor("a1").Position.X)

	mock.Add(settings.UpdateThrottle)
	err = service.UpdateTransform(ctx, Vector3{X: 10}, Vector3{})
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, updated)
	assert.Equal(t, float64(10), service.Actor("a1").Position.X)
}

func TestActorDisconnectCleanup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	otherStore := store.Attach()

	service := NewActorServiceWithDefaults(ctx, store)
	otherService := NewActorServiceWithDefaults(ctx, otherStore)

	_, _ = service.Join(ctx, "s1", "i1", "a1", ActorMetadata{})
	_, _ = otherService.Join(ctx, "s1", "i1", "a2", ActorMetadata{})

	leftIds := []string{}
	service.AddActorChangeCallback(func(actorId string, actor *Actor, changeType ActorChangeType) {
		if changeType == ActorChangeTypeLeft {
			leftIds = append(leftIds, actorId)
		}
	})

	// abnormal termination, no explicit leave
	otherStore.CloseConnection(ctx)

	value, _ := store.ReadOnce(ctx, "spaces/s1/instances/i1/actors/a2")
	assert.Equal(t, nil, value)
	assert.Equal(t, []string{"a2"}, leftIds)
}

func TestActorUpdateWithoutSession(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	service := NewActorServiceWithDefaults(ctx, store)

	// precondition failures are silent no-ops
	assert.Equal(t, nil, service.UpdateTransform(ctx, Vector3{X: 1}, Vector3{}))
	assert.Equal(t, nil, service.UpdateAnimation(ctx, "wave"))
	assert.Equal(t, nil, service.UpdateVoice(ctx, true))

	value, _ := store.ReadOnce(ctx, "spaces")
	assert.Equal(t, nil, value)
}

func TestActorRejoinTearsDownPreviousSession(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	service := NewActorServiceWithDefaults(ctx, store)

	_, err := service.Join(ctx, "s1", "i1", "a1", ActorMetadata{})
	assert.Equal(t, nil, err)
	_, err = service.Join(ctx, "s1", "i2", "a1", ActorMetadata{})
	assert.Equal(t, nil, err)

	// the first session's presence is gone
	value, _ := store.ReadOnce(ctx, "spaces/s1/instances/i1/actors/a1")
	assert.Equal(t, nil, value)
	value, _ = store.ReadOnce(ctx, "spaces/s1/instances/i2/actors/a1")
	assert.NotEqual(t, nil, value)
}
