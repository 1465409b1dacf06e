package realtime

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestReplicatedCollectionDiff(t *testing.T) {
	type entity struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	replica := newReplicatedCollection[entity]("test")

	// empty snapshot, nothing cached
	changes := replica.apply(map[string]any{})
	assert.Equal(t, 0, len(changes))

	// a appears
	changes = replica.apply(map[string]any{
		"a": map[string]any{"name": "first", "count": float64(1)},
	})
	assert.Equal(t, 1, len(changes))
	assert.Equal(t, "a", changes[0].id)
	assert.Equal(t, ChangeTypeAdded, changes[0].changeType)
	assert.Equal(t, "first", changes[0].value.Name)

	// identical snapshot, no change
	changes = replica.apply(map[string]any{
		"a": map[string]any{"name": "first", "count": float64(1)},
	})
	assert.Equal(t, 0, len(changes))

	// a changes
	changes = replica.apply(map[string]any{
		"a": map[string]any{"name": "first", "count": float64(2)},
	})
	assert.Equal(t, 1, len(changes))
	assert.Equal(t, ChangeTypeUpdated, changes[0].changeType)
	assert.Equal(t, 2, changes[0].value.Count)

	// a disappears. the removal carries the last known value.
	changes = replica.apply(map[string]any{})
	assert.Equal(t, 1, len(changes))
	assert.Equal(t, ChangeTypeRemoved, changes[0].changeType)
	assert.Equal(t, "first", changes[0].value.Name)
	assert.Equal(t, 2, changes[0].value.Count)

	assert.Equal(t, 0, len(replica.getAll()))
}

func TestReplicatedCollectionNilSnapshot(t *testing.T) {
	type entity struct {
		Name string `json:"name"`
	}

	replica := newReplicatedCollection[entity]("test")

	changes := replica.apply(map[string]any{
		"a": map[string]any{"name": "one"},
		"b": map[string]any{"name": "two"},
	})
	assert.Equal(t, 2, len(changes))

	// a nil snapshot removes everything
	changes = replica.apply(nil)
	assert.Equal(t, 2, len(changes))
	for _, change := range changes {
		assert.Equal(t, ChangeTypeRemoved, change.changeType)
	}
}

func TestReplicatedCollectionGetCopies(t *testing.T) {
	type entity struct {
		Name string `json:"name"`
	}

	replica := newReplicatedCollection[entity]("test")
	replica.apply(map[string]any{
		"a": map[string]any{"name": "one"},
	})

	first := replica.get("a")
	first.Name = "mutated"
	assert.Equal(t, "one", replica.get("a").Name)
	assert.Equal(t, true, replica.get("missing") == nil)
}
