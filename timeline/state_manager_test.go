package timeline

import (
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestApplyOperationUpdate(t *testing.T) {
	manager := NewStreamingStateManager()

	result := manager.ApplyOperation(&StreamingOperation{
		Type:     OperationUpdate,
		ItemType: EntityStatus,
		ItemId:   "s1",
		Payload: map[string]any{
			"id":      "s1",
			"content": "hello",
		},
	})
	assert.Equal(t, result.Applied, true)
	assert.Equal(t, len(result.Conflicts), 0)

	cached := manager.CachedItem(EntityStatus, "s1")
	assert.Equal(t, cached["content"], "hello")
}

func TestApplyOperationDelete(t *testing.T) {
	manager := NewStreamingStateManager()

	manager.ApplyOperation(&StreamingOperation{
		Type:     OperationUpdate,
		ItemType: EntityStatus,
		ItemId:   "s1",
		Payload:  map[string]any{"id": "s1"},
	})
	result := manager.ApplyOperation(&StreamingOperation{
		Type:     OperationDelete,
		ItemType: EntityStatus,
		ItemId:   "s1",
	})
	assert.Equal(t, result.Applied, true)
	assert.Equal(t, manager.CachedItem(EntityStatus, "s1"), nil)
}

func TestApplyOperationEditConflict(t *testing.T) {
	manager := NewStreamingStateManager()

	t1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	result := manager.ApplyOperation(&StreamingOperation{
		Type:     OperationEdit,
		ItemType: EntityStatus,
		ItemId:   "s1",
		Data: map[string]any{
			"id":      "s1",
			"content": "newer",
		},
		EditedAt: t2,
	})
	assert.Equal(t, result.Applied, true)

	// a stale edit against the newer snapshot is rejected, not merged
	result = manager.ApplyOperation(&StreamingOperation{
		Type:     OperationEdit,
		ItemType: EntityStatus,
		ItemId:   "s1",
		Data: map[string]any{
			"id":      "s1",
			"content": "older",
		},
		EditedAt: t1,
	})
	assert.Equal(t, result.Applied, false)
	assert.Equal(t, len(result.Conflicts), 1)
	assert.Equal(t, strings.Contains(result.Conflicts[0], "older than existing edit"), true)
	assert.Equal(t, manager.CachedItem(EntityStatus, "s1")["content"], "newer")
}

func TestApplyOperationEditEqualTimestampApplies(t *testing.T) {
	manager := NewStreamingStateManager()

	t1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	manager.ApplyOperation(&StreamingOperation{
		Type:     OperationEdit,
		ItemType: EntityStatus,
		ItemId:   "s1",
		Data:     map[string]any{"id": "s1", "content": "first"},
		EditedAt: t1,
	})
	// equal timestamps are not a conflict: last writer wins
	result := manager.ApplyOperation(&StreamingOperation{
		Type:     OperationEdit,
		ItemType: EntityStatus,
		ItemId:   "s1",
		Data:     map[string]any{"id": "s1", "content": "second"},
		EditedAt: t1,
	})
	assert.Equal(t, result.Applied, true)
	assert.Equal(t, manager.CachedItem(EntityStatus, "s1")["content"], "second")
}

func TestApplyOperationEditWithoutTimestamp(t *testing.T) {
	manager := NewStreamingStateManager()

	t1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	manager.ApplyOperation(&StreamingOperation{
		Type:     OperationEdit,
		ItemType: EntityStatus,
		ItemId:   "s1",
		Data:     map[string]any{"id": "s1", "content": "timestamped"},
		EditedAt: t1,
	})

	// no editedAt means no ordering claim: plain last writer wins
	result := manager.ApplyOperation(&StreamingOperation{
		Type:     OperationEdit,
		ItemType: EntityStatus,
		ItemId:   "s1",
		Data:     map[string]any{"id": "s1", "content": "untimestamped"},
	})
	assert.Equal(t, result.Applied, true)
	assert.Equal(t, manager.CachedItem(EntityStatus, "s1")["content"], "untimestamped")

	// the untimestamped snapshot never outranks a later timestamped edit
	result = manager.ApplyOperation(&StreamingOperation{
		Type:     OperationEdit,
		ItemType: EntityStatus,
		ItemId:   "s1",
		Data:     map[string]any{"id": "s1", "content": "timestamped again"},
		EditedAt: t1,
	})
	assert.Equal(t, result.Applied, true)
	assert.Equal(t, manager.CachedItem(EntityStatus, "s1")["content"], "timestamped again")
}

func TestApplyOperationEditInfersKindFromCache(t *testing.T) {
	manager := NewStreamingStateManager()

	manager.ApplyOperation(&StreamingOperation{
		Type:     OperationUpdate,
		ItemType: EntityAccount,
		ItemId:   "a1",
		Payload:  map[string]any{"id": "a1", "acct": "ada"},
	})

	// no declared kind; the cached predecessor pins the partition
	result := manager.ApplyOperation(&StreamingOperation{
		Type:   OperationEdit,
		ItemId: "a1",
		Data:   map[string]any{"id": "a1", "display": "Ada"},
	})
	assert.Equal(t, result.Applied, true)
	assert.Equal(t, manager.CachedItem(EntityAccount, "a1")["display"], "Ada")
}

func TestApplyOperationEditInfersKindFromShape(t *testing.T) {
	manager := NewStreamingStateManager()

	result := manager.ApplyOperation(&StreamingOperation{
		Type:   OperationEdit,
		ItemId: "a1",
		Data:   map[string]any{"id": "a1", "acct": "ada"},
	})
	assert.Equal(t, result.Applied, true)
	assert.NotEqual(t, manager.CachedItem(EntityAccount, "a1"), nil)
}

func TestApplyOperationEditUnknownKind(t *testing.T) {
	manager := NewStreamingStateManager()

	result := manager.ApplyOperation(&StreamingOperation{
		Type:   OperationEdit,
		ItemId: "x1",
		Data:   map[string]any{"id": "x1", "opaque": true},
	})
	assert.Equal(t, result.Applied, false)
	assert.Equal(t, result.Conflicts, []string{"unknown data type in edit operation"})
}

func TestApplyOperationMissingItemId(t *testing.T) {
	manager := NewStreamingStateManager()

	result := manager.ApplyOperation(&StreamingOperation{
		Type:     OperationUpdate,
		ItemType: EntityStatus,
	})
	assert.Equal(t, result.Applied, false)
	assert.Equal(t, len(result.Conflicts), 1)
}

func TestPartitionsDoNotCollide(t *testing.T) {
	manager := NewStreamingStateManager()

	manager.ApplyOperation(&StreamingOperation{
		Type:     OperationUpdate,
		ItemType: EntityStatus,
		ItemId:   "1",
		Payload:  map[string]any{"id": "1", "content": "post"},
	})
	manager.ApplyOperation(&StreamingOperation{
		Type:     OperationUpdate,
		ItemType: EntityAccount,
		ItemId:   "1",
		Payload:  map[string]any{"id": "1", "acct": "ada"},
	})

	assert.Equal(t, manager.CachedItem(EntityStatus, "1")["content"], "post")
	assert.Equal(t, manager.CachedItem(EntityAccount, "1")["acct"], "ada")

	// deleting from one partition leaves the other
	manager.ApplyOperation(&StreamingOperation{
		Type:     OperationDelete,
		ItemType: EntityStatus,
		ItemId:   "1",
	})
	assert.Equal(t, manager.CachedItem(EntityStatus, "1"), nil)
	assert.NotEqual(t, manager.CachedItem(EntityAccount, "1"), nil)
}

func TestCacheStatsAndClear(t *testing.T) {
	manager := NewStreamingStateManager()

	manager.ApplyOperation(&StreamingOperation{
		Type:     OperationUpdate,
		ItemType: EntityStatus,
		ItemId:   "s1",
		Payload:  map[string]any{"id": "s1"},
	})
	manager.ApplyOperation(&StreamingOperation{
		Type:     OperationUpdate,
		ItemType: EntityStatus,
		ItemId:   "s2",
		Payload:  map[string]any{"id": "s2"},
	})
	manager.ApplyOperation(&StreamingOperation{
		Type:     OperationUpdate,
		ItemType: EntityNotification,
		ItemId:   "n1",
		Payload:  map[string]any{"id": "n1"},
	})

	stats := manager.CacheStats()
	assert.Equal(t, stats[EntityStatus], 2)
	assert.Equal(t, stats[EntityNotification], 1)

	manager.ClearCache()
	assert.Equal(t, len(manager.CacheStats()), 0)
	assert.Equal(t, manager.CachedItem(EntityStatus, "s1"), nil)
}

func TestCachedItemIsACopy(t *testing.T) {
	manager := NewStreamingStateManager()

	manager.ApplyOperation(&StreamingOperation{
		Type:     OperationUpdate,
		ItemType: EntityStatus,
		ItemId:   "s1",
		Payload:  map[string]any{"id": "s1", "content": "original"},
	})

	cached := manager.CachedItem(EntityStatus, "s1")
	cached["content"] = "mutated"
	assert.Equal(t, manager.CachedItem(EntityStatus, "s1")["content"], "original")
}
