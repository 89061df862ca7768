package timeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// cacheEntry is one canonical entity snapshot plus the edit timestamp that
// produced it. A zero editedAt means the snapshot never went through an edit.
type cacheEntry struct {
	data     map[string]any
	editedAt time.Time
}

// ApplyResult reports what one operation did to the canonical cache.
// Applied false with a non-empty Conflicts means the operation was rejected;
// rejection is terminal, there is no retry path at this layer.
type ApplyResult struct {
	Applied   bool
	Conflicts []string
}

// StreamingStateManager is the canonical entity cache behind the streaming
// pipeline. It is partitioned by entity kind so a status and an account with
// the same server id never collide. Writes resolve conflicts
// last-writer-wins by edit timestamp: an edit older than the cached snapshot
// is rejected, never merged.
type StreamingStateManager struct {
	stateLock sync.Mutex

	partitions map[EntityKind]map[string]*cacheEntry
}

func NewStreamingStateManager() *StreamingStateManager {
	return &StreamingStateManager{
		partitions: map[EntityKind]map[string]*cacheEntry{},
	}
}

// ApplyOperation applies one streaming operation to the cache.
// Updates and deletes always apply. Edits are conflict checked against the
// cached predecessor and rejected when stale.
func (self *StreamingStateManager) ApplyOperation(op *StreamingOperation) *ApplyResult {
	if op == nil || op.ItemId == "" {
		return &ApplyResult{
			Applied:   false,
			Conflicts: []string{"operation missing item id"},
		}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch op.Type {
	case OperationUpdate:
		self.put(op.ItemType, op.ItemId, op.Payload, op.EditedAt)
		return &ApplyResult{
			Applied: true,
		}
	case OperationDelete:
		self.remove(op.ItemType, op.ItemId)
		return &ApplyResult{
			Applied: true,
		}
	case OperationEdit:
		return self.applyEdit(op)
	default:
		return &ApplyResult{
			Applied:   false,
			Conflicts: []string{fmt.Sprintf("unknown operation type %s", op.Type)},
		}
	}
}

// must be called with `stateLock`
func (self *StreamingStateManager) applyEdit(op *StreamingOperation) *ApplyResult {
	kind := op.ItemType
	existing := self.lookup(kind, op.ItemId)
	if existing == nil && kind == "" {
		// no declared kind and no cached predecessor in any partition.
		// infer from the replacement data shape.
		for _, candidate := range []EntityKind{EntityStatus, EntityAccount, EntityNotification} {
			if entry := self.lookup(candidate, op.ItemId); entry != nil {
				kind = candidate
				existing = entry
				break
			}
		}
		if kind == "" {
			kind = inferEntityKind(op.Data)
		}
		if kind == "" {
			return &ApplyResult{
				Applied:   false,
				Conflicts: []string{"unknown data type in edit operation"},
			}
		}
	}
	if existing == nil {
		existing = self.lookup(kind, op.ItemId)
	}

	if existing != nil && !op.EditedAt.IsZero() && existing.editedAt.After(op.EditedAt) {
		glog.V(2).Infof("[state]stale edit %s/%s\n", kind, op.ItemId)
		return &ApplyResult{
			Applied: false,
			Conflicts: []string{
				fmt.Sprintf(
					"edit at %s is older than existing edit at %s",
					op.EditedAt.UTC().Format(time.RFC3339),
					existing.editedAt.UTC().Format(time.RFC3339),
				),
			},
		}
	}

	self.put(kind, op.ItemId, op.Data, op.EditedAt)
	return &ApplyResult{
		Applied: true,
	}
}

// must be called with `stateLock`
func (self *StreamingStateManager) lookup(kind EntityKind, itemId string) *cacheEntry {
	if kind == "" {
		return nil
	}
	partition, ok := self.partitions[kind]
	if !ok {
		return nil
	}
	return partition[itemId]
}

// must be called with `stateLock`
func (self *StreamingStateManager) put(kind EntityKind, itemId string, data map[string]any, editedAt time.Time) {
	if kind == "" {
		kind = inferEntityKind(data)
	}
	if kind == "" {
		kind = EntityStatus
	}
	partition, ok := self.partitions[kind]
	if !ok {
		partition = map[string]*cacheEntry{}
		self.partitions[kind] = partition
	}
	partition[itemId] = &cacheEntry{
		data:     cloneContent(data),
		editedAt: editedAt,
	}
}

// must be called with `stateLock`
func (self *StreamingStateManager) remove(kind EntityKind, itemId string) {
	if kind != "" {
		delete(self.partitions[kind], itemId)
		return
	}
	for _, partition := range self.partitions {
		delete(partition, itemId)
	}
}

// inferEntityKind classifies an untagged entity by its shape.
func inferEntityKind(data map[string]any) EntityKind {
	if data == nil {
		return ""
	}
	if _, ok := data["content"]; ok {
		return EntityStatus
	}
	if _, ok := data["account"]; ok {
		return EntityStatus
	}
	if _, ok := data["acct"]; ok {
		return EntityAccount
	}
	if _, ok := data["username"]; ok {
		return EntityAccount
	}
	return ""
}

// CachedItem returns a copy of the canonical snapshot, or nil when absent.
func (self *StreamingStateManager) CachedItem(kind EntityKind, itemId string) map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry := self.lookup(kind, itemId)
	if entry == nil {
		return nil
	}
	return cloneContent(entry.data)
}

// CacheStats returns the entry count per partition.
func (self *StreamingStateManager) CacheStats() map[EntityKind]int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stats := map[EntityKind]int{}
	for kind, partition := range self.partitions {
		stats[kind] = len(partition)
	}
	return stats
}

func (self *StreamingStateManager) ClearCache() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	maps.Clear(self.partitions)
}
