package timeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type DeletionMode string

const (
	// drop deleted items from the list
	DeletionModeRemove DeletionMode = "remove"
	// keep the item's id and position, rewrite it as a deletion marker
	DeletionModeTombstone DeletionMode = "tombstone"
)

type TimelineStoreSettings struct {
	// timeline source passed to the page fetch, e.g. "home", "public:local"
	Source string

	DeletionMode DeletionMode

	// commit debounce. rapid mutations inside one interval coalesce into a
	// single state emission. 0 makes every mutation synchronously visible.
	UpdateDebounce time.Duration

	PageSize int
}

func DefaultTimelineStoreSettings() *TimelineStoreSettings {
	return &TimelineStoreSettings{
		DeletionMode: DeletionModeRemove,
		// one frame at 60hz
		UpdateDebounce: 16 * time.Millisecond,
		PageSize:       40,
	}
}

// StreamMappers are the injected payload normalizers used by the stream
// handlers. nil mappers pass payloads through unchanged.
type StreamMappers struct {
	Status       ItemMapper
	Notification ItemMapper
}

type VirtualWindow struct {
	StartIndex int
	EndIndex   int
}

// TimelineState is the synchronous snapshot surface. Snapshots are copies and
// logically immutable; callers must not mutate them in place.
type TimelineState struct {
	Items         []*TimelineItem
	IsLoading     bool
	IsStreaming   bool
	Err           error
	PageInfo      PageInfo
	VirtualWindow VirtualWindow
}

type StateChangeFunction = func(state *TimelineState)

// TimelineStore owns the render-facing ordered list: pagination cursors, the
// virtual scroll window, optimistic crud, streaming-edit application,
// deletion-mode policy, and the debounced commit pipeline. The ordered list is
// mutated only through this type's operations.
type TimelineStore struct {
	adapter   TimelineAdapter
	transport Transport
	mappers   *StreamMappers
	settings  *TimelineStoreSettings

	stateLock sync.Mutex

	items         []*TimelineItem
	isLoading     bool
	isStreaming   bool
	err           error
	pageInfo      PageInfo
	virtualWindow VirtualWindow

	commitTimer     *time.Timer
	transportUnsubs []func()

	stateChangeCallbacks *CallbackList[StateChangeFunction]
}

func NewTimelineStoreWithDefaults(adapter TimelineAdapter, transport Transport, mappers *StreamMappers) *TimelineStore {
	return NewTimelineStore(adapter, transport, mappers, DefaultTimelineStoreSettings())
}

func NewTimelineStore(adapter TimelineAdapter, transport Transport, mappers *StreamMappers, settings *TimelineStoreSettings) *TimelineStore {
	if mappers == nil {
		mappers = &StreamMappers{}
	}
	return &TimelineStore{
		adapter:   adapter,
		transport: transport,
		mappers:   mappers,
		settings:  settings,
		items:     []*TimelineItem{},
		pageInfo: PageInfo{
			// the first fetch is always allowed
			HasNextPage: true,
		},
		stateChangeCallbacks: NewCallbackList[StateChangeFunction](),
	}
}

// State returns a synchronous snapshot of the store.
func (self *TimelineStore) State() *TimelineState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.stateSnapshot()
}

// must be called with `stateLock`
func (self *TimelineStore) stateSnapshot() *TimelineState {
	items := make([]*TimelineItem, 0, len(self.items))
	for _, item := range self.items {
		items = append(items, item.Clone())
	}
	return &TimelineState{
		Items:         items,
		IsLoading:     self.isLoading,
		IsStreaming:   self.isStreaming,
		Err:           self.err,
		PageInfo:      self.pageInfo,
		VirtualWindow: self.virtualWindow,
	}
}

// AddStateChangeCallback registers a callback invoked with each committed
// snapshot. Returns an unsubscribe function.
func (self *TimelineStore) AddStateChangeCallback(stateChangeCallback StateChangeFunction) func() {
	callbackId := self.stateChangeCallbacks.Add(stateChangeCallback)
	return func() {
		self.stateChangeCallbacks.Remove(callbackId)
	}
}

// scheduleCommit coalesces mutations into one emission per debounce interval
func (self *TimelineStore) scheduleCommit() {
	if self.settings.UpdateDebounce <= 0 {
		self.emitState()
		return
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.commitTimer != nil {
			// a commit is already pending
			return
		}
		self.commitTimer = time.AfterFunc(self.settings.UpdateDebounce, func() {
			func() {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()

				self.commitTimer = nil
			}()
			self.emitState()
		})
	}()
}

func (self *TimelineStore) emitState() {
	var state *TimelineState
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		state = self.stateSnapshot()
	}()
	for _, stateChangeCallback := range self.stateChangeCallbacks.Get() {
		stateChangeCallback(state)
	}
}

// flushCommit emits a pending debounced commit immediately so that stopping
// cannot drop buffered mutations.
func (self *TimelineStore) flushCommit() {
	pending := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.commitTimer != nil {
			self.commitTimer.Stop()
			self.commitTimer = nil
			pending = true
		}
	}()
	if pending {
		self.emitState()
	}
}

// LoadMore fetches the next page and appends it to the list. No-op when the
// cursor is exhausted or a fetch is already in flight. Fetch failure records
// the error on the state, clears isLoading, and returns the wrapped error.
func (self *TimelineStore) LoadMore(ctx context.Context) error {
	return self.fetch(ctx, false)
}

// Refresh fetches with a nil cursor and replaces the list, carrying existing
// side-channel annotations over to reloaded items with the same id.
func (self *TimelineStore) Refresh(ctx context.Context) error {
	return self.fetch(ctx, true)
}

func (self *TimelineStore) fetch(ctx context.Context, replace bool) error {
	if self.adapter == nil || self.settings.Source == "" {
		return ErrMissingAdapter
	}

	var after *string
	proceed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.isLoading {
			// one fetch at a time. the second caller observes the committed
			// state of the first.
			return
		}
		if !replace && !self.pageInfo.HasNextPage {
			return
		}
		if !replace {
			after = self.pageInfo.EndCursor
		}
		self.isLoading = true
		self.err = nil
		proceed = true
	}()
	if !proceed {
		return nil
	}
	self.scheduleCommit()

	result, err := self.adapter.FetchPage(ctx, &PageRequest{
		Source: self.settings.Source,
		After:  after,
		Limit:  self.settings.PageSize,
	})
	if err != nil {
		fetchErr := fmt.Errorf("timeline fetch: %w", err)
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			self.isLoading = false
			self.err = fetchErr
		}()
		self.scheduleCommit()
		glog.Infof("[tl]fetch error source=%s = %s\n", self.settings.Source, err)
		return fetchErr
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if replace {
			self.reconcileReplace(result.Items)
		} else {
			self.reconcileAppend(result.Items)
		}
		self.pageInfo = result.PageInfo
		self.isLoading = false
	}()
	self.scheduleCommit()
	return nil
}

// must be called with `stateLock`
func (self *TimelineStore) reconcileReplace(incoming []*TimelineItem) {
	existingByItemId := map[string]*TimelineItem{}
	for _, item := range self.items {
		existingByItemId[item.Id] = item
	}
	items := make([]*TimelineItem, 0, len(incoming))
	for _, incomingItem := range incoming {
		item := incomingItem.Clone()
		if existing, ok := existingByItemId[item.Id]; ok {
			item.Metadata = MergeItemMetadata(existing.Metadata, item.Metadata)
		}
		items = append(items, item)
	}
	self.items = items
}

// must be called with `stateLock`
func (self *TimelineStore) reconcileAppend(incoming []*TimelineItem) {
	for _, incomingItem := range incoming {
		i := self.indexOf(incomingItem.Id)
		if 0 <= i {
			// upsert merge: existing annotations win, new annotations fill in
			self.items[i].Metadata = MergeItemMetadata(self.items[i].Metadata, incomingItem.Metadata)
			continue
		}
		self.items = append(self.items, incomingItem.Clone())
	}
}

// must be called with `stateLock`
func (self *TimelineStore) indexOf(itemId string) int {
	for i, item := range self.items {
		if item.Id == itemId {
			return i
		}
	}
	return -1
}

// AddItem prepends an optimistic item, synthesizing an id when absent.
// Returns a copy of the stored item.
func (self *TimelineStore) AddItem(partial *TimelineItem) *TimelineItem {
	item := partial.Clone()
	if item == nil {
		item = &TimelineItem{}
	}
	if item.Id == "" {
		// adopt the entity's own id so a later streaming add of the same
		// entity hits the idempotence check instead of duplicating
		item.Id = stringField(item.Content, "id")
	}
	if item.Id == "" {
		item.Id = NewItemId()
	}
	if item.Type == "" {
		item.Type = ItemTypeStatus
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now()
	}
	item.IsOptimistic = true

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.items = append([]*TimelineItem{item}, self.items...)
	}()
	self.scheduleCommit()
	return item.Clone()
}

// ReplaceItem shallow-merges the supplied fields into the existing item.
// nil pointer fields are preserved; explicit values, including explicit
// false, are applied. No-op when the id is not present.
func (self *TimelineStore) ReplaceItem(itemId string, data *EditData) {
	if data == nil {
		return
	}
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		i := self.indexOf(itemId)
		if i < 0 {
			return
		}
		applyEditData(self.items[i], data)
		changed = true
	}()
	if changed {
		self.scheduleCommit()
	}
}

// DeleteItem removes the item unconditionally, irrespective of deletion mode.
// This is the direct local delete path, distinct from DeleteStatus.
func (self *TimelineStore) DeleteItem(itemId string) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		i := self.indexOf(itemId)
		if i < 0 {
			return
		}
		self.items = append(self.items[:i], self.items[i+1:]...)
		changed = true
	}()
	if changed {
		self.scheduleCommit()
	}
}

// DeleteStatus is the policy-aware delete: remote delete first, then the
// configured deletion mode locally. Remote failure propagates without
// mutating local state.
func (self *TimelineStore) DeleteStatus(ctx context.Context, itemId string) error {
	if self.adapter == nil {
		return ErrMissingAdapter
	}
	ok, err := self.adapter.DeleteObject(ctx, itemId)
	if err != nil {
		return fmt.Errorf("timeline delete: %w", err)
	}
	if !ok {
		// the origin refused the delete. leave local state alone.
		return nil
	}

	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		changed = self.applyDelete(itemId)
	}()
	if changed {
		self.scheduleCommit()
	}
	return nil
}

// must be called with `stateLock`
func (self *TimelineStore) applyDelete(itemId string) bool {
	i := self.indexOf(itemId)
	if i < 0 {
		return false
	}
	switch self.settings.DeletionMode {
	case DeletionModeTombstone:
		tombstoneItem(self.items[i])
	default:
		self.items = append(self.items[:i], self.items[i+1:]...)
	}
	return true
}

// rewrites the item in place as a deletion marker. id and position are
// retained so the ui can show "this post was deleted".
func tombstoneItem(item *TimelineItem) {
	item.Type = ItemTypeTombstone
	isDeleted := true
	item.ensureLesser().IsDeleted = &isDeleted
}

// ApplyStreamingEdit applies one normalized mutation to the ordered list.
func (self *TimelineStore) ApplyStreamingEdit(edit *StreamingEdit) {
	if edit == nil || edit.ItemId == "" {
		return
	}
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		switch edit.Type {
		case EditAdd:
			changed = self.applyEditAdd(edit)
		case EditReplace:
			changed = self.applyEditReplace(edit)
		case EditDelete:
			changed = self.applyDelete(edit.ItemId)
		case EditPatch:
			i := self.indexOf(edit.ItemId)
			if 0 <= i {
				changed = applyPatches(self.items[i], edit.Patches)
			}
		}
	}()
	if changed {
		self.scheduleCommit()
	}
}

// must be called with `stateLock`
func (self *TimelineStore) applyEditAdd(edit *StreamingEdit) bool {
	if 0 <= self.indexOf(edit.ItemId) {
		// idempotent add
		return false
	}
	data := edit.Data
	if data == nil || data.Content == nil {
		// expected from partial or late network frames. drop silently.
		return false
	}
	if data.MetadataInvalid {
		// invalid non-object metadata drops the whole add
		return false
	}
	item := newItemFromEditData(edit.ItemId, edit.Timestamp, data)
	self.items = append([]*TimelineItem{item}, self.items...)
	return true
}

// must be called with `stateLock`
func (self *TimelineStore) applyEditReplace(edit *StreamingEdit) bool {
	data := edit.Data
	if data == nil {
		return false
	}
	i := self.indexOf(edit.ItemId)
	if i < 0 {
		// upsert-on-replace
		if data.MetadataInvalid {
			return false
		}
		item := newItemFromEditData(edit.ItemId, edit.Timestamp, data)
		self.items = append([]*TimelineItem{item}, self.items...)
		return true
	}
	applyEditData(self.items[i], data)
	return true
}

func newItemFromEditData(itemId string, timestamp time.Time, data *EditData) *TimelineItem {
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	item := &TimelineItem{
		Id:        itemId,
		Type:      ItemTypeStatus,
		Timestamp: timestamp,
	}
	applyEditData(item, data)
	if item.Type == "" {
		item.Type = ItemTypeStatus
	}
	return item
}

// shallow merge: only supplied fields overwrite
func applyEditData(item *TimelineItem, data *EditData) {
	if data.HasType {
		item.Type = data.Type
	}
	if data.Content != nil {
		item.Content = cloneContent(data.Content)
	}
	if data.Metadata != nil {
		item.Metadata = data.Metadata.Clone()
	}
	if data.HasVersion {
		item.Version = data.Version
	}
	if data.HasIsOptimistic {
		item.IsOptimistic = data.IsOptimistic
	}
}

// upsertAnnotatedItem merges content and annotations into an existing item,
// or prepends a new one. Used by the side-channel stream handlers.
// must be called with `stateLock`
func (self *TimelineStore) upsertAnnotatedItem(itemId string, content map[string]any, lesser *LesserMetadata) *TimelineItem {
	i := self.indexOf(itemId)
	if 0 <= i {
		item := self.items[i]
		if item.Content == nil && content != nil {
			item.Content = cloneContent(content)
		}
		if lesser != nil {
			item.Metadata = MergeItemMetadata(item.Metadata, &ItemMetadata{Lesser: lesser})
		}
		return item
	}
	item := &TimelineItem{
		Id:        itemId,
		Type:      ItemTypeStatus,
		Content:   cloneContent(content),
		Timestamp: time.Now(),
	}
	if lesser != nil {
		item.Metadata = &ItemMetadata{Lesser: lesser.Clone()}
	}
	self.items = append([]*TimelineItem{item}, self.items...)
	return item
}

// UpdateVirtualWindow stores the rendering hint. It has no effect on
// correctness and is settable at any time.
func (self *TimelineStore) UpdateVirtualWindow(startIndex int, endIndex int) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.virtualWindow = VirtualWindow{
			StartIndex: startIndex,
			EndIndex:   endIndex,
		}
	}()
	self.scheduleCommit()
}

// Close stops streaming and releases the pending commit timer.
func (self *TimelineStore) Close() {
	self.StopStreaming()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.commitTimer != nil {
			self.commitTimer.Stop()
			self.commitTimer = nil
		}
	}()
}
