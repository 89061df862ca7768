package timeline

import (
	"fmt"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// StartStreaming wires the transport's named events into the store and
// connects. A synchronous connect failure is recorded as the store error and
// leaves isStreaming false.
func (self *TimelineStore) StartStreaming() error {
	if self.transport == nil {
		return ErrMissingTransport
	}
	alreadyStreaming := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		alreadyStreaming = self.isStreaming
	}()
	if alreadyStreaming {
		return nil
	}

	unsubs := []func(){
		self.transport.On(StreamEventTimelineUpdates, self.handleTimelineUpdate),
		self.transport.On(StreamEventQuoteActivity, self.handleQuoteActivity),
		self.transport.On(StreamEventHashtagActivity, self.handleHashtagActivity),
		self.transport.On(StreamEventListUpdates, self.handleListUpdate),
		self.transport.On(StreamEventRelationshipUpdates, self.handleRelationshipUpdate),
		self.transport.On(StreamEventActivityStream, self.handleActivityStream),
		self.transport.On(StreamEventError, self.handleStreamError),
		self.transport.On(StreamEventClose, self.handleStreamClose),
	}

	if err := self.transport.Connect(); err != nil {
		for _, unsub := range unsubs {
			unsub()
		}
		connectErr := fmt.Errorf("timeline stream connect: %w", err)
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			self.err = connectErr
		}()
		self.scheduleCommit()
		glog.Infof("[tl]stream connect error = %s\n", err)
		return connectErr
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.transportUnsubs = unsubs
		self.isStreaming = true
		self.err = nil
	}()
	self.scheduleCommit()
	return nil
}

// StopStreaming unwires the transport and flushes the pending debounced
// commit so buffered mutations are never dropped.
func (self *TimelineStore) StopStreaming() {
	var unsubs []func()
	wasStreaming := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		unsubs = self.transportUnsubs
		self.transportUnsubs = nil
		wasStreaming = self.isStreaming
		self.isStreaming = false
	}()
	for _, unsub := range unsubs {
		unsub()
	}
	if wasStreaming {
		self.transport.Disconnect()
		self.scheduleCommit()
	}
	self.flushCommit()
}

func (self *TimelineStore) mapStatus(raw map[string]any) map[string]any {
	if raw == nil {
		return nil
	}
	if self.mappers.Status == nil {
		return raw
	}
	return self.mappers.Status(raw)
}

func (self *TimelineStore) mapNotification(raw map[string]any) map[string]any {
	if raw == nil {
		return nil
	}
	if self.mappers.Notification == nil {
		return raw
	}
	return self.mappers.Notification(raw)
}

func (self *TimelineStore) handleTimelineUpdate(payload any) {
	switch frame := payload.(type) {
	case *StreamingEdit:
		self.ApplyStreamingEdit(frame)
	case StreamingEdit:
		self.ApplyStreamingEdit(&frame)
	case map[string]any:
		if edit := ParseStreamingEdit(frame); edit != nil {
			self.ApplyStreamingEdit(edit)
		}
	default:
		glog.V(2).Infof("[tl]drop timeline update frame %T\n", payload)
	}
}

// quoteActivity: "withdrawn" deletes the referenced quoting item; "added"
// upserts the quoted post and overwrites the quote annotations.
func (self *TimelineStore) handleQuoteActivity(payload any) {
	event, ok := payload.(map[string]any)
	if !ok {
		return
	}
	switch stringField(event, "type") {
	case "withdrawn":
		quote, _ := event["quote"].(map[string]any)
		if quoteId := stringField(quote, "id"); quoteId != "" {
			self.DeleteItem(quoteId)
		}
	case "added":
		post, _ := event["post"].(map[string]any)
		if post == nil {
			post, _ = event["quote"].(map[string]any)
		}
		content := self.mapStatus(post)
		itemId := stringField(content, "id")
		if itemId == "" {
			return
		}
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			item := self.upsertAnnotatedItem(itemId, content, nil)
			lesser := item.ensureLesser()
			isQuote := true
			lesser.IsQuote = &isQuote
			if count, ok := numberField(event, "quoteCount"); ok {
				quoteCount := int(count)
				lesser.QuoteCount = &quoteCount
			}
			if permissions := stringField(event, "permissions"); permissions != "" {
				lesser.QuotePermissions = &permissions
			}
		}()
		self.scheduleCommit()
	}
}

// hashtagActivity: upsert the post and append the hashtag, deduplicated.
func (self *TimelineStore) handleHashtagActivity(payload any) {
	event, ok := payload.(map[string]any)
	if !ok {
		return
	}
	hashtag := stringField(event, "hashtag")
	if hashtag == "" {
		return
	}
	post, _ := event["post"].(map[string]any)
	content := self.mapStatus(post)
	itemId := stringField(content, "id")
	if itemId == "" {
		return
	}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.upsertAnnotatedItem(itemId, content, &LesserMetadata{
			Hashtags: []string{hashtag},
		})
	}()
	self.scheduleCommit()
}

// listUpdates: membership changes against items whose content.account.id
// matches. account_removed deletes the item.
func (self *TimelineStore) handleListUpdate(payload any) {
	event, ok := payload.(map[string]any)
	if !ok {
		return
	}
	accountId := stringField(event, "accountId")
	if account, ok := event["account"].(map[string]any); ok && accountId == "" {
		accountId = stringField(account, "id")
	}
	if accountId == "" {
		return
	}
	listId := stringField(event, "listId")
	listTitle := stringField(event, "listTitle")

	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		switch stringField(event, "type") {
		case "account_added", "account_updated":
			if listId == "" {
				return
			}
			for _, item := range self.items {
				if item.accountId() != accountId {
					continue
				}
				lesser := item.ensureLesser()
				if !slices.Contains(lesser.ListMemberships, listId) {
					lesser.ListMemberships = append(lesser.ListMemberships, listId)
				}
				if listTitle != "" {
					if lesser.ListTitles == nil {
						lesser.ListTitles = map[string]string{}
					}
					lesser.ListTitles[listId] = listTitle
				}
				changed = true
			}
		case "account_removed":
			items := make([]*TimelineItem, 0, len(self.items))
			for _, item := range self.items {
				if item.accountId() == accountId {
					changed = true
					continue
				}
				items = append(items, item)
			}
			self.items = items
		}
	}()
	if changed {
		self.scheduleCommit()
	}
}

// relationshipUpdates: drop items authored by a now-blocked account, annotate
// relationship status on "following".
func (self *TimelineStore) handleRelationshipUpdate(payload any) {
	event, ok := payload.(map[string]any)
	if !ok {
		return
	}
	accountId := stringField(event, "accountId")
	if account, ok := event["account"].(map[string]any); ok && accountId == "" {
		accountId = stringField(account, "id")
	}
	if accountId == "" {
		return
	}

	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		switch stringField(event, "type") {
		case "blocked":
			items := make([]*TimelineItem, 0, len(self.items))
			for _, item := range self.items {
				if item.accountId() == accountId {
					changed = true
					continue
				}
				items = append(items, item)
			}
			self.items = items
		case "following":
			for _, item := range self.items {
				if item.accountId() != accountId {
					continue
				}
				status := "following"
				item.ensureLesser().RelationshipStatus = &status
				changed = true
			}
		}
	}()
	if changed {
		self.scheduleCommit()
	}
}

// activityStream: the generic status firehose, funneled into streaming edits.
func (self *TimelineStore) handleActivityStream(payload any) {
	event, ok := payload.(map[string]any)
	if !ok {
		return
	}
	switch stringField(event, "event") {
	case "update", "status.update":
		status, _ := event["payload"].(map[string]any)
		content := self.mapStatus(status)
		itemId := stringField(content, "id")
		if itemId == "" {
			return
		}
		self.ApplyStreamingEdit(&StreamingEdit{
			Type:   EditReplace,
			ItemId: itemId,
			Data: &EditData{
				Content: content,
			},
		})
	case "notification":
		notification, _ := event["payload"].(map[string]any)
		content := self.mapNotification(notification)
		itemId := stringField(content, "id")
		if itemId == "" {
			return
		}
		self.ApplyStreamingEdit(&StreamingEdit{
			Type:   EditAdd,
			ItemId: itemId,
			Data: &EditData{
				Type:    ItemTypeNotification,
				HasType: true,
				Content: content,
			},
		})
	case "delete":
		itemId := stringField(event, "payload")
		if deleted, ok := event["payload"].(map[string]any); ok {
			itemId = stringField(deleted, "id")
		}
		if itemId == "" {
			return
		}
		self.ApplyStreamingEdit(&StreamingEdit{
			Type:   EditDelete,
			ItemId: itemId,
		})
	}
}

func (self *TimelineStore) handleStreamError(payload any) {
	streamErr, ok := payload.(error)
	if !ok {
		streamErr = fmt.Errorf("timeline stream: %v", payload)
	}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.err = streamErr
	}()
	self.scheduleCommit()
	glog.Infof("[tl]stream error = %s\n", streamErr)
}

func (self *TimelineStore) handleStreamClose(payload any) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.isStreaming = false
	}()
	self.scheduleCommit()
	glog.V(1).Infof("[tl]stream close\n")
}
