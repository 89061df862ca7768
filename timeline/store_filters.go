package timeline

// pure predicate filters over the `metadata.lesser` annotations.
// each returns cloned items; no side effects.

func (self *TimelineStore) filterItems(predicate func(item *TimelineItem) bool) []*TimelineItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	matched := []*TimelineItem{}
	for _, item := range self.items {
		if predicate(item) {
			matched = append(matched, item.Clone())
		}
	}
	return matched
}

// ItemsWithCost returns items carrying a cost estimate at or above the
// threshold. A zero threshold returns every item with an estimate.
func (self *TimelineStore) ItemsWithCost(threshold float64) []*TimelineItem {
	return self.filterItems(func(item *TimelineItem) bool {
		lesser := item.lesser()
		return lesser != nil && lesser.EstimatedCost != nil && threshold <= *lesser.EstimatedCost
	})
}

func (self *TimelineStore) ItemsWithTrustScore(minimumScore float64) []*TimelineItem {
	return self.filterItems(func(item *TimelineItem) bool {
		lesser := item.lesser()
		return lesser != nil && lesser.AuthorTrustScore != nil && minimumScore <= *lesser.AuthorTrustScore
	})
}

func (self *TimelineStore) ItemsWithCommunityNotes() []*TimelineItem {
	return self.filterItems(func(item *TimelineItem) bool {
		lesser := item.lesser()
		return lesser != nil && 0 < len(lesser.CommunityNotes)
	})
}

func (self *TimelineStore) QuotePosts() []*TimelineItem {
	return self.filterItems(func(item *TimelineItem) bool {
		lesser := item.lesser()
		return lesser != nil && lesser.IsQuote != nil && *lesser.IsQuote
	})
}

// ModeratedItems returns items with a moderation annotation, optionally
// narrowed to one action. An empty action matches any.
func (self *TimelineStore) ModeratedItems(action string) []*TimelineItem {
	return self.filterItems(func(item *TimelineItem) bool {
		lesser := item.lesser()
		if lesser == nil || lesser.Moderation == nil {
			return false
		}
		return action == "" || lesser.Moderation.Action == action
	})
}
