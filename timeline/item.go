package timeline

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/exp/maps"
)

type ItemType string

const (
	ItemTypeStatus       ItemType = "status"
	ItemTypeNotification ItemType = "notification"
	ItemTypeTombstone    ItemType = "tombstone"
	ItemTypeGap          ItemType = "gap"
)

// TimelineItem is the render-ready envelope for one entry in the ordered list.
// `Id` is stable across edits and unique within the list.
// `Content` is the normalized entity produced by the mapper layer; the engine
// treats it as opaque except for json patch application and the
// `content.account.id` lookups used by the list/relationship stream handlers.
// `Timestamp` is client bookkeeping only, never ordering authority.
type TimelineItem struct {
	Id           string
	Type         ItemType
	Content      map[string]any
	Timestamp    time.Time
	Metadata     *ItemMetadata
	Version      int64
	IsOptimistic bool
}

func (self *TimelineItem) Clone() *TimelineItem {
	if self == nil {
		return nil
	}
	item := *self
	if self.Content != nil {
		item.Content = maps.Clone(self.Content)
	}
	item.Metadata = self.Metadata.Clone()
	return &item
}

// ItemMetadata is the namespaced side-channel annotation bag.
// `lesser` holds the annotations populated by the lesser stream handlers.
type ItemMetadata struct {
	Lesser *LesserMetadata
}

func (self *ItemMetadata) Clone() *ItemMetadata {
	if self == nil {
		return nil
	}
	return &ItemMetadata{
		Lesser: self.Lesser.Clone(),
	}
}

type CommunityNote struct {
	AuthorId string
	Body     string
}

type ModerationInfo struct {
	Action string
	Reason string
}

// LesserMetadata is an open annotation record populated by independent stream
// handlers. Every field is optional; nil means "never annotated".
type LesserMetadata struct {
	EstimatedCost      *float64
	AuthorTrustScore   *float64
	CommunityNotes     []CommunityNote
	IsDeleted          *bool
	IsQuote            *bool
	QuoteCount         *int
	QuotePermissions   *string
	Hashtags           []string
	ListMemberships    []string
	ListTitles         map[string]string
	RelationshipStatus *string
	Moderation         *ModerationInfo
}

func (self *LesserMetadata) Clone() *LesserMetadata {
	if self == nil {
		return nil
	}
	lesser := &LesserMetadata{
		EstimatedCost:      clonePointer(self.EstimatedCost),
		AuthorTrustScore:   clonePointer(self.AuthorTrustScore),
		IsDeleted:          clonePointer(self.IsDeleted),
		IsQuote:            clonePointer(self.IsQuote),
		QuoteCount:         clonePointer(self.QuoteCount),
		QuotePermissions:   clonePointer(self.QuotePermissions),
		RelationshipStatus: clonePointer(self.RelationshipStatus),
	}
	if self.CommunityNotes != nil {
		lesser.CommunityNotes = append([]CommunityNote{}, self.CommunityNotes...)
	}
	if self.Hashtags != nil {
		lesser.Hashtags = append([]string{}, self.Hashtags...)
	}
	if self.ListMemberships != nil {
		lesser.ListMemberships = append([]string{}, self.ListMemberships...)
	}
	if self.ListTitles != nil {
		lesser.ListTitles = maps.Clone(self.ListTitles)
	}
	if self.Moderation != nil {
		moderation := *self.Moderation
		lesser.Moderation = &moderation
	}
	return lesser
}

func cloneContent(content map[string]any) map[string]any {
	if content == nil {
		return nil
	}
	return maps.Clone(content)
}

func clonePointer[T any](value *T) *T {
	if value == nil {
		return nil
	}
	out := *value
	return &out
}

// MergeItemMetadata applies the additive upsert merge rule:
// existing annotations are preserved and annotations only present on the
// incoming side are added. Used by pagination reconciliation and by
// duplicate-id streaming upserts.
func MergeItemMetadata(existing *ItemMetadata, incoming *ItemMetadata) *ItemMetadata {
	if existing == nil {
		return incoming.Clone()
	}
	if incoming == nil {
		return existing.Clone()
	}
	return &ItemMetadata{
		Lesser: MergeLesserMetadata(existing.Lesser, incoming.Lesser),
	}
}

func MergeLesserMetadata(existing *LesserMetadata, incoming *LesserMetadata) *LesserMetadata {
	if existing == nil {
		return incoming.Clone()
	}
	if incoming == nil {
		return existing.Clone()
	}

	merged := existing.Clone()
	if merged.EstimatedCost == nil {
		merged.EstimatedCost = clonePointer(incoming.EstimatedCost)
	}
	if merged.AuthorTrustScore == nil {
		merged.AuthorTrustScore = clonePointer(incoming.AuthorTrustScore)
	}
	if merged.CommunityNotes == nil && incoming.CommunityNotes != nil {
		merged.CommunityNotes = append([]CommunityNote{}, incoming.CommunityNotes...)
	}
	if merged.IsDeleted == nil {
		merged.IsDeleted = clonePointer(incoming.IsDeleted)
	}
	if merged.IsQuote == nil {
		merged.IsQuote = clonePointer(incoming.IsQuote)
	}
	if merged.QuoteCount == nil {
		merged.QuoteCount = clonePointer(incoming.QuoteCount)
	}
	if merged.QuotePermissions == nil {
		merged.QuotePermissions = clonePointer(incoming.QuotePermissions)
	}
	merged.Hashtags = mergeHashtags(merged.Hashtags, incoming.Hashtags)
	if merged.ListMemberships == nil && incoming.ListMemberships != nil {
		merged.ListMemberships = append([]string{}, incoming.ListMemberships...)
	}
	if incoming.ListTitles != nil {
		if merged.ListTitles == nil {
			merged.ListTitles = map[string]string{}
		}
		for listId, title := range incoming.ListTitles {
			if _, ok := merged.ListTitles[listId]; !ok {
				merged.ListTitles[listId] = title
			}
		}
	}
	if merged.RelationshipStatus == nil {
		merged.RelationshipStatus = clonePointer(incoming.RelationshipStatus)
	}
	if merged.Moderation == nil && incoming.Moderation != nil {
		moderation := *incoming.Moderation
		merged.Moderation = &moderation
	}
	return merged
}

// appends tags not already present, preserving the existing order
func mergeHashtags(existing []string, incoming []string) []string {
	if len(incoming) == 0 {
		return existing
	}
	seen := mapset.NewSet[string](existing...)
	merged := existing
	for _, tag := range incoming {
		if seen.Contains(tag) {
			continue
		}
		seen.Add(tag)
		merged = append(merged, tag)
	}
	return merged
}

// ensureLesser returns the item's lesser metadata record, creating it in place
// when the item was never annotated.
func (self *TimelineItem) ensureLesser() *LesserMetadata {
	if self.Metadata == nil {
		self.Metadata = &ItemMetadata{}
	}
	if self.Metadata.Lesser == nil {
		self.Metadata.Lesser = &LesserMetadata{}
	}
	return self.Metadata.Lesser
}

func (self *TimelineItem) lesser() *LesserMetadata {
	if self.Metadata == nil {
		return nil
	}
	return self.Metadata.Lesser
}

// accountId returns `content.account.id` when present.
func (self *TimelineItem) accountId() string {
	if self.Content == nil {
		return ""
	}
	account, ok := self.Content["account"].(map[string]any)
	if !ok {
		return ""
	}
	return stringField(account, "id")
}

func stringField(values map[string]any, key string) string {
	if values == nil {
		return ""
	}
	value, _ := values[key].(string)
	return value
}

func numberField(values map[string]any, key string) (float64, bool) {
	if values == nil {
		return 0, false
	}
	switch value := values[key].(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	default:
		return 0, false
	}
}
