package timeline

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMergeLesserMetadataAdditive(t *testing.T) {
	existingCost := 1.0
	incomingCost := 9.0
	incomingScore := 0.5

	existing := &LesserMetadata{
		EstimatedCost: &existingCost,
		Hashtags:      []string{"golang"},
	}
	incoming := &LesserMetadata{
		EstimatedCost:    &incomingCost,
		AuthorTrustScore: &incomingScore,
		Hashtags:         []string{"golang", "fediverse"},
	}

	merged := MergeLesserMetadata(existing, incoming)
	// existing annotations win, new annotations fill in
	assert.Equal(t, *merged.EstimatedCost, existingCost)
	assert.Equal(t, *merged.AuthorTrustScore, incomingScore)
	assert.Equal(t, merged.Hashtags, []string{"golang", "fediverse"})

	// inputs untouched
	assert.Equal(t, existing.AuthorTrustScore, nil)
	assert.Equal(t, incoming.Hashtags, []string{"golang", "fediverse"})
}

func TestMergeLesserMetadataNilSides(t *testing.T) {
	cost := 1.0
	lesser := &LesserMetadata{
		EstimatedCost: &cost,
	}
	assert.Equal(t, *MergeLesserMetadata(nil, lesser).EstimatedCost, cost)
	assert.Equal(t, *MergeLesserMetadata(lesser, nil).EstimatedCost, cost)
	assert.Equal(t, MergeLesserMetadata(nil, nil), nil)
}

func TestMergeListTitles(t *testing.T) {
	existing := &LesserMetadata{
		ListMemberships: []string{"l1"},
		ListTitles:      map[string]string{"l1": "friends"},
	}
	incoming := &LesserMetadata{
		ListTitles: map[string]string{
			"l1": "renamed",
			"l2": "work",
		},
	}
	merged := MergeLesserMetadata(existing, incoming)
	assert.Equal(t, merged.ListTitles["l1"], "friends")
	assert.Equal(t, merged.ListTitles["l2"], "work")
	assert.Equal(t, merged.ListMemberships, []string{"l1"})
}

func TestItemCloneIndependence(t *testing.T) {
	cost := 1.0
	item := &TimelineItem{
		Id:      "a",
		Type:    ItemTypeStatus,
		Content: map[string]any{"text": "original"},
		Metadata: &ItemMetadata{
			Lesser: &LesserMetadata{
				EstimatedCost: &cost,
				Hashtags:      []string{"golang"},
			},
		},
	}

	clone := item.Clone()
	clone.Content["text"] = "mutated"
	*clone.Metadata.Lesser.EstimatedCost = 9.0
	clone.Metadata.Lesser.Hashtags[0] = "mutated"

	assert.Equal(t, item.Content["text"], "original")
	assert.Equal(t, *item.Metadata.Lesser.EstimatedCost, 1.0)
	assert.Equal(t, item.Metadata.Lesser.Hashtags, []string{"golang"})
}

func TestCloneNil(t *testing.T) {
	var item *TimelineItem
	assert.Equal(t, item.Clone(), nil)

	var metadata *ItemMetadata
	assert.Equal(t, metadata.Clone(), nil)

	var lesser *LesserMetadata
	assert.Equal(t, lesser.Clone(), nil)
}

func TestAccountId(t *testing.T) {
	item := &TimelineItem{
		Content: map[string]any{
			"account": map[string]any{"id": "acct1"},
		},
	}
	assert.Equal(t, item.accountId(), "acct1")

	assert.Equal(t, (&TimelineItem{}).accountId(), "")
	assert.Equal(t, (&TimelineItem{Content: map[string]any{"account": "acct1"}}).accountId(), "")
}

func TestCallbackListOrderAndRemove(t *testing.T) {
	callbacks := NewCallbackList[func()]()

	var order []int
	firstId := callbacks.Add(func() {
		order = append(order, 1)
	})
	callbacks.Add(func() {
		order = append(order, 2)
	})

	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, order, []int{1, 2})

	callbacks.Remove(firstId)
	order = nil
	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, order, []int{2})
}

func TestNewIds(t *testing.T) {
	assert.NotEqual(t, NewItemId(), "")
	assert.NotEqual(t, NewItemId(), NewItemId())
	assert.NotEqual(t, NewOperationId(), "")
}
