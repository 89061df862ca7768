package timeline

import (
	"context"
	"time"
)

// PageInfo is replaced wholesale on every successful fetch and gates LoadMore.
type PageInfo struct {
	HasNextPage bool
	EndCursor   *string
}

type PageRequest struct {
	Source string
	// nil for the first page and for Refresh
	After *string
	Limit int
}

type PageResult struct {
	Items    []*TimelineItem
	PageInfo PageInfo
}

// TimelineAdapter is the injected fetch/mutation collaborator. The engine
// never talks to the network itself.
type TimelineAdapter interface {
	FetchPage(ctx context.Context, request *PageRequest) (*PageResult, error)
	// DeleteObject deletes the remote object. false means the origin refused
	// the delete without erroring; local state is left untouched.
	DeleteObject(ctx context.Context, id string) (bool, error)
}

// ItemMapper converts one raw vendor payload into normalized entity content.
// A nil result drops the item; invalid payloads are filtered, never errors.
type ItemMapper func(raw map[string]any) map[string]any

// NormalizePage converts an upstream page response into a PageResult.
// Upstream data sources reply in one of three shapes: a bare array of nodes,
// `{nodes: [...]}` or `{items: [...]}` with an optional sibling pageInfo, or a
// graphql edge list `{edges: [{node, cursor}], pageInfo}`. Each node runs
// through the mapper; nodes the mapper rejects, and nodes without an id, are
// filtered out.
func NormalizePage(response any, mapper ItemMapper) *PageResult {
	result := &PageResult{}

	var nodes []any
	switch page := response.(type) {
	case []any:
		nodes = page
	case []map[string]any:
		for _, node := range page {
			nodes = append(nodes, node)
		}
	case map[string]any:
		if edges, ok := page["edges"].([]any); ok {
			for _, rawEdge := range edges {
				edge, ok := rawEdge.(map[string]any)
				if !ok {
					continue
				}
				if node, ok := edge["node"]; ok {
					nodes = append(nodes, node)
				}
			}
		} else if listed, ok := page["nodes"].([]any); ok {
			nodes = listed
		} else if listed, ok := page["items"].([]any); ok {
			nodes = listed
		}
		if pageInfo, ok := page["pageInfo"].(map[string]any); ok {
			result.PageInfo = parsePageInfo(pageInfo)
		}
	}

	for _, rawNode := range nodes {
		node, ok := rawNode.(map[string]any)
		if !ok {
			continue
		}
		content := node
		if mapper != nil {
			content = mapper(node)
			if content == nil {
				continue
			}
		}
		item := ItemFromContent(content)
		if item == nil {
			continue
		}
		result.Items = append(result.Items, item)
	}
	return result
}

func parsePageInfo(pageInfo map[string]any) PageInfo {
	out := PageInfo{}
	if hasNextPage, ok := pageInfo["hasNextPage"].(bool); ok {
		out.HasNextPage = hasNextPage
	}
	if endCursor := stringField(pageInfo, "endCursor"); endCursor != "" {
		out.EndCursor = &endCursor
	}
	return out
}

// ItemFromContent wraps normalized entity content in a status envelope.
// Content without an id is invalid and yields nil.
func ItemFromContent(content map[string]any) *TimelineItem {
	id := stringField(content, "id")
	if id == "" {
		return nil
	}
	return &TimelineItem{
		Id:        id,
		Type:      ItemTypeStatus,
		Content:   content,
		Timestamp: time.Now(),
	}
}
