package timeline

import (
	"strings"
	"time"

	"golang.org/x/exp/maps"
)

type EditType string

const (
	EditAdd     EditType = "add"
	EditReplace EditType = "replace"
	EditDelete  EditType = "delete"
	EditPatch   EditType = "patch"
)

type PatchOp string

const (
	PatchOpAdd     PatchOp = "add"
	PatchOpReplace PatchOp = "replace"
	PatchOpRemove  PatchOp = "remove"
)

// PatchOperation is one rfc6902-style operation applied against the item
// envelope. Paths are json pointers rooted at the item, so content edits use
// a leading `/content` segment.
type PatchOperation struct {
	Op    PatchOp
	Path  string
	Value any
}

// EditData carries the fields of an add/replace edit. Pointer fields
// distinguish "not supplied" (nil, prior value preserved) from explicitly
// supplied values, including explicit false.
type EditData struct {
	Type    ItemType
	HasType bool

	Content map[string]any

	Metadata *ItemMetadata
	// the wire carried a metadata value that is neither object nor null.
	// an add with invalid metadata is dropped whole.
	MetadataInvalid bool

	Version    int64
	HasVersion bool

	IsOptimistic    bool
	HasIsOptimistic bool
}

// StreamingEdit is a transport-agnostic description of a single mutation to
// the ordered list. Transient: consumed once, never stored.
type StreamingEdit struct {
	Type      EditType
	ItemId    string
	Timestamp time.Time
	Data      *EditData
	Patches   []PatchOperation
}

// ParseStreamingEdit converts a decoded wire frame into a StreamingEdit.
// Returns nil for frames that do not describe an edit.
func ParseStreamingEdit(frame map[string]any) *StreamingEdit {
	if frame == nil {
		return nil
	}
	editType := EditType(stringField(frame, "type"))
	switch editType {
	case EditAdd, EditReplace, EditDelete, EditPatch:
	default:
		return nil
	}
	edit := &StreamingEdit{
		Type:      editType,
		ItemId:    stringField(frame, "itemId"),
		Timestamp: parseTimestamp(frame["timestamp"]),
	}
	if data, ok := frame["data"].(map[string]any); ok {
		edit.Data = parseEditData(data)
	}
	if patches, ok := frame["patches"].([]any); ok {
		for _, raw := range patches {
			patch, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			edit.Patches = append(edit.Patches, PatchOperation{
				Op:    PatchOp(stringField(patch, "op")),
				Path:  stringField(patch, "path"),
				Value: patch["value"],
			})
		}
	}
	return edit
}

func parseEditData(data map[string]any) *EditData {
	out := &EditData{}
	if _, ok := data["type"]; ok {
		out.Type = ItemType(stringField(data, "type"))
		out.HasType = true
	}
	if content, ok := data["content"].(map[string]any); ok {
		out.Content = content
	}
	if rawMetadata, ok := data["metadata"]; ok && rawMetadata != nil {
		// null metadata is treated as absent
		if metadata, ok := rawMetadata.(map[string]any); ok {
			out.Metadata = parseItemMetadata(metadata)
		} else {
			out.MetadataInvalid = true
		}
	}
	if version, ok := numberField(data, "version"); ok {
		out.Version = int64(version)
		out.HasVersion = true
	}
	if isOptimistic, ok := data["isOptimistic"].(bool); ok {
		out.IsOptimistic = isOptimistic
		out.HasIsOptimistic = true
	}
	return out
}

func parseItemMetadata(metadata map[string]any) *ItemMetadata {
	out := &ItemMetadata{}
	if lesser, ok := metadata["lesser"].(map[string]any); ok {
		out.Lesser = parseLesserMetadata(lesser)
	}
	return out
}

func parseLesserMetadata(lesser map[string]any) *LesserMetadata {
	out := &LesserMetadata{}
	if cost, ok := numberField(lesser, "estimatedCost"); ok {
		out.EstimatedCost = &cost
	}
	if score, ok := numberField(lesser, "authorTrustScore"); ok {
		out.AuthorTrustScore = &score
	}
	if notes, ok := lesser["communityNotes"].([]any); ok {
		for _, raw := range notes {
			note, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			out.CommunityNotes = append(out.CommunityNotes, CommunityNote{
				AuthorId: stringField(note, "authorId"),
				Body:     stringField(note, "body"),
			})
		}
	}
	if isDeleted, ok := lesser["isDeleted"].(bool); ok {
		out.IsDeleted = &isDeleted
	}
	if isQuote, ok := lesser["isQuote"].(bool); ok {
		out.IsQuote = &isQuote
	}
	if count, ok := numberField(lesser, "quoteCount"); ok {
		quoteCount := int(count)
		out.QuoteCount = &quoteCount
	}
	if permissions := stringField(lesser, "quotePermissions"); permissions != "" {
		out.QuotePermissions = &permissions
	}
	if hashtags, ok := lesser["hashtags"].([]any); ok {
		for _, raw := range hashtags {
			if tag, ok := raw.(string); ok {
				out.Hashtags = append(out.Hashtags, tag)
			}
		}
	}
	if memberships, ok := lesser["listMemberships"].([]any); ok {
		for _, raw := range memberships {
			if listId, ok := raw.(string); ok {
				out.ListMemberships = append(out.ListMemberships, listId)
			}
		}
	}
	if titles, ok := lesser["listTitles"].(map[string]any); ok {
		out.ListTitles = map[string]string{}
		for listId, raw := range titles {
			if title, ok := raw.(string); ok {
				out.ListTitles[listId] = title
			}
		}
	}
	if status := stringField(lesser, "relationshipStatus"); status != "" {
		out.RelationshipStatus = &status
	}
	if moderation, ok := lesser["moderation"].(map[string]any); ok {
		out.Moderation = &ModerationInfo{
			Action: stringField(moderation, "action"),
			Reason: stringField(moderation, "reason"),
		}
	}
	return out
}

func parseTimestamp(value any) time.Time {
	switch timestamp := value.(type) {
	case float64:
		return time.UnixMilli(int64(timestamp))
	case int64:
		return time.UnixMilli(timestamp)
	case string:
		if parsed, err := time.Parse(time.RFC3339, timestamp); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

// applyPatches applies the operations to the item in place.
// Paths are rooted at the item envelope; only `/content/...` paths mutate
// state. `add` creates missing intermediate objects, `remove` deletes exactly
// the leaf key, `replace` requires the parent to exist. Unsupported ops and
// unresolvable paths are skipped, matching the absorb-internally policy for
// malformed streaming payloads.
func applyPatches(item *TimelineItem, patches []PatchOperation) bool {
	changed := false
	for _, patch := range patches {
		segments := parsePointer(patch.Path)
		if len(segments) == 0 || segments[0] != "content" {
			continue
		}
		rest := segments[1:]
		if len(rest) == 0 {
			// whole-content operations
			switch patch.Op {
			case PatchOpAdd, PatchOpReplace:
				if content, ok := patch.Value.(map[string]any); ok {
					item.Content = maps.Clone(content)
					changed = true
				}
			case PatchOpRemove:
				if item.Content != nil {
					item.Content = nil
					changed = true
				}
			}
			continue
		}
		switch patch.Op {
		case PatchOpAdd:
			if item.Content == nil {
				item.Content = map[string]any{}
			}
			parent := descend(item.Content, rest[:len(rest)-1], true)
			if parent != nil {
				parent[rest[len(rest)-1]] = patch.Value
				changed = true
			}
		case PatchOpReplace:
			parent := descend(item.Content, rest[:len(rest)-1], false)
			if parent != nil {
				parent[rest[len(rest)-1]] = patch.Value
				changed = true
			}
		case PatchOpRemove:
			parent := descend(item.Content, rest[:len(rest)-1], false)
			if parent != nil {
				if _, ok := parent[rest[len(rest)-1]]; ok {
					delete(parent, rest[len(rest)-1])
					changed = true
				}
			}
		}
	}
	return changed
}

// descend walks object segments from root. With create, missing or non-object
// intermediates are replaced by fresh objects; without, the walk fails to nil.
func descend(root map[string]any, segments []string, create bool) map[string]any {
	if root == nil {
		return nil
	}
	current := root
	for _, segment := range segments {
		next, ok := current[segment].(map[string]any)
		if !ok {
			if !create {
				return nil
			}
			next = map[string]any{}
			current[segment] = next
		}
		current = next
	}
	return current
}

func parsePointer(path string) []string {
	if path == "" || path == "/" {
		return nil
	}
	path = strings.TrimPrefix(path, "/")
	rawSegments := strings.Split(path, "/")
	segments := make([]string, 0, len(rawSegments))
	for _, segment := range rawSegments {
		segment = strings.ReplaceAll(segment, "~1", "/")
		segment = strings.ReplaceAll(segment, "~0", "~")
		segments = append(segments, segment)
	}
	return segments
}
