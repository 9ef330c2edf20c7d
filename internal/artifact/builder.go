// ABOUTME: Converts raw tool results into typed artifacts, dropping null and invalid parts
// ABOUTME: A result whose parts are all invalid produces no artifact rather than an error

package artifact

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-runtime/internal/store"
)

// Type tags inferred from the payload shape.
const (
	TypeTable = "table"
	TypeChart = "chart"
	TypeList  = "list"
	TypeText  = "text"
	TypeFile  = "file"
	TypeData  = "data"
)

// SourceTool marks artifacts built from tool output.
const SourceTool = "tool"

// ToolResult is one tool execution output. Payload is decoded JSON
// (nil, bool, float64 or json.Number, string, []any, map[string]any).
type ToolResult struct {
	Tool      string
	TaskID    string
	ContextID string
	Name      string
	Payload   any
}

// Decode builds a ToolResult from a raw JSON payload.
func Decode(tool, name string, raw json.RawMessage) (ToolResult, error) {
	res := ToolResult{Tool: tool, Name: name}
	if len(raw) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(raw, &res.Payload); err != nil {
		return res, fmt.Errorf("decoding %s payload: %w", tool, err)
	}
	return res, nil
}

// Builder turns tool results into artifacts.
type Builder struct {
	newID func() string
	now   func() time.Time
}

// NewBuilder creates a builder with random ids and wall-clock timestamps.
func NewBuilder() *Builder {
	return &Builder{
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// Build returns the artifact for res, or nil when no part survives
// filtering.
func (b *Builder) Build(res ToolResult) *store.Artifact {
	candidates := candidatesOf(res.Payload)

	parts := make([]store.Part, 0, len(candidates))
	dropped := 0
	for _, c := range candidates {
		p, ok := toPart(c)
		if !ok {
			dropped++
			continue
		}
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return nil
	}

	name := res.Name
	if name == "" {
		name = res.Tool
	}
	typ := inferType(res.Payload, parts)

	return &store.Artifact{
		ID:     b.newID(),
		TaskID: res.TaskID,
		Name:   name,
		Type:   typ,
		Parts:  parts,
		Metadata: map[string]any{
			"type":          typ,
			"tool":          res.Tool,
			"source":        SourceTool,
			"task_id":       res.TaskID,
			"context_id":    res.ContextID,
			"dropped_parts": dropped,
		},
		CreatedAt: b.now().UTC(),
	}
}

// candidatesOf splits a payload into candidate parts.
func candidatesOf(payload any) []any {
	switch v := payload.(type) {
	case nil:
		return nil
	case []any:
		return v
	case map[string]any:
		if list, ok := v["parts"].([]any); ok {
			return list
		}
		return []any{v}
	default:
		return []any{v}
	}
}

func toPart(c any) (store.Part, bool) {
	switch v := c.(type) {
	case nil:
		return store.Part{}, false
	case string:
		if v == "" {
			return store.Part{}, false
		}
		return store.TextPart(v), true
	case bool:
		return store.TextPart(strconv.FormatBool(v)), true
	case float64:
		return store.TextPart(strconv.FormatFloat(v, 'f', -1, 64)), true
	case json.Number:
		return store.TextPart(v.String()), true
	case []any:
		items, ok := strip(v)
		if !ok {
			return store.Part{}, false
		}
		return store.Part{Kind: store.PartData, Data: map[string]any{"items": items}}, true
	case map[string]any:
		if kind, ok := partKind(v); ok {
			return typedPart(kind, v)
		}
		data, ok := strip(v)
		if !ok {
			return store.Part{}, false
		}
		return store.Part{Kind: store.PartData, Data: data.(map[string]any)}, true
	default:
		return store.Part{}, false
	}
}

// partKind reports whether m is shaped like a wire part.
func partKind(m map[string]any) (store.PartKind, bool) {
	k, _ := m["kind"].(string)
	switch store.PartKind(k) {
	case store.PartText, store.PartData, store.PartFile:
		return store.PartKind(k), true
	}
	return "", false
}

func typedPart(kind store.PartKind, m map[string]any) (store.Part, bool) {
	p := store.Part{Kind: kind}
	if md, ok := m["metadata"].(map[string]any); ok {
		if s, ok := strip(md); ok {
			p.Metadata = s.(map[string]any)
		}
	}

	switch kind {
	case store.PartText:
		text, _ := m["text"].(string)
		if text == "" {
			return store.Part{}, false
		}
		p.Text = text
	case store.PartData:
		raw, ok := m["data"].(map[string]any)
		if !ok {
			return store.Part{}, false
		}
		data, ok := strip(raw)
		if !ok {
			return store.Part{}, false
		}
		p.Data = data.(map[string]any)
	case store.PartFile:
		f, ok := m["file"].(map[string]any)
		if !ok {
			return store.Part{}, false
		}
		fc := &store.FileContent{}
		fc.Name, _ = f["name"].(string)
		fc.MimeType, _ = f["mimeType"].(string)
		fc.Bytes, _ = f["bytes"].(string)
		fc.URI, _ = f["uri"].(string)
		if fc.Bytes == "" && fc.URI == "" {
			return store.Part{}, false
		}
		p.File = fc
	}
	return p, true
}

// strip removes null values from v recursively. Objects and lists left
// empty are removed too; ok is false when nothing remains.
func strip(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if s, ok := strip(val); ok {
				out[k] = s
			}
		}
		return out, len(out) > 0
	case []any:
		out := make([]any, 0, len(t))
		for _, val := range t {
			if s, ok := strip(val); ok {
				out = append(out, s)
			}
		}
		return out, len(out) > 0
	default:
		return v, true
	}
}

func inferType(payload any, parts []store.Part) string {
	if allKind(parts, store.PartFile) {
		return TypeFile
	}

	switch v := payload.(type) {
	case []any:
		switch {
		case isTable(v):
			return TypeTable
		case isScalarList(v):
			return TypeList
		}
	case map[string]any:
		switch {
		case has(v, "columns") && has(v, "rows"):
			return TypeTable
		case has(v, "series"), has(v, "labels") && has(v, "values"), has(v, "chart_type"):
			return TypeChart
		}
	}

	if len(parts) == 1 && parts[0].Kind == store.PartText {
		return TypeText
	}
	return TypeData
}

func has(m map[string]any, key string) bool {
	v, ok := m[key]
	return ok && v != nil
}

func allKind(parts []store.Part, kind store.PartKind) bool {
	for _, p := range parts {
		if p.Kind != kind {
			return false
		}
	}
	return len(parts) > 0
}

func isTable(list []any) bool {
	n := 0
	for _, el := range list {
		if el == nil {
			continue
		}
		m, ok := el.(map[string]any)
		if !ok {
			return false
		}
		if _, isPart := partKind(m); isPart {
			return false
		}
		n++
	}
	return n > 0
}

func isScalarList(list []any) bool {
	n := 0
	for _, el := range list {
		switch el.(type) {
		case nil:
			continue
		case string, bool, float64, json.Number:
			n++
		default:
			return false
		}
	}
	return n > 0
}
