// Package filter compiles the broker's MongoDB-style metadata filter
// grammar (§6) into two backend representations: a parameterised SQL
// fragment over the messages.metadata JSON column, and a native filter
// map for the vector backend (internal/vectorindex). There is no library
// in the example pack or the wider ecosystem that does this generically —
// the grammar and both target representations are bespoke to this system
// (see DESIGN.md).
package filter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/claude-slack/broker/internal/brokererr"
)

// DefaultMaxDepth bounds how deeply $and/$or/$not may nest, guarding
// against pathological or adversarial filter documents.
const DefaultMaxDepth = 10

var comparisonOps = map[string]bool{
	"$eq": true, "$ne": true, "$gt": true, "$gte": true,
	"$lt": true, "$lte": true, "$between": true,
	"$in": true, "$nin": true, "$contains": true, "$not_contains": true,
	"$all": true, "$size": true,
	"$exists": true, "$null": true, "$empty": true,
	"$regex": true, "$text": true,
}

var logicalOps = map[string]bool{"$and": true, "$or": true, "$not": true}

// systemFields bypass json_extract and bind directly to first-class
// message columns instead of the metadata JSON blob.
var systemFields = map[string]string{
	"channel_id": "channel_id",
	"sender_id":  "agent_id",
	"timestamp":  "created_at",
	"confidence": "confidence",
	"content":    "body",
}

// Node is the parsed filter AST. Exactly one of LogicalOp or Field is set
// for any non-empty Node; the zero Node matches everything.
type Node struct {
	// Logical operator ($and, $or, $not) and its child nodes.
	LogicalOp string
	Children  []*Node

	// Field comparison: Field $op Value.
	Field string
	Op    string
	Value any
}

// Compiler parses raw filter documents and holds the depth guard.
type Compiler struct {
	MaxDepth int
}

// New creates a Compiler with DefaultMaxDepth.
func New() *Compiler {
	return &Compiler{MaxDepth: DefaultMaxDepth}
}

// Parse parses a raw JSON filter document into a Node tree.
func (c *Compiler) Parse(raw json.RawMessage) (*Node, error) {
	if len(raw) == 0 {
		return &Node{}, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, brokererr.New(brokererr.KindFilterError, "filter.Parse", fmt.Errorf("invalid filter document: %w", err))
	}
	return c.parseObject(doc, 0)
}

func (c *Compiler) parseObject(doc map[string]any, depth int) (*Node, error) {
	if depth > c.MaxDepth {
		return nil, brokererr.New(brokererr.KindFilterError, "filter.parseObject", fmt.Errorf("filter nesting exceeds max depth %d", c.MaxDepth))
	}
	if len(doc) == 0 {
		return &Node{}, nil
	}

	// Keep key order stable for deterministic SQL fragment generation in tests.
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var clauses []*Node
	for _, key := range keys {
		val := doc[key]
		switch {
		case logicalOps[key]:
			children, err := c.parseLogicalChildren(key, val, depth)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, &Node{LogicalOp: key, Children: children})
		default:
			node, err := c.parseFieldClause(key, val, depth)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, node)
		}
	}

	if len(clauses) == 1 {
		return clauses[0], nil
	}
	return &Node{LogicalOp: "$and", Children: clauses}, nil
}

func (c *Compiler) parseLogicalChildren(op string, val any, depth int) ([]*Node, error) {
	switch op {
	case "$not":
		obj, ok := val.(map[string]any)
		if !ok {
			return nil, brokererr.New(brokererr.KindFilterError, "filter.parseLogicalChildren", fmt.Errorf("$not requires an object operand"))
		}
		child, err := c.parseObject(obj, depth+1)
		if err != nil {
			return nil, err
		}
		return []*Node{child}, nil
	case "$and", "$or":
		list, ok := val.([]any)
		if !ok {
			return nil, brokererr.New(brokererr.KindFilterError, "filter.parseLogicalChildren", fmt.Errorf("%s requires an array operand", op))
		}
		children := make([]*Node, 0, len(list))
		for _, item := range list {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, brokererr.New(brokererr.KindFilterError, "filter.parseLogicalChildren", fmt.Errorf("%s array entries must be objects", op))
			}
			child, err := c.parseObject(obj, depth+1)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return children, nil
	default:
		return nil, brokererr.New(brokererr.KindFilterError, "filter.parseLogicalChildren", fmt.Errorf("unknown logical operator %q", op))
	}
}

func (c *Compiler) parseFieldClause(field string, val any, depth int) (*Node, error) {
	obj, ok := val.(map[string]any)
	if !ok {
		// Shorthand: {field: value} means {field: {$eq: value}}.
		return &Node{Field: field, Op: "$eq", Value: val}, nil
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if len(keys) == 1 && comparisonOps[keys[0]] {
		return &Node{Field: field, Op: keys[0], Value: obj[keys[0]]}, nil
	}

	// Multiple operators on one field (e.g. {$gte: a, $lte: b}) combine with AND.
	var children []*Node
	for _, op := range keys {
		if !comparisonOps[op] {
			return nil, brokererr.New(brokererr.KindFilterError, "filter.parseFieldClause", fmt.Errorf("unknown comparison operator %q for field %q", op, field))
		}
		children = append(children, &Node{Field: field, Op: op, Value: obj[op]})
	}
	_ = depth
	return &Node{LogicalOp: "$and", Children: children}, nil
}

// ToSQL compiles the node into a parameterised WHERE-clause fragment
// extracting fields from jsonColumn via SQLite's json_extract. Returns
// "1=1" with no args for an empty filter (matches everything).
func ToSQL(n *Node, jsonColumn string) (string, []any, error) {
	if n == nil || (n.LogicalOp == "" && n.Field == "") {
		return "1=1", nil, nil
	}
	if n.LogicalOp != "" {
		return logicalToSQL(n, jsonColumn)
	}
	return fieldToSQL(n, jsonColumn)
}

func logicalToSQL(n *Node, jsonColumn string) (string, []any, error) {
	if n.LogicalOp == "$not" {
		if len(n.Children) != 1 {
			return "", nil, brokererr.New(brokererr.KindFilterError, "filter.logicalToSQL", fmt.Errorf("$not requires exactly one child"))
		}
		frag, args, err := ToSQL(n.Children[0], jsonColumn)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("NOT (%s)", frag), args, nil
	}

	joiner := " AND "
	if n.LogicalOp == "$or" {
		joiner = " OR "
	}
	var parts []string
	var args []any
	for _, child := range n.Children {
		frag, childArgs, err := ToSQL(child, jsonColumn)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, "("+frag+")")
		args = append(args, childArgs...)
	}
	if len(parts) == 0 {
		return "1=1", nil, nil
	}
	return strings.Join(parts, joiner), args, nil
}

func fieldToSQL(n *Node, jsonColumn string) (string, []any, error) {
	// A "metadata." prefix is sugar for a path already rooted at the
	// metadata column; json_extract targets jsonColumn directly, so the
	// prefix would otherwise be duplicated.
	path := strings.TrimPrefix(n.Field, "metadata.")
	extract := fmt.Sprintf("json_extract(%s, '$.%s')", jsonColumn, path)
	if column, ok := systemFields[n.Field]; ok {
		extract = column
	}
	switch n.Op {
	case "$eq":
		return extract + " = ?", []any{n.Value}, nil
	case "$ne":
		return extract + " != ?", []any{n.Value}, nil
	case "$gt":
		return extract + " > ?", []any{n.Value}, nil
	case "$gte":
		return extract + " >= ?", []any{n.Value}, nil
	case "$lt":
		return extract + " < ?", []any{n.Value}, nil
	case "$lte":
		return extract + " <= ?", []any{n.Value}, nil
	case "$between":
		bounds, ok := n.Value.([]any)
		if !ok || len(bounds) != 2 {
			return "", nil, brokererr.New(brokererr.KindFilterError, "filter.fieldToSQL", fmt.Errorf("$between requires a [lo, hi] array operand"))
		}
		return extract + " BETWEEN ? AND ?", []any{bounds[0], bounds[1]}, nil
	case "$exists":
		want, _ := n.Value.(bool)
		if want {
			return extract + " IS NOT NULL", nil, nil
		}
		return extract + " IS NULL", nil, nil
	case "$null":
		want, _ := n.Value.(bool)
		if want {
			return extract + " IS NULL", nil, nil
		}
		return extract + " IS NOT NULL", nil, nil
	case "$empty":
		want, _ := n.Value.(bool)
		// "empty" means absent or a zero-length string/array, mirroring
		// $exists:false plus the degenerate populated-but-blank cases.
		emptyCheck := fmt.Sprintf("(%s IS NULL OR %s = '' OR %s = '[]')", extract, extract, extract)
		if want {
			return emptyCheck, nil, nil
		}
		return "NOT " + emptyCheck, nil, nil
	case "$in", "$nin":
		list, ok := n.Value.([]any)
		if !ok {
			return "", nil, brokererr.New(brokererr.KindFilterError, "filter.fieldToSQL", fmt.Errorf("%s requires an array operand", n.Op))
		}
		if len(list) == 0 {
			// An empty $in matches nothing; an empty $nin matches everything.
			if n.Op == "$in" {
				return "1=0", nil, nil
			}
			return "1=1", nil, nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(list)), ",")
		keyword := "IN"
		if n.Op == "$nin" {
			keyword = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", extract, keyword, placeholders), list, nil
	case "$contains", "$not_contains":
		// An EXISTS over a per-element iteration of the JSON array, per
		// §4.3's relational emission rule.
		exists := fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) WHERE json_each.value = ?)", extract)
		if n.Op == "$not_contains" {
			return "NOT " + exists, []any{n.Value}, nil
		}
		return exists, []any{n.Value}, nil
	case "$all":
		// N ANDed EXISTS clauses, one per required element.
		list, ok := n.Value.([]any)
		if !ok {
			return "", nil, brokererr.New(brokererr.KindFilterError, "filter.fieldToSQL", fmt.Errorf("$all requires an array operand"))
		}
		if len(list) == 0 {
			return "1=1", nil, nil
		}
		var parts []string
		var args []any
		for _, v := range list {
			parts = append(parts, fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) WHERE json_each.value = ?)", extract))
			args = append(args, v)
		}
		return strings.Join(parts, " AND "), args, nil
	case "$size":
		return fmt.Sprintf("json_array_length(%s) = ?", extract), []any{n.Value}, nil
	case "$regex":
		pattern, ok := n.Value.(string)
		if !ok {
			return "", nil, brokererr.New(brokererr.KindFilterError, "filter.fieldToSQL", fmt.Errorf("$regex requires a string operand"))
		}
		// SQLite has no native regex engine by default; fall back to a
		// substring/glob-style pattern match, per §4.3's documented
		// "falls back to pattern match when regex engine absent".
		return extract + " LIKE ?", []any{"%" + pattern + "%"}, nil
	case "$text":
		text, ok := n.Value.(string)
		if !ok {
			return "", nil, brokererr.New(brokererr.KindFilterError, "filter.fieldToSQL", fmt.Errorf("$text requires a string operand"))
		}
		if n.Field == "content" {
			// Delegate to the full-text mirror when searching message
			// bodies; messages_fts is kept in sync by triggers (internal/schema).
			return "message_id IN (SELECT message_id FROM messages_fts WHERE messages_fts MATCH ?)", []any{text}, nil
		}
		return extract + " LIKE ?", []any{"%" + text + "%"}, nil
	default:
		return "", nil, brokererr.New(brokererr.KindFilterError, "filter.fieldToSQL", fmt.Errorf("unsupported operator %q", n.Op))
	}
}

// VectorFilter is the vector backend's native filter shape: a flat map of
// field -> predicate, matching github.com/liliang-cn/sqvect/v2's metadata
// filtering convention. $and is flattened into the map; $or and $not are
// rejected, since sqvect's filter map only expresses an implicit AND of
// per-field predicates.
type VectorFilter map[string]any

// ToVectorFilter compiles the node into a VectorFilter. Only conjunctions
// of field comparisons are supported ($or/$not anywhere in the tree are
// rejected) — callers needing full boolean generality should fall back to
// ToSQL and a relational prefilter pass.
func ToVectorFilter(n *Node) (VectorFilter, error) {
	out := VectorFilter{}
	if n == nil || (n.LogicalOp == "" && n.Field == "") {
		return out, nil
	}
	if err := collectConjuncts(n, out); err != nil {
		return nil, err
	}
	return out, nil
}

func collectConjuncts(n *Node, out VectorFilter) error {
	if n.LogicalOp == "$and" {
		for _, child := range n.Children {
			if err := collectConjuncts(child, out); err != nil {
				return err
			}
		}
		return nil
	}
	if n.LogicalOp != "" {
		return brokererr.New(brokererr.KindFilterError, "filter.collectConjuncts", fmt.Errorf("vector backend does not support %s composition", n.LogicalOp))
	}
	key := vectorFieldKey(n.Field)
	switch n.Op {
	case "$eq":
		out[key] = n.Value
	case "$in":
		out[key] = map[string]any{"$in": n.Value}
	default:
		// $all expands to a conjoined condition the backend evaluates
		// element-wise; $size uses the backend's array-length idiom.
		// Both, like every other non-$eq/$in operator, are carried
		// through as a single {op: value} predicate under the field's
		// key — sqvect's filter map has no room for more than one
		// predicate per key, so a field using both $all and another
		// operator would need a second compiled filter pass.
		out[key] = map[string]any{n.Op: n.Value}
	}
	return nil
}

// vectorFieldKey normalises a field path to the vector backend's
// convention: system fields bind bare, nested metadata paths are
// prefixed with "metadata." (added if the caller used the bare path,
// left alone if they already supplied the prefix), per §4.3's vector
// emission rule.
func vectorFieldKey(field string) string {
	if _, ok := systemFields[field]; ok {
		return field
	}
	if strings.HasPrefix(field, "metadata.") {
		return field
	}
	return "metadata." + field
}
