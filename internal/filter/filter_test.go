package filter_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/claude-slack/broker/internal/brokererr"
	"github.com/claude-slack/broker/internal/filter"
)

func parse(t *testing.T, raw string) *filter.Node {
	t.Helper()
	c := filter.New()
	n, err := c.Parse(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("Parse(%s): %v", raw, err)
	}
	return n
}

func TestEmptyFilterMatchesEverything(t *testing.T) {
	n := parse(t, `{}`)
	frag, args, err := filter.ToSQL(n, "metadata")
	if err != nil {
		t.Fatalf("ToSQL: %v", err)
	}
	if frag != "1=1" || len(args) != 0 {
		t.Fatalf("expected 1=1 with no args, got %q %v", frag, args)
	}
}

func TestShorthandEqualityCompiles(t *testing.T) {
	n := parse(t, `{"priority": "high"}`)
	frag, args, err := filter.ToSQL(n, "metadata")
	if err != nil {
		t.Fatalf("ToSQL: %v", err)
	}
	if !strings.Contains(frag, "json_extract(metadata, '$.priority')") {
		t.Fatalf("expected json_extract fragment, got %q", frag)
	}
	if len(args) != 1 || args[0] != "high" {
		t.Fatalf("expected args [high], got %v", args)
	}
}

func TestAndOfFieldsCombinesOnOneField(t *testing.T) {
	n := parse(t, `{"score": {"$gte": 1, "$lte": 5}}`)
	frag, args, err := filter.ToSQL(n, "metadata")
	if err != nil {
		t.Fatalf("ToSQL: %v", err)
	}
	if !strings.Contains(frag, ">=") || !strings.Contains(frag, "<=") {
		t.Fatalf("expected both operators present, got %q", frag)
	}
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %v", args)
	}
}

func TestOrTopLevel(t *testing.T) {
	n := parse(t, `{"$or": [{"priority": "high"}, {"priority": "urgent"}]}`)
	frag, args, err := filter.ToSQL(n, "metadata")
	if err != nil {
		t.Fatalf("ToSQL: %v", err)
	}
	if !strings.Contains(frag, " OR ") {
		t.Fatalf("expected OR joiner, got %q", frag)
	}
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %v", args)
	}
}

func TestNotWrapsSingleChild(t *testing.T) {
	n := parse(t, `{"$not": {"priority": "low"}}`)
	frag, _, err := filter.ToSQL(n, "metadata")
	if err != nil {
		t.Fatalf("ToSQL: %v", err)
	}
	if !strings.HasPrefix(frag, "NOT (") {
		t.Fatalf("expected NOT(...) wrapper, got %q", frag)
	}
}

func TestInOperator(t *testing.T) {
	n := parse(t, `{"status": {"$in": ["open", "blocked"]}}`)
	frag, args, err := filter.ToSQL(n, "metadata")
	if err != nil {
		t.Fatalf("ToSQL: %v", err)
	}
	if !strings.Contains(frag, "IN (?,?)") {
		t.Fatalf("expected IN (?,?), got %q", frag)
	}
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %v", args)
	}
}

func TestEmptyInMatchesNothing(t *testing.T) {
	n := parse(t, `{"status": {"$in": []}}`)
	frag, args, err := filter.ToSQL(n, "metadata")
	if err != nil {
		t.Fatalf("ToSQL: %v", err)
	}
	if frag != "1=0" || len(args) != 0 {
		t.Fatalf("expected 1=0 for empty $in, got %q %v", frag, args)
	}
}

func TestDepthGuardRejectsExcessiveNesting(t *testing.T) {
	c := &filter.Compiler{MaxDepth: 2}
	raw := `{"$and": [{"$and": [{"$and": [{"a": 1}]}]}]}`
	_, err := c.Parse(json.RawMessage(raw))
	if !brokererr.Is(err, brokererr.KindFilterError) {
		t.Fatalf("expected KindFilterError for excessive nesting, got %v", err)
	}
}

func TestUnknownOperatorRejected(t *testing.T) {
	c := filter.New()
	_, err := c.Parse(json.RawMessage(`{"field": {"$bogus": 1}}`))
	if !brokererr.Is(err, brokererr.KindFilterError) {
		t.Fatalf("expected KindFilterError for unknown operator, got %v", err)
	}
}

func TestToVectorFilterFlattensConjunction(t *testing.T) {
	n := parse(t, `{"priority": "high", "score": {"$gte": 3}}`)
	vf, err := filter.ToVectorFilter(n)
	if err != nil {
		t.Fatalf("ToVectorFilter: %v", err)
	}
	if vf["metadata.priority"] != "high" {
		t.Fatalf("expected metadata.priority=high, got %v", vf["metadata.priority"])
	}
	if _, ok := vf["metadata.score"]; !ok {
		t.Fatalf("expected metadata.score predicate present, got %v", vf)
	}
}

func TestSystemFieldsBindToColumnsNotJSON(t *testing.T) {
	n := parse(t, `{"confidence": {"$gte": 0.8}}`)
	frag, _, err := filter.ToSQL(n, "metadata")
	if err != nil {
		t.Fatalf("ToSQL: %v", err)
	}
	if strings.Contains(frag, "json_extract") {
		t.Fatalf("expected confidence to bind directly to its column, got %q", frag)
	}
	if !strings.Contains(frag, "confidence >=") {
		t.Fatalf("expected confidence column reference, got %q", frag)
	}
}

func TestToVectorFilterRejectsOr(t *testing.T) {
	n := parse(t, `{"$or": [{"a": 1}, {"b": 2}]}`)
	_, err := filter.ToVectorFilter(n)
	if !brokererr.Is(err, brokererr.KindFilterError) {
		t.Fatalf("expected KindFilterError for $or in vector filter, got %v", err)
	}
}

// TestConfidenceAndTagsContainsFilter is the filter document from the
// hybrid search scenario: a confidence floor combined with a tag
// membership check on a nested metadata array.
func TestConfidenceAndTagsContainsFilter(t *testing.T) {
	n := parse(t, `{"confidence":{"$gte":0.8},"metadata.tags":{"$contains":"security"}}`)
	frag, args, err := filter.ToSQL(n, "metadata")
	if err != nil {
		t.Fatalf("ToSQL: %v", err)
	}
	if !strings.Contains(frag, "confidence >=") {
		t.Fatalf("expected confidence bound to its column, got %q", frag)
	}
	if !strings.Contains(frag, "json_extract(metadata, '$.tags')") {
		t.Fatalf("expected metadata.tags to extract as tags (no doubled metadata prefix), got %q", frag)
	}
	if !strings.Contains(frag, "EXISTS (SELECT 1 FROM json_each") {
		t.Fatalf("expected $contains to compile to a json_each EXISTS, got %q", frag)
	}
	if len(args) != 2 || args[0] != 0.8 || args[1] != "security" {
		t.Fatalf("expected args [0.8 security], got %v", args)
	}

	vf, err := filter.ToVectorFilter(n)
	if err != nil {
		t.Fatalf("ToVectorFilter: %v", err)
	}
	conf, ok := vf["confidence"].(map[string]any)
	if !ok || conf["$gte"] != 0.8 {
		t.Fatalf("expected confidence {$gte: 0.8} in vector filter, got %v", vf["confidence"])
	}
	if _, ok := vf["metadata.tags"]; !ok {
		t.Fatalf("expected metadata.tags predicate in vector filter, got %v", vf)
	}
}

func TestBetweenOperator(t *testing.T) {
	n := parse(t, `{"score": {"$between": [1, 5]}}`)
	frag, args, err := filter.ToSQL(n, "metadata")
	if err != nil {
		t.Fatalf("ToSQL: %v", err)
	}
	if !strings.Contains(frag, "BETWEEN ? AND ?") {
		t.Fatalf("expected BETWEEN fragment, got %q", frag)
	}
	if len(args) != 2 || args[0] != float64(1) || args[1] != float64(5) {
		t.Fatalf("expected args [1 5], got %v", args)
	}
}

func TestNotContainsOperator(t *testing.T) {
	n := parse(t, `{"tags": {"$not_contains": "draft"}}`)
	frag, args, err := filter.ToSQL(n, "metadata")
	if err != nil {
		t.Fatalf("ToSQL: %v", err)
	}
	if !strings.HasPrefix(frag, "NOT EXISTS") {
		t.Fatalf("expected NOT EXISTS fragment, got %q", frag)
	}
	if len(args) != 1 || args[0] != "draft" {
		t.Fatalf("expected args [draft], got %v", args)
	}
}

func TestAllOperatorAndsElementExistenceChecks(t *testing.T) {
	n := parse(t, `{"tags": {"$all": ["security", "urgent"]}}`)
	frag, args, err := filter.ToSQL(n, "metadata")
	if err != nil {
		t.Fatalf("ToSQL: %v", err)
	}
	if strings.Count(frag, "EXISTS") != 2 {
		t.Fatalf("expected two ANDed EXISTS clauses, got %q", frag)
	}
	if !strings.Contains(frag, " AND ") {
		t.Fatalf("expected clauses joined with AND, got %q", frag)
	}
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %v", args)
	}
}

func TestAllEmptyListMatchesEverything(t *testing.T) {
	n := parse(t, `{"tags": {"$all": []}}`)
	frag, args, err := filter.ToSQL(n, "metadata")
	if err != nil {
		t.Fatalf("ToSQL: %v", err)
	}
	if frag != "1=1" || len(args) != 0 {
		t.Fatalf("expected 1=1 for empty $all, got %q %v", frag, args)
	}
}

func TestSizeOperator(t *testing.T) {
	n := parse(t, `{"tags": {"$size": 3}}`)
	frag, args, err := filter.ToSQL(n, "metadata")
	if err != nil {
		t.Fatalf("ToSQL: %v", err)
	}
	if !strings.Contains(frag, "json_array_length(") {
		t.Fatalf("expected json_array_length fragment, got %q", frag)
	}
	if len(args) != 1 || args[0] != float64(3) {
		t.Fatalf("expected args [3], got %v", args)
	}
}

func TestNullOperator(t *testing.T) {
	n := parse(t, `{"resolved_at": {"$null": true}}`)
	frag, args, err := filter.ToSQL(n, "metadata")
	if err != nil {
		t.Fatalf("ToSQL: %v", err)
	}
	if !strings.Contains(frag, "IS NULL") || len(args) != 0 {
		t.Fatalf("expected IS NULL with no args, got %q %v", frag, args)
	}
}

func TestEmptyOperator(t *testing.T) {
	n := parse(t, `{"tags": {"$empty": true}}`)
	frag, _, err := filter.ToSQL(n, "metadata")
	if err != nil {
		t.Fatalf("ToSQL: %v", err)
	}
	if !strings.Contains(frag, "IS NULL") || !strings.Contains(frag, "'[]'") {
		t.Fatalf("expected an IS NULL / empty-string / empty-array check, got %q", frag)
	}
}

func TestTextOperatorOnContentUsesFTS(t *testing.T) {
	n := parse(t, `{"content": {"$text": "deploy rollback"}}`)
	frag, args, err := filter.ToSQL(n, "metadata")
	if err != nil {
		t.Fatalf("ToSQL: %v", err)
	}
	if !strings.Contains(frag, "messages_fts") {
		t.Fatalf("expected a messages_fts delegation for content $text, got %q", frag)
	}
	if len(args) != 1 || args[0] != "deploy rollback" {
		t.Fatalf("expected args [deploy rollback], got %v", args)
	}
}

func TestRegexOperatorFallsBackToLike(t *testing.T) {
	n := parse(t, `{"title": {"$regex": "^incident-"}}`)
	frag, args, err := filter.ToSQL(n, "metadata")
	if err != nil {
		t.Fatalf("ToSQL: %v", err)
	}
	if !strings.Contains(frag, "LIKE ?") {
		t.Fatalf("expected a LIKE fallback, got %q", frag)
	}
	if len(args) != 1 || args[0] != "%^incident-%" {
		t.Fatalf("expected wrapped pattern arg, got %v", args)
	}
}
