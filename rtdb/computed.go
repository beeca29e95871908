package rtdb

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/cloudillo/cloudillo/clerr"
)

// A computed value is a JSON object carrying a "$op", "$fn" or "$query"
// key plus that expression's arguments, e.g. {"$op": "increment", "by": 1}. Every other field of
// data is written through unchanged; only fields shaped like a computed
// expression are rewritten, resolved against the transaction's current
// view so increments stay lost-update-free even under contention
// (spec invariant 6, Scenario 1).
const (
	computedOp    = "$op"
	computedFn    = "$fn"
	computedQuery = "$query"
)

// resolveComputedValues rewrites every top-level computed expression in
// doc in place. old is the document's prior state (nil on Create), used
// as the base for $op's increment/decrement/append/etc.
func resolveComputedValues(t *Transaction, collection string, doc Document, old Document) error {
	for field, val := range doc {
		expr, ok := val.(map[string]any)
		if !ok || len(expr) == 0 {
			continue
		}
		resolved, handled, err := resolveOne(t, collection, field, expr, old)
		if err != nil {
			return clerr.Wrap(clerr.ValidationError, fmt.Sprintf("resolve computed value for field %q", field), err)
		}
		if handled {
			doc[field] = resolved
		}
	}
	return nil
}

func resolveOne(t *Transaction, collection, field string, expr map[string]any, old Document) (any, bool, error) {
	if op, ok := expr[computedOp].(string); ok {
		v, err := resolveOp(op, expr, old, field)
		return v, true, err
	}
	if fn, ok := expr[computedFn].(string); ok {
		v, err := resolveFn(fn, expr)
		return v, true, err
	}
	if q, ok := expr[computedQuery].(string); ok {
		v, err := resolveQuery(t, q, expr)
		return v, true, err
	}
	return nil, false, nil
}

func currentNumber(old Document, field string) float64 {
	if old == nil {
		return 0
	}
	switch n := old[field].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func resolveOp(op string, expr map[string]any, old Document, field string) (any, error) {
	switch op {
	case "increment":
		return currentNumber(old, field) + numArg(expr, "by", 1), nil
	case "decrement":
		return currentNumber(old, field) - numArg(expr, "by", 1), nil
	case "multiply":
		return currentNumber(old, field) * numArg(expr, "by", 1), nil
	case "min":
		cur := currentNumber(old, field)
		v := numArg(expr, "value", cur)
		if old == nil {
			return v, nil
		}
		if v < cur {
			return v, nil
		}
		return cur, nil
	case "max":
		cur := currentNumber(old, field)
		v := numArg(expr, "value", cur)
		if old == nil {
			return v, nil
		}
		if v > cur {
			return v, nil
		}
		return cur, nil
	case "append":
		var cur []any
		if old != nil {
			if arr, ok := old[field].([]any); ok {
				cur = append(cur, arr...)
			}
		}
		return append(cur, expr["value"]), nil
	case "remove":
		var cur []any
		if old != nil {
			if arr, ok := old[field].([]any); ok {
				cur = arr
			}
		}
		out := make([]any, 0, len(cur))
		target := expr["value"]
		for _, v := range cur {
			if v != target {
				out = append(out, v)
			}
		}
		return out, nil
	case "concat":
		base := ""
		if old != nil {
			if s, ok := old[field].(string); ok {
				base = s
			}
		}
		suffix, _ := expr["value"].(string)
		return base + suffix, nil
	case "setIfNotExists":
		if old != nil {
			if v, ok := old[field]; ok {
				return v, nil
			}
		}
		return expr["value"], nil
	default:
		return nil, clerr.New(clerr.ValidationError, "unknown $op: "+op)
	}
}

func numArg(expr map[string]any, key string, fallback float64) float64 {
	v, ok := expr[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return fallback
}

func resolveFn(fn string, expr map[string]any) (any, error) {
	switch fn {
	case "now":
		return time.Now().UnixMilli(), nil
	case "slugify":
		return slugify(strArg(expr, "value")), nil
	case "hash":
		sum := sha256.Sum256([]byte(strArg(expr, "value")))
		return hex.EncodeToString(sum[:]), nil
	case "lowercase":
		return strings.ToLower(strArg(expr, "value")), nil
	case "uppercase":
		return strings.ToUpper(strArg(expr, "value")), nil
	case "trim":
		return strings.TrimSpace(strArg(expr, "value")), nil
	case "length":
		return float64(len([]rune(strArg(expr, "value")))), nil
	default:
		return nil, clerr.New(clerr.ValidationError, "unknown $fn: "+fn)
	}
}

func strArg(expr map[string]any, key string) string {
	s, _ := expr[key].(string)
	return s
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// resolveQuery runs an aggregate ($query) against documents already
// visible to this transaction — it scans the bucket directly rather
// than going through Engine.Query so it observes the transaction's own
// uncommitted writes for read-your-own-writes consistency.
func resolveQuery(t *Transaction, kind string, expr map[string]any) (any, error) {
	path, _ := expr["path"].(string)
	if path == "" {
		return nil, clerr.New(clerr.ValidationError, "$query requires a path")
	}
	field, _ := expr["field"].(string)

	docs, err := t.scanCollection(path)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "count":
		return float64(len(docs)), nil
	case "exists":
		return len(docs) > 0, nil
	case "first":
		if len(docs) == 0 {
			return nil, nil
		}
		return docs[0], nil
	case "last":
		if len(docs) == 0 {
			return nil, nil
		}
		return docs[len(docs)-1], nil
	case "sum", "avg", "min", "max":
		return aggregateField(docs, field, kind)
	default:
		return nil, clerr.New(clerr.ValidationError, "unknown $query: "+kind)
	}
}

func aggregateField(docs []Document, field, kind string) (any, error) {
	var sum float64
	var count int
	var min, max float64
	first := true
	for _, d := range docs {
		n, ok := d[field].(float64)
		if !ok {
			continue
		}
		sum += n
		count++
		if first || n < min {
			min = n
		}
		if first || n > max {
			max = n
		}
		first = false
	}
	switch kind {
	case "sum":
		return sum, nil
	case "avg":
		if count == 0 {
			return 0.0, nil
		}
		return sum / float64(count), nil
	case "min":
		return min, nil
	case "max":
		return max, nil
	}
	return nil, clerr.New(clerr.Internal, "unreachable aggregate kind: "+kind)
}
