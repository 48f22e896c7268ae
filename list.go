package chronos

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// List limits.
const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// Filter operators accepted in ListQuery.Filter values.
const (
	opIn  = "$in"
	opGte = "$gte"
	opLte = "$lte"
	opGt  = "$gt"
	opLt  = "$lt"
	opNe  = "$ne"
)

// ListQuery selects items by their indexed projection. Filter maps an indexed
// field either to a scalar (equality, with array membership for array-valued
// fields) or to an operator map like {"$gte": 10}. Tombstoned items are never
// returned.
type ListQuery struct {
	Filter map[string]any

	// Limit caps the page size. Default 50, max 1000.
	Limit int

	// Sort orders by one indexed field, prefix "-" for descending. Items
	// always tiebreak on id ascending. Empty sorts by id.
	Sort string

	// AfterID resumes the listing after the given item id. With Sort set,
	// the named item's sort value seeds the keyset; the item must exist.
	// Ignored when PageToken is set.
	AfterID string

	// PageToken resumes from a previous page's token.
	PageToken string

	// IncludeItems hydrates full payloads from the object tier. The default
	// returns metadata-only views (Meta.MetaIndexed populated, Item nil).
	IncludeItems bool
}

// ListResult is one page of a listing.
type ListResult struct {
	Items []*ItemView

	// PageToken resumes after the last item. Empty on the final page.
	PageToken string
}

// listCursor is the decoded page token.
type listCursor struct {
	V  any    `json:"v,omitempty"`
	ID string `json:"id"`
}

// ListByMeta pages through the collection's live items by indexed metadata.
func (o *Ops) ListByMeta(ctx context.Context, q ListQuery) (*ListResult, error) {
	o.db.metrics.observeRead("listByMeta")

	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	sortField, desc, err := o.parseSort(q.Sort)
	if err != nil {
		return nil, err
	}

	where := []string{"collection = ?", "deleted_at IS NULL"}
	args := []any{o.collection}

	for field, cond := range q.Filter {
		clause, condArgs, err := o.filterClause(field, cond)
		if err != nil {
			return nil, err
		}
		where = append(where, clause)
		args = append(args, condArgs...)
	}

	cursor, err := decodeCursor(q.PageToken)
	if err != nil {
		return nil, err
	}
	if cursor == nil && q.AfterID != "" {
		cursor = &listCursor{ID: q.AfterID}
		if sortField != "" {
			cursor.V, err = o.sortValueFor(ctx, q.AfterID, sortField)
			if err != nil {
				return nil, err
			}
		}
	}
	if cursor != nil {
		if sortField == "" {
			where = append(where, "id > ?")
			args = append(args, cursor.ID)
		} else {
			cmp := ">"
			if desc {
				cmp = "<"
			}
			expr := indexedExpr(sortField)
			where = append(where, fmt.Sprintf("(%s %s ? OR (%s = ? AND id > ?))", expr, cmp, expr))
			args = append(args, cursor.V, cursor.V, cursor.ID)
		}
	}

	order := "id ASC"
	if sortField != "" {
		dir := "ASC"
		if desc {
			dir = "DESC"
		}
		order = fmt.Sprintf("%s %s, id ASC", indexedExpr(sortField), dir)
	}

	query := fmt.Sprintf(`
		SELECT collection, id, ov, cv, indexed, blob_key, created_at, updated_at, deleted_at
		FROM items
		WHERE %s
		ORDER BY %s
		LIMIT ?
	`, strings.Join(where, " AND "), order)
	args = append(args, limit+1)

	rows, err := o.binding.meta.selectItems(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	more := len(rows) > limit
	if more {
		rows = rows[:limit]
	}

	res := &ListResult{Items: make([]*ItemView, 0, len(rows))}
	for _, it := range rows {
		view, err := o.listView(ctx, it, q.IncludeItems)
		if err != nil {
			return nil, err
		}
		res.Items = append(res.Items, view)
	}

	if more && len(rows) > 0 {
		last := rows[len(rows)-1]
		c := listCursor{ID: last.ID}
		if sortField != "" {
			var indexed map[string]any
			_ = json.Unmarshal([]byte(last.Indexed), &indexed)
			c.V = indexed[sortField]
		}
		res.PageToken = encodeCursor(c)
	}
	return res, nil
}

func (o *Ops) listView(ctx context.Context, it itemRow, includeItems bool) (*ItemView, error) {
	if includeItems {
		return o.view(ctx, versionRow{
			Collection: it.Collection,
			ItemID:     it.ID,
			OV:         it.OV,
			CV:         it.CV,
			BlobKey:    it.BlobKey,
			Indexed:    it.Indexed,
			CreatedAt:  it.UpdatedAt,
			DeletedAt:  it.DeletedAt,
		}, nil)
	}
	meta := &ItemMeta{OV: it.OV, CV: it.CV, At: time.UnixMilli(it.UpdatedAt)}
	_ = json.Unmarshal([]byte(it.Indexed), &meta.MetaIndexed)
	return &ItemView{ID: it.ID, Meta: meta}, nil
}

// sortValueFor resolves the indexed sort value of the item an afterId names.
// A missing item or a null value would turn the keyset comparison into SQL
// NULL and silently empty the page, so both are rejected.
func (o *Ops) sortValueFor(ctx context.Context, id, field string) (any, error) {
	rows, err := o.binding.meta.selectItems(ctx, `
		SELECT collection, id, ov, cv, indexed, blob_key, created_at, updated_at, deleted_at
		FROM items
		WHERE collection = ? AND id = ?
	`, o.collection, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &ValidationError{Collection: o.collection, Field: "afterId",
			Message: "afterId refers to an unknown item"}
	}
	var indexed map[string]any
	_ = json.Unmarshal([]byte(rows[0].Indexed), &indexed)
	v, ok := indexed[field]
	if !ok || v == nil {
		return nil, &ValidationError{Collection: o.collection, Field: "afterId",
			Message: "afterId item has no value for sort field " + field}
	}
	return v, nil
}

// parseSort validates a sort spec against the collection's indexed fields.
func (o *Ops) parseSort(sort string) (field string, desc bool, err error) {
	if sort == "" {
		return "", false, nil
	}
	field = sort
	if strings.HasPrefix(sort, "-") {
		field = sort[1:]
		desc = true
	}
	if !o.indexedField(field) {
		return "", false, &ValidationError{Collection: o.collection, Field: field,
			Message: "sort field is not indexed"}
	}
	return field, desc, nil
}

// filterClause renders one filter condition into SQL.
func (o *Ops) filterClause(field string, cond any) (string, []any, error) {
	if !o.indexedField(field) {
		return "", nil, &ValidationError{Collection: o.collection, Field: field,
			Message: "filter field is not indexed"}
	}
	expr := indexedExpr(field)

	ops, isOps := cond.(map[string]any)
	if !isOps {
		// Equality, matching array-valued fields by membership. The array
		// check takes the path form against the stored column: json_extract
		// yields plain SQL text for scalar fields, not JSON.
		path := indexedPath(field)
		clause := fmt.Sprintf(
			"(%s = ? OR (json_type(indexed, %s) = 'array' AND EXISTS (SELECT 1 FROM json_each(indexed, %s) WHERE json_each.value = ?)))",
			expr, path, path)
		return clause, []any{cond, cond}, nil
	}

	var clauses []string
	var args []any
	for op, val := range ops {
		switch op {
		case opIn:
			vals, ok := anySlice(val)
			if !ok || len(vals) == 0 {
				return "", nil, &ValidationError{Collection: o.collection, Field: field,
					Message: "$in requires a non-empty array"}
			}
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", ")
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", expr, placeholders))
			args = append(args, vals...)
		case opGte:
			clauses = append(clauses, expr+" >= ?")
			args = append(args, val)
		case opLte:
			clauses = append(clauses, expr+" <= ?")
			args = append(args, val)
		case opGt:
			clauses = append(clauses, expr+" > ?")
			args = append(args, val)
		case opLt:
			clauses = append(clauses, expr+" < ?")
			args = append(args, val)
		case opNe:
			clauses = append(clauses, expr+" != ?")
			args = append(args, val)
		default:
			return "", nil, &ValidationError{Collection: o.collection, Field: field,
				Message: "unknown filter operator " + op}
		}
	}
	return "(" + strings.Join(clauses, " AND ") + ")", args, nil
}

// indexedField reports whether a field is declared in the collection's
// indexed projection.
func (o *Ops) indexedField(field string) bool {
	for _, p := range o.cmap.IndexedProps {
		if p == field {
			return true
		}
	}
	return false
}

// indexedExpr is the SQL expression extracting one projected field. Field
// names are validated against the declared projection before reaching here,
// so interpolation is confined to configured values.
func indexedExpr(field string) string {
	return "json_extract(indexed, " + indexedPath(field) + ")"
}

// indexedPath is the quoted JSON path literal for one projected field.
func indexedPath(field string) string {
	return fmt.Sprintf(`'$."%s"'`, strings.ReplaceAll(field, `"`, ``))
}

func anySlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	case []int:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}

func encodeCursor(c listCursor) string {
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(token string) (*listCursor, error) {
	if token == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, &ValidationError{Field: "pageToken", Message: "malformed page token"}
	}
	var c listCursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, &ValidationError{Field: "pageToken", Message: "malformed page token"}
	}
	return &c, nil
}
