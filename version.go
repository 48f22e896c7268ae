package chronos

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// enrichAttempts bounds the read-merge-write loop before surfacing the
// conflict to the caller.
const enrichAttempts = 3

// refsProp is the reserved payload key recording externalized content props.
const refsProp = "_refs"

// WriteOptions carries optional provenance for a write. All fields may be
// empty.
type WriteOptions struct {
	// ID fixes the item id on Create. Generated when empty.
	ID string

	Actor      string
	Reason     string
	FunctionID string
}

// WriteResult reports a committed write.
type WriteResult struct {
	ID        string
	OV        int64
	CV        int64
	CreatedAt time.Time
}

// ReadOptions tunes read operations.
type ReadOptions struct {
	// Presign generates presigned URLs for externalized content props.
	Presign bool

	// TTLSeconds is the presigned URL lifetime. Default: 3600.
	TTLSeconds int

	// Projection keeps only the listed payload fields (dotted paths allowed).
	// Empty returns the full payload.
	Projection []string
}

func (o *ReadOptions) ttl() time.Duration {
	if o == nil || o.TTLSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(o.TTLSeconds) * time.Second
}

// ItemMeta is the version metadata of a returned item.
type ItemMeta struct {
	OV          int64          `json:"ov"`
	CV          int64          `json:"cv"`
	At          time.Time      `json:"at"`
	MetaIndexed map[string]any `json:"metaIndexed,omitempty"`
	DeletedAt   *time.Time     `json:"deletedAt,omitempty"`
}

// PresignedProp is a presigned URL pair for one externalized content prop.
type PresignedProp struct {
	BlobURL   string `json:"blobUrl"`
	TextURL   string `json:"textUrl,omitempty"`
	ExpiresIn int    `json:"expiresIn"`
}

// ItemView is one version of an item as returned by reads. Item is nil for
// tombstoned versions; Meta.DeletedAt marks the deletion.
type ItemView struct {
	ID        string                   `json:"id"`
	Item      map[string]any           `json:"item,omitempty"`
	Meta      *ItemMeta                `json:"_meta"`
	Presigned map[string]PresignedProp `json:"presigned,omitempty"`
}

// Ops is a collection-bound operation handle. Handles are cheap; obtain one
// per request via DB.With.
type Ops struct {
	db         *DB
	binding    *binding
	collection string
	cmap       CollectionMap
	tenant     string
}

// Create appends version 0 of a new item. Fails validation if a required
// indexed field is missing.
func (o *Ops) Create(ctx context.Context, item map[string]any, opts *WriteOptions) (*WriteResult, error) {
	if opts == nil {
		opts = &WriteOptions{}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now()
	payload := clonePayload(item)
	if err := o.validateRequired(payload); err != nil {
		return nil, err
	}
	indexed := o.project(payload, now)

	blobKey := blobKeyFor(o.binding.dbName, o.collection, id, 0)
	if err := o.writePayload(ctx, id, 0, payload, blobKey); err != nil {
		return nil, err
	}

	cv, err := o.binding.meta.createItem(ctx, versionRow{
		Collection: o.collection,
		ItemID:     id,
		BlobKey:    blobKey,
		Indexed:    mustJSON(indexed),
		Actor:      opts.Actor,
		Reason:     opts.Reason,
		FunctionID: opts.FunctionID,
		CreatedAt:  now.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}

	o.committed(EventCreate, id, 0, cv, now, opts, indexed)
	return &WriteResult{ID: id, OV: 0, CV: cv, CreatedAt: now}, nil
}

// Update appends a new full version of an item. expectedOv must equal the
// item's current ov or the write fails immediately with a ConflictError.
func (o *Ops) Update(ctx context.Context, id string, item map[string]any, expectedOv int64, opts *WriteOptions) (*WriteResult, error) {
	if opts == nil {
		opts = &WriteOptions{}
	}
	now := time.Now()
	payload := clonePayload(item)
	if err := o.validateRequired(payload); err != nil {
		return nil, err
	}
	indexed := o.project(payload, now)

	newOv := expectedOv + 1
	blobKey := blobKeyFor(o.binding.dbName, o.collection, id, newOv)
	if err := o.writePayload(ctx, id, newOv, payload, blobKey); err != nil {
		return nil, err
	}

	ov, cv, err := o.binding.meta.appendVersion(ctx, versionRow{
		Collection: o.collection,
		ItemID:     id,
		BlobKey:    blobKey,
		Indexed:    mustJSON(indexed),
		Actor:      opts.Actor,
		Reason:     opts.Reason,
		FunctionID: opts.FunctionID,
		CreatedAt:  now.UnixMilli(),
	}, expectedOv)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			o.db.metrics.observeConflict()
		}
		return nil, err
	}

	o.committed(EventUpdate, id, ov, cv, now, opts, indexed)
	return &WriteResult{ID: id, OV: ov, CV: cv, CreatedAt: now}, nil
}

// Enrich deep-merges a patch into the item's latest payload and appends the
// result as a new version. Lost races are retried a few times before the
// conflict surfaces.
func (o *Ops) Enrich(ctx context.Context, id string, patch map[string]any, opts *WriteOptions) (*WriteResult, error) {
	if opts == nil {
		opts = &WriteOptions{}
	}
	var lastErr error
	for attempt := 0; attempt < enrichAttempts; attempt++ {
		it, err := o.binding.meta.getItem(ctx, o.collection, id)
		if err != nil {
			return nil, err
		}
		if it.DeletedAt.Valid {
			return nil, &NotFoundError{Kind: "item", Key: o.collection + "/" + id}
		}
		current, err := o.readPayload(ctx, it.BlobKey)
		if err != nil {
			return nil, err
		}
		merged := deepMerge(current, patch)

		now := time.Now()
		indexed := o.project(merged, now)
		newOv := it.OV + 1
		blobKey := blobKeyFor(o.binding.dbName, o.collection, id, newOv)
		if err := o.writePayload(ctx, id, newOv, merged, blobKey); err != nil {
			return nil, err
		}

		ov, cv, err := o.binding.meta.appendVersion(ctx, versionRow{
			Collection: o.collection,
			ItemID:     id,
			BlobKey:    blobKey,
			Indexed:    mustJSON(indexed),
			Actor:      opts.Actor,
			Reason:     opts.Reason,
			FunctionID: opts.FunctionID,
			CreatedAt:  now.UnixMilli(),
		}, it.OV)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				o.db.metrics.observeConflict()
				lastErr = err
				continue
			}
			return nil, err
		}

		o.committed(EventEnrich, id, ov, cv, now, opts, indexed)
		return &WriteResult{ID: id, OV: ov, CV: cv, CreatedAt: now}, nil
	}
	return nil, lastErr
}

// Delete appends a tombstone version. The item's history stays readable; the
// tombstone shares its predecessor's payload blob, so no object write occurs.
func (o *Ops) Delete(ctx context.Context, id string, expectedOv int64, opts *WriteOptions) (*WriteResult, error) {
	if opts == nil {
		opts = &WriteOptions{}
	}
	it, err := o.binding.meta.getItem(ctx, o.collection, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ov, cv, err := o.binding.meta.appendVersion(ctx, versionRow{
		Collection: o.collection,
		ItemID:     id,
		BlobKey:    it.BlobKey,
		Indexed:    it.Indexed,
		Actor:      opts.Actor,
		Reason:     opts.Reason,
		FunctionID: opts.FunctionID,
		CreatedAt:  now.UnixMilli(),
		DeletedAt:  nullInt64(now.UnixMilli()),
	}, expectedOv)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			o.db.metrics.observeConflict()
		}
		return nil, err
	}

	o.committed(EventDelete, id, ov, cv, now, opts, nil)
	return &WriteResult{ID: id, OV: ov, CV: cv, CreatedAt: now}, nil
}

// Restore appends a copy of an earlier version as the new head. Restoring a
// pre-deletion version of a tombstoned item revives it; history is never
// rewritten.
func (o *Ops) Restore(ctx context.Context, id string, ov int64, opts *WriteOptions) (*WriteResult, error) {
	if opts == nil {
		opts = &WriteOptions{}
	}
	target, err := o.binding.meta.getVersion(ctx, o.collection, id, ov)
	if err != nil {
		return nil, err
	}
	if target.DeletedAt.Valid {
		return nil, &ValidationError{Collection: o.collection, Field: "ov",
			Message: "cannot restore a tombstone version"}
	}
	it, err := o.binding.meta.getItem(ctx, o.collection, id)
	if err != nil {
		return nil, err
	}
	payload, err := o.readPayload(ctx, target.BlobKey)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	newOv := it.OV + 1
	blobKey := blobKeyFor(o.binding.dbName, o.collection, id, newOv)
	if err := o.writePayload(ctx, id, newOv, payload, blobKey); err != nil {
		return nil, err
	}

	newOv, cv, err := o.binding.meta.appendVersion(ctx, versionRow{
		Collection: o.collection,
		ItemID:     id,
		BlobKey:    blobKey,
		Indexed:    target.Indexed,
		Actor:      opts.Actor,
		Reason:     opts.Reason,
		FunctionID: opts.FunctionID,
		CreatedAt:  now.UnixMilli(),
	}, it.OV)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			o.db.metrics.observeConflict()
		}
		return nil, err
	}

	o.committed(EventRestore, id, newOv, cv, now, opts, nil)
	return &WriteResult{ID: id, OV: newOv, CV: cv, CreatedAt: now}, nil
}

// GetLatest returns the item's current version. A tombstoned item yields a
// view with Meta.DeletedAt set and a nil payload rather than a not-found
// error; callers that need existence semantics check DeletedAt.
func (o *Ops) GetLatest(ctx context.Context, id string, opts *ReadOptions) (*ItemView, error) {
	o.db.metrics.observeRead("getLatest")
	it, err := o.binding.meta.getItem(ctx, o.collection, id)
	if err != nil {
		return nil, err
	}
	return o.view(ctx, versionRow{
		Collection: it.Collection,
		ItemID:     it.ID,
		OV:         it.OV,
		CV:         it.CV,
		BlobKey:    it.BlobKey,
		Indexed:    it.Indexed,
		CreatedAt:  it.UpdatedAt,
		DeletedAt:  it.DeletedAt,
	}, opts)
}

// GetVersion returns one explicit version from the item's history.
func (o *Ops) GetVersion(ctx context.Context, id string, ov int64, opts *ReadOptions) (*ItemView, error) {
	o.db.metrics.observeRead("getVersion")
	v, err := o.binding.meta.getVersion(ctx, o.collection, id, ov)
	if err != nil {
		return nil, err
	}
	return o.view(ctx, *v, opts)
}

// GetAsOf returns the latest version created at or before t.
func (o *Ops) GetAsOf(ctx context.Context, id string, t time.Time, opts *ReadOptions) (*ItemView, error) {
	o.db.metrics.observeRead("getAsOf")
	v, err := o.binding.meta.getAsOf(ctx, o.collection, id, t.UnixMilli())
	if err != nil {
		return nil, err
	}
	return o.view(ctx, *v, opts)
}

// committed runs the post-commit side effects of a write.
func (o *Ops) committed(ev EventType, id string, ov, cv int64, at time.Time, opts *WriteOptions, indexed map[string]any) {
	o.db.metrics.observeWrite(ev)
	if ev == EventCreate || ev == EventUpdate {
		o.db.counters.observe(ev, o.tenant, indexed)
	}
	o.db.hub.Publish(Event{
		Type:       ev,
		Database:   o.binding.dbName,
		Collection: o.collection,
		ID:         id,
		OV:         ov,
		CV:         cv,
		At:         at,
		Actor:      opts.Actor,
		Reason:     opts.Reason,
	})
}

// writePayload externalizes declared content props, encodes the remaining
// payload, and puts the blob. Mutates payload in place.
func (o *Ops) writePayload(ctx context.Context, id string, ov int64, payload map[string]any, blobKey string) error {
	if err := o.externalize(ctx, id, ov, payload); err != nil {
		return err
	}
	blob, err := o.db.codec.encode(payload)
	if err != nil {
		return &ValidationError{Collection: o.collection, Message: err.Error()}
	}
	return o.binding.objects.Put(ctx, o.binding.jsonBucket(), blobKey, blob)
}

// externalize moves declared content props out of the payload into the
// content bucket, leaving a refs map behind.
func (o *Ops) externalize(ctx context.Context, id string, ov int64, payload map[string]any) error {
	if len(o.cmap.ContentProps) == 0 {
		return nil
	}
	// Refs inherited from a predecessor version (enrich, restore) survive
	// unless the prop is rewritten below.
	var refs map[string]any
	if prior, ok := payload[refsProp].(map[string]any); ok {
		refs = prior
	}
	for _, prop := range o.cmap.ContentProps {
		raw, ok := contentBytes(payload[prop])
		if !ok {
			continue
		}
		key := contentKeyFor(o.binding.dbName, o.collection, id, ov, prop)
		if err := o.binding.objects.Put(ctx, o.binding.contentBucket(), key, raw); err != nil {
			return err
		}
		delete(payload, prop)
		if refs == nil {
			refs = make(map[string]any)
		}
		refs[prop] = key
	}
	if refs != nil {
		payload[refsProp] = refs
	}
	return nil
}

func contentBytes(v any) ([]byte, bool) {
	switch c := v.(type) {
	case string:
		return []byte(c), true
	case []byte:
		return c, true
	}
	return nil, false
}

func (o *Ops) readPayload(ctx context.Context, blobKey string) (map[string]any, error) {
	blob, err := o.binding.objects.Get(ctx, o.binding.jsonBucket(), blobKey)
	if err != nil {
		return nil, err
	}
	return o.db.codec.decode(blob)
}

// view builds an ItemView from a version record, fetching and decoding the
// payload for live versions.
func (o *Ops) view(ctx context.Context, v versionRow, opts *ReadOptions) (*ItemView, error) {
	meta := &ItemMeta{
		OV: v.OV,
		CV: v.CV,
		At: time.UnixMilli(v.CreatedAt),
	}
	if v.Indexed != "" {
		_ = json.Unmarshal([]byte(v.Indexed), &meta.MetaIndexed)
	}
	if v.DeletedAt.Valid {
		t := time.UnixMilli(v.DeletedAt.Int64)
		meta.DeletedAt = &t
		return &ItemView{ID: v.ItemID, Meta: meta}, nil
	}

	payload, err := o.readPayload(ctx, v.BlobKey)
	if err != nil {
		return nil, err
	}

	view := &ItemView{ID: v.ItemID, Meta: meta}
	if refs, ok := payload[refsProp].(map[string]any); ok {
		delete(payload, refsProp)
		if opts != nil && opts.Presign {
			view.Presigned, err = o.presignRefs(ctx, refs, opts.ttl())
			if err != nil {
				return nil, err
			}
		}
	}
	if opts != nil && len(opts.Projection) > 0 {
		payload = projectFields(payload, opts.Projection)
	}
	view.Item = payload
	return view, nil
}

func (o *Ops) presignRefs(ctx context.Context, refs map[string]any, ttl time.Duration) (map[string]PresignedProp, error) {
	out := make(map[string]PresignedProp, len(refs))
	for prop, keyAny := range refs {
		key, ok := keyAny.(string)
		if !ok {
			continue
		}
		url, err := o.binding.objects.Presign(ctx, o.binding.contentBucket(), key, ttl)
		if err != nil {
			return nil, err
		}
		out[prop] = PresignedProp{BlobURL: url, ExpiresIn: int(ttl.Seconds())}
	}
	return out, nil
}

// validateRequired checks the collection's required indexed fields.
func (o *Ops) validateRequired(payload map[string]any) error {
	for _, field := range o.cmap.Validation.RequiredIndexed {
		if _, ok := pathValue(payload, field); !ok {
			return &ValidationError{Collection: o.collection, Field: field,
				Message: "required indexed field is missing"}
		}
	}
	return nil
}

// project extracts the collection's indexed fields from a payload. A declared
// createdAt field absent from the payload is filled with the write time so
// time-ordered listing works without caller cooperation.
func (o *Ops) project(payload map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(o.cmap.IndexedProps))
	for _, field := range o.cmap.IndexedProps {
		if v, ok := pathValue(payload, field); ok {
			out[field] = v
		} else if field == "createdAt" {
			out[field] = now.UnixMilli()
		}
	}
	return out
}

// pathValue resolves a dotted path in a nested payload.
func pathValue(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	cur := any(m)
	for _, p := range parts {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// projectFields keeps only the listed dotted paths of a payload.
func projectFields(payload map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		v, ok := pathValue(payload, f)
		if !ok {
			continue
		}
		parts := strings.Split(f, ".")
		cur := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := cur[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[p] = next
			}
			cur = next
		}
		cur[parts[len(parts)-1]] = v
	}
	return out
}

// deepMerge merges patch into base: nested maps merge recursively, everything
// else (including arrays) replaces. Returns a new map; inputs are not
// mutated.
func deepMerge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, pv := range patch {
		if pm, ok := pv.(map[string]any); ok {
			if bm, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(bm, pm)
				continue
			}
		}
		out[k] = pv
	}
	return out
}

func clonePayload(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
