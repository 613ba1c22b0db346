package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	pipeerrors "eli-pipeline/internal/errors"
)

// ErrMalformedBody is returned when the request body is not a JSON object or array.
var ErrMalformedBody = errors.New("body must be a JSON object or array")

// Item is the outcome of normalizing one batch element. Exactly one of
// Event and Err is set.
type Item struct {
	Index int
	Event *Event
	Err   *pipeerrors.ValidationError
}

// Valid reports whether the item normalized successfully.
func (i Item) Valid() bool {
	return i.Event != nil
}

// Batch is a normalized request body.
type Batch struct {
	Items []Item
	// IsArray is true when the body was a JSON array.
	IsArray bool
}

// Failed returns the validation errors of the failed items, in order.
func (b *Batch) Failed() []*pipeerrors.ValidationError {
	var out []*pipeerrors.ValidationError
	for _, it := range b.Items {
		if it.Err != nil {
			out = append(out, it.Err)
		}
	}
	return out
}

// Normalizer turns inbound webhook bodies into canonical events.
type Normalizer struct {
	validator *Validator
}

// NewNormalizer creates a Normalizer using v for field-level rules.
func NewNormalizer(v *Validator) *Normalizer {
	if v == nil {
		v = NewValidator()
	}
	return &Normalizer{validator: v}
}

// Normalize decodes body, which holds one event object or an array of them,
// detecting the shape of each item. One item's failure never affects the others.
func (n *Normalizer) Normalize(body []byte) (*Batch, error) {
	return n.normalize(body, ShapeAuto)
}

// NormalizeAs is Normalize with a fixed shape, for endpoints that accept only one form.
func (n *Normalizer) NormalizeAs(body []byte, shape Shape) (*Batch, error) {
	return n.normalize(body, shape)
}

func (n *Normalizer) normalize(body []byte, shape Shape) (*Batch, error) {
	raw := json.RawMessage(bytes.TrimSpace(body))
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedBody)
	}

	switch kindOf(raw) {
	case kindObject:
		return &Batch{Items: []Item{n.NormalizeItem(0, raw, shape)}}, nil
	case kindArray:
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		batch := &Batch{IsArray: true, Items: make([]Item, 0, len(elems))}
		for i, elem := range elems {
			batch.Items = append(batch.Items, n.NormalizeItem(i, elem, shape))
		}
		return batch, nil
	default:
		return nil, ErrMalformedBody
	}
}

// NormalizeItem normalizes a single raw element at index.
func (n *Normalizer) NormalizeItem(index int, raw json.RawMessage, shape Shape) Item {
	d := &decoder{}

	f, ok := d.object(raw, nil)
	if !ok {
		return Item{Index: index, Err: pipeerrors.NewValidationError(index, d.issues...)}
	}

	var event *Event
	switch shape {
	case ShapeLegacy:
		event = d.legacy(f)
	case ShapeNested:
		event = d.nested(f)
	default:
		if isFlat(f) {
			event = d.flat(f)
		} else {
			event = d.nested(f)
		}
		shape = ShapeNested
	}

	if len(d.issues) == 0 {
		d.issues = append(d.issues, n.validator.Validate(event)...)
	}
	if len(d.issues) > 0 {
		return Item{Index: index, Err: pipeerrors.NewValidationError(index, d.issues...)}
	}

	event.Shape = shape
	return Item{Index: index, Event: event}
}

// isFlat reports whether an item carries its channel at the top level
// (channel_id or address) instead of in a channel object.
func isFlat(f fields) bool {
	if kindOf(f["channel"]) == kindObject {
		return false
	}
	return f.has("channel_id") || f.has("address")
}

func (d *decoder) nested(f fields) *Event {
	e := &Event{}

	e.ID = d.str(f, "id", nil, true)
	if ts := d.epoch(f, "start_time", nil, true); ts != nil {
		e.StartTime = *ts
	}
	e.MonitorID = d.strOrNum(f, "monitor_id", nil)
	e.EventID = d.strOrNum(f, "event_id", nil)
	e.Topic = d.str(f, "topic", nil, false)
	e.Module = d.str(f, "module", nil, false)
	e.Level = d.level(f, "level", nil)
	e.EndTime = d.epoch(f, "end_time", nil, false)

	if raw, ok := d.member(f, "params", nil, false, "any"); ok {
		e.Params = append(json.RawMessage(nil), raw...)
	}

	e.Snapshots = []Snapshot{}
	if raw, ok := d.member(f, "snapshots", nil, false, kindArray); ok {
		path := []any{"snapshots"}
		if elems, ok := d.array(raw, path); ok {
			for i, elem := range elems {
				sp := at(path, i)
				sf, ok := d.object(elem, sp)
				if !ok {
					continue
				}
				e.Snapshots = append(e.Snapshots, Snapshot{
					Type:  d.str(sf, "type", sp, false),
					Path:  d.str(sf, "path", sp, false),
					Image: d.str(sf, "image", sp, false),
				})
			}
		}
	}

	if raw, ok := d.member(f, "channel", nil, false, kindObject); ok {
		path := []any{"channel"}
		if cf, ok := d.object(raw, path); ok {
			e.Channel = d.channel(cf, path)
		}
	}

	return e
}

// flat decodes a webhook item whose channel members sit at the top level.
// Only id and start_time are checked. channel_id, latitude, longitude and
// address are lifted into the channel when they have a usable type and
// ignored otherwise.
func (d *decoder) flat(f fields) *Event {
	e := d.nested(f)
	lift := &decoder{}
	if k := kindOf(f["channel_id"]); k == kindString || k == kindNumber {
		e.Channel.ID = lift.strOrNum(f, "channel_id", nil)
	}
	if kindOf(f["latitude"]) == kindNumber {
		e.Channel.Latitude = lift.num(f, "latitude", nil, false)
	}
	if kindOf(f["longitude"]) == kindNumber {
		e.Channel.Longitude = lift.num(f, "longitude", nil, false)
	}
	if raw, ok := f["address"]; ok && kindOf(raw) != kindNull {
		e.Channel.Address = append(json.RawMessage(nil), raw...)
	}
	return e
}

func (d *decoder) channel(f fields, path []any) Channel {
	c := Channel{
		ID:        d.strOrNum(f, "id", path),
		Type:      d.str(f, "channel_type", path, false),
		Name:      d.str(f, "name", path, false),
		Latitude:  d.num(f, "latitude", path, false),
		Longitude: d.num(f, "longitude", path, false),
	}

	if raw, ok := d.member(f, "address", path, false, "any"); ok {
		c.Address = append(json.RawMessage(nil), raw...)
	}

	if raw, ok := d.member(f, "tags", path, false, kindArray); ok {
		tp := at(path, "tags")
		if elems, ok := d.array(raw, tp); ok {
			for i, elem := range elems {
				ep := at(tp, i)
				tf, ok := d.object(elem, ep)
				if !ok {
					continue
				}
				c.Tags = append(c.Tags, Tag{
					ID:   d.strOrNum(tf, "id", ep),
					Name: d.str(tf, "name", ep, false),
				})
			}
		}
	}

	return c
}

func (d *decoder) legacy(f fields) *Event {
	e := &Event{}

	e.ID = d.str(f, "id", nil, true)
	if ts := d.epoch(f, "start_time", nil, true); ts != nil {
		e.StartTime = *ts
	}
	e.Channel.Latitude = d.num(f, "latitude", nil, true)
	e.Channel.Longitude = d.num(f, "longitude", nil, true)
	if id := d.num(f, "channel_id", nil, true); id != nil {
		e.Channel.ID = formatNumber(*id)
	}

	if raw, ok := d.member(f, "address", nil, true, kindObject); ok {
		path := []any{"address"}
		if af, ok := d.object(raw, path); ok {
			d.str(af, "country", path, true)
			for _, key := range []string{"region", "county", "city", "district", "street", "place_info"} {
				d.str(af, key, path, false)
			}
			e.Channel.Address = append(json.RawMessage(nil), raw...)
		}
	}

	e.Snapshots = []Snapshot{}
	if raw, ok := d.member(f, "snapshots", nil, true, kindArray); ok {
		path := []any{"snapshots"}
		if elems, ok := d.array(raw, path); ok {
			for i, elem := range elems {
				sp := at(path, i)
				sf, ok := d.object(elem, sp)
				if !ok {
					continue
				}
				snap := Snapshot{
					ID:   d.str(sf, "id", sp, true),
					Type: d.str(sf, "type", sp, true),
				}
				if snap.Type != "" && snap.Type != SnapshotFullscreen && snap.Type != SnapshotThumbnail {
					d.fail(at(sp, "type"), CodeInvalidEnum,
						fmt.Sprintf("Invalid enum value. Expected 'FULLSCREEN' | 'THUMBNAIL', received '%s'", snap.Type))
					continue
				}
				e.Snapshots = append(e.Snapshots, snap)
			}
		}
	}

	return e
}

// NormalizeSnapshotUpload decodes a legacy standalone snapshot upload.
func (n *Normalizer) NormalizeSnapshotUpload(body []byte) (*SnapshotUpload, *pipeerrors.ValidationError, error) {
	raw := json.RawMessage(bytes.TrimSpace(body))
	if !json.Valid(raw) {
		return nil, nil, fmt.Errorf("%w: invalid JSON", ErrMalformedBody)
	}

	d := &decoder{}
	f, ok := d.object(raw, nil)
	if !ok {
		return nil, pipeerrors.NewValidationError(0, d.issues...), nil
	}

	up := &SnapshotUpload{
		ID:       d.str(f, "id", nil, true),
		Snapshot: d.str(f, "snapshot", nil, true),
	}
	if len(d.issues) == 0 {
		d.issues = n.validator.Validate(up)
	}
	if len(d.issues) > 0 {
		return nil, pipeerrors.NewValidationError(0, d.issues...), nil
	}
	return up, nil, nil
}
