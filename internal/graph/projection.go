package graph

import (
	"encoding/json"
	"fmt"

	"eli-pipeline/internal/schema"
)

// Image is an archived or referenced snapshot to link to an event.
type Image struct {
	ID   string
	Type string
	Path string
	URL  string
}

// DetectionNode is a vision detection to attach to an event.
type DetectionNode struct {
	ID    string
	Type  string
	Label string
	Score float64
	TS    int64
}

var personAttributes = []string{"age", "gender", "race", "glasses", "beard", "hat", "mask"}

// ProjectEvent maps a nested event and its snapshots to one batch: Camera,
// Event, Tags, matched identities with their watchlists, and Images.
func ProjectEvent(e *schema.Event, images []Image) *Batch {
	b := &Batch{}
	event, ok := b.Node(Event, e.ID, eventProps(e))
	if !ok {
		return b
	}

	if e.HasChannel() {
		camera, _ := b.NodeOnCreate(Camera, e.Channel.ID, cameraProps(&e.Channel))
		b.Edge(Generated, camera, event, nil)
	}

	for _, t := range e.Channel.Tags {
		name := t.Name
		if name == "" {
			name = t.ID
		}
		if tag, ok := b.Node(Tag, name, map[string]any{"tag_id": t.ID}); ok {
			b.Edge(Tagged, event, tag, nil)
		}
	}

	projectIdentities(b, event, e.ParseParams())

	for _, img := range images {
		linkImage(b, event, img)
	}
	return b
}

// ProjectLegacyEvent maps a flat legacy event: Camera by channel id, Event
// with its location, and Images keyed by the feed's snapshot ids.
func ProjectLegacyEvent(e *schema.Event) *Batch {
	b := &Batch{}
	event, ok := b.Node(Event, e.ID, map[string]any{
		"start_time": e.StartTime,
		"latitude":   e.Channel.Latitude,
		"longitude":  e.Channel.Longitude,
	})
	if !ok {
		return b
	}

	if e.HasChannel() {
		camera, _ := b.NodeOnCreate(Camera, e.Channel.ID, cameraProps(&e.Channel))
		b.Edge(Generated, camera, event, nil)
	}

	for _, s := range e.Snapshots {
		if img, ok := b.Node(ImageByID, s.ID, map[string]any{"type": s.Type}); ok {
			b.Edge(HasSnapshot, event, img, nil)
		}
	}
	return b
}

// ProjectImage records an image node by id, linked to eventID when set.
func ProjectImage(eventID string, img Image) *Batch {
	b := &Batch{}
	node, ok := b.Node(ImageByID, img.ID, map[string]any{"type": img.Type, "url": img.URL})
	if !ok {
		return b
	}
	if eventID != "" {
		b.Edge(HasSnapshot, Ref{Kind: Event, Key: eventID}, node, nil)
	}
	return b
}

// ProjectDetections attaches detections to an existing event. The event is
// matched, not created.
func ProjectDetections(eventID string, dets []DetectionNode) *Batch {
	b := &Batch{}
	if eventID == "" {
		return b
	}
	event := Ref{Kind: Event, Key: eventID}
	for _, d := range dets {
		node, ok := b.Node(Detection, d.ID, map[string]any{
			"type":  d.Type,
			"label": d.Label,
			"score": d.Score,
			"ts":    d.TS,
		})
		if ok {
			b.Edge(HasDetection, event, node, nil)
		}
	}
	return b
}

func linkImage(b *Batch, event Ref, img Image) {
	var (
		node Ref
		ok   bool
	)
	switch {
	case img.URL != "":
		node, ok = b.Node(ImageByURL, img.URL, map[string]any{"type": img.Type, "path": img.Path})
	case img.Path != "":
		node, ok = b.Node(ImageByPath, img.Path, map[string]any{"type": img.Type})
	}
	if ok {
		b.Edge(HasSnapshot, event, node, nil)
	}
}

func eventProps(e *schema.Event) map[string]any {
	props := map[string]any{
		"topic":        e.Topic,
		"module":       e.Module,
		"time":         e.StartTime,
		"end_time":     e.EndTime,
		"monitor_id":   e.MonitorID,
		"event_id_ext": e.EventID,
	}
	if e.Level != nil {
		props["level"] = e.Level.Value()
	}

	p := e.ParseParams()
	for _, attr := range personAttributes {
		if v, ok := scalar(p.Attributes[attr]); ok {
			props["person_"+attr] = v
		}
	}
	if o := p.Object; o != nil {
		if o.Color != nil {
			if v, ok := scalar(o.Color.Value); ok {
				props["vehicle_color_value"] = v
			}
			props["vehicle_color_reliability"] = o.Color.Reliability
		}
		if o.Type != nil {
			if v, ok := scalar(o.Type.Value); ok {
				props["vehicle_type_value"] = v
			}
			props["vehicle_type_reliability"] = o.Type.Reliability
		}
		props["vehicle_reliability"] = o.Reliability
	}
	return props
}

func cameraProps(c *schema.Channel) map[string]any {
	props := map[string]any{
		"name":      c.Name,
		"type":      c.Type,
		"latitude":  c.Latitude,
		"longitude": c.Longitude,
	}
	if len(c.Address) > 0 && string(c.Address) != "null" {
		props["address_json"] = string(c.Address)
	}
	if a, ok := c.ParseAddress(); ok {
		props["country"] = a.Country
		props["region"] = a.Region
		props["county"] = a.County
		props["city"] = a.City
		props["district"] = a.District
		props["street"] = a.Street
		props["place_info"] = a.PlaceInfo
	}
	return props
}

func projectIdentities(b *Batch, event Ref, p schema.Params) {
	for _, id := range p.Identities {
		var list Ref
		hasList := false
		if id.List != nil {
			list, hasList = b.Node(Watchlist, string(id.List.ID), map[string]any{
				"name":  id.List.Name,
				"level": levelProp(id.List.Level),
			})
			if hasList {
				b.Edge(InList, event, list, nil)
			}
		}

		for _, f := range id.Faces {
			face, ok := b.Node(FaceIdentity, string(f.ID), map[string]any{
				"first_name": f.FirstName,
				"last_name":  f.LastName,
			})
			if !ok {
				continue
			}
			b.Edge(MatchedFace, event, face, map[string]any{"similarity": f.Similarity})
			if hasList {
				b.Edge(InList, face, list, nil)
			}
		}

		for _, pl := range id.Plates {
			plate, ok := b.Node(PlateIdentity, string(pl.ID), map[string]any{
				"number":           pl.Number,
				"state":            pl.State,
				"owner_first_name": pl.OwnerFirstName,
				"owner_last_name":  pl.OwnerLastName,
			})
			if !ok {
				continue
			}
			b.Edge(MatchedPlate, event, plate, nil)
			if hasList {
				b.Edge(InList, plate, list, nil)
			}
		}
	}
}

// scalar unwraps {"value": x} objects and keeps strings, numbers and bools.
func scalar(v any) (any, bool) {
	switch t := v.(type) {
	case string, float64, bool:
		return t, true
	case json.Number:
		return t.String(), true
	case map[string]any:
		return scalar(t["value"])
	}
	return nil, false
}

func levelProp(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string, float64, bool:
		return t
	default:
		return fmt.Sprint(t)
	}
}
