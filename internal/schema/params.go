package schema

import (
	"encoding/json"
	"strconv"
)

// Params is the typed view of the free-form params payload that the graph
// projection understands. Unknown members are ignored.
type Params struct {
	Attributes map[string]any `json:"attributes"`
	Object     *ObjectParams  `json:"object"`
	Identities []Identity     `json:"identities"`
}

// ObjectParams describes a detected vehicle or object.
type ObjectParams struct {
	Color       *Graded  `json:"color"`
	Type        *Graded  `json:"type"`
	Reliability *float64 `json:"reliability"`
}

// Graded is a classifier output with its reliability.
type Graded struct {
	Value       any      `json:"value"`
	Reliability *float64 `json:"reliability"`
}

// Identity groups the face and plate matches of one watchlist hit.
type Identity struct {
	Faces  []FaceMatch  `json:"faces"`
	Plates []PlateMatch `json:"plates"`
	List   *Watchlist   `json:"list"`
}

// FaceMatch is a recognized person.
type FaceMatch struct {
	ID         FlexString `json:"id"`
	Similarity *float64   `json:"similarity"`
	FirstName  string     `json:"first_name"`
	LastName   string     `json:"last_name"`
}

// PlateMatch is a recognized license plate.
type PlateMatch struct {
	ID             FlexString `json:"id"`
	Number         string     `json:"number"`
	State          string     `json:"state"`
	OwnerFirstName string     `json:"owner_first_name"`
	OwnerLastName  string     `json:"owner_last_name"`
}

// Watchlist is the list an identity belongs to.
type Watchlist struct {
	ID    FlexString `json:"id"`
	Name  string     `json:"name"`
	Level any        `json:"level"`
}

// FlexString accepts a JSON string or number and keeps its text form.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		// null or an object: no usable identity
		*f = ""
		return nil
	}
	*f = FlexString(n.String())
	return nil
}

// ParseParams decodes the params payload. Malformed or non-object params
// yield an empty view.
func (e *Event) ParseParams() Params {
	var p Params
	if len(e.Params) == 0 {
		return p
	}
	if err := json.Unmarshal(e.Params, &p); err != nil {
		return Params{}
	}
	return p
}

// Address is the structured camera address sent by the feed.
type Address struct {
	Country   string `json:"country"`
	Region    string `json:"region,omitempty"`
	County    string `json:"county,omitempty"`
	City      string `json:"city,omitempty"`
	District  string `json:"district,omitempty"`
	Street    string `json:"street,omitempty"`
	PlaceInfo string `json:"place_info,omitempty"`
}

// ParseAddress decodes the channel address when it is an object.
func (c *Channel) ParseAddress() (Address, bool) {
	var a Address
	if len(c.Address) == 0 || kindOf(c.Address) != kindObject {
		return a, false
	}
	if err := json.Unmarshal(c.Address, &a); err != nil {
		return Address{}, false
	}
	return a, true
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
