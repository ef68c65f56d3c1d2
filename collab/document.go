package collab

import (
	"encoding/json"
	"slices"
	"sort"

	"golang.org/x/exp/maps"
)

// document coordinates
type Position struct {
	X float64  `json:"x"`
	Y float64  `json:"y"`
	Z *float64 `json:"z,omitempty"`
}

func (self Position) Clone() Position {
	if self.Z != nil {
		z := *self.Z
		self.Z = &z
	}
	return self
}

func (self Position) Equal(b Position) bool {
	if self.X != b.X || self.Y != b.Y {
		return false
	}
	if self.Z == nil || b.Z == nil {
		return self.Z == nil && b.Z == nil
	}
	return *self.Z == *b.Z
}

type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Depth  float64 `json:"depth,omitempty"`
}

// one placeable entity in the layout
type Object struct {
	Id         string         `json:"id"`
	Type       string         `json:"type"`
	Position   Position       `json:"position"`
	Size       Size           `json:"dimensions"`
	Rotation   float64        `json:"rotation,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

func (self *Object) Clone() *Object {
	if self == nil {
		return nil
	}
	object := *self
	object.Position = self.Position.Clone()
	if self.Properties != nil {
		object.Properties = maps.Clone(self.Properties)
	}
	return &object
}

type Warning struct {
	Type       string   `json:"type,omitempty"`
	Message    string   `json:"message"`
	ElementIds []string `json:"element_ids,omitempty"`
}

// the shared layout state
// metrics, warnings and zones are derived by the authority and are read only on the client
type Document struct {
	objects  map[string]*Object
	zones    json.RawMessage
	metrics  map[string]float64
	warnings []Warning
}

func NewDocument() *Document {
	return &Document{
		objects: map[string]*Object{},
	}
}

// builds a document from an authoritative object list
// later duplicates of an id replace earlier ones so ids stay unique
func NewDocumentFromObjects(objects []*Object) *Document {
	document := NewDocument()
	for _, object := range objects {
		if object == nil || object.Id == "" {
			continue
		}
		document.objects[object.Id] = object.Clone()
	}
	return document
}

func (self *Document) Len() int {
	return len(self.objects)
}

func (self *Document) Get(id string) (*Object, bool) {
	object, ok := self.objects[id]
	if !ok {
		return nil, false
	}
	return object.Clone(), true
}

func (self *Document) Contains(id string) bool {
	_, ok := self.objects[id]
	return ok
}

// objects ordered by id
func (self *Document) Objects() []*Object {
	ids := make([]string, 0, len(self.objects))
	for id := range self.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	objects := make([]*Object, 0, len(ids))
	for _, id := range ids {
		objects = append(objects, self.objects[id].Clone())
	}
	return objects
}

func (self *Document) Put(object *Object) {
	self.objects[object.Id] = object.Clone()
}

func (self *Document) Remove(id string) bool {
	if _, ok := self.objects[id]; !ok {
		return false
	}
	delete(self.objects, id)
	return true
}

func (self *Document) update(id string, fn func(object *Object)) bool {
	object, ok := self.objects[id]
	if !ok {
		return false
	}
	fn(object)
	return true
}

func (self *Document) Zones() json.RawMessage {
	return slices.Clone(self.zones)
}

func (self *Document) Metrics() map[string]float64 {
	return maps.Clone(self.metrics)
}

func (self *Document) Warnings() []Warning {
	return slices.Clone(self.warnings)
}

// derived values are replaced only when the authority sent them
func (self *Document) SetDerived(zones json.RawMessage, metrics map[string]float64, warnings []Warning) {
	if zones != nil {
		self.zones = slices.Clone(zones)
	}
	if metrics != nil {
		self.metrics = maps.Clone(metrics)
	}
	if warnings != nil {
		self.warnings = slices.Clone(warnings)
	}
}

func (self *Document) Clone() *Document {
	objects := make(map[string]*Object, len(self.objects))
	for id, object := range self.objects {
		objects[id] = object.Clone()
	}
	return &Document{
		objects:  objects,
		zones:    slices.Clone(self.zones),
		metrics:  maps.Clone(self.metrics),
		warnings: slices.Clone(self.warnings),
	}
}

// replaces the entire contents with a copy of `document`
func (self *Document) ReplaceAll(document *Document) {
	replacement := document.Clone()
	self.objects = replacement.objects
	self.zones = replacement.zones
	self.metrics = replacement.metrics
	self.warnings = replacement.warnings
}
