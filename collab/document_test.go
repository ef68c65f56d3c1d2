package collab

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testObject(id string, x float64, y float64) *Object {
	return &Object{
		Id:       id,
		Type:     "shelf",
		Position: Position{X: x, Y: y},
		Size:     Size{Width: 2, Height: 1},
	}
}

func TestDocumentSnapshots(t *testing.T) {
	document := NewDocumentFromObjects([]*Object{
		testObject("b", 0, 0),
		testObject("a", 1, 1),
		// a later duplicate replaces the earlier one
		testObject("b", 5, 5),
	})
	assert.Equal(t, document.Len(), 2)

	objects := document.Objects()
	assert.Equal(t, objects[0].Id, "a")
	assert.Equal(t, objects[1].Id, "b")
	assert.Equal(t, objects[1].Position, Position{X: 5, Y: 5})

	// reads are copies
	object, ok := document.Get("a")
	assert.Equal(t, ok, true)
	object.Position.X = 100
	object, _ = document.Get("a")
	assert.Equal(t, object.Position.X, 1.0)

	clone := document.Clone()
	clone.Remove("a")
	assert.Equal(t, document.Contains("a"), true)
	assert.Equal(t, clone.Contains("a"), false)

	_, ok = document.Get("missing")
	assert.Equal(t, ok, false)
}

func TestDocumentDerived(t *testing.T) {
	document := NewDocument()
	document.SetDerived(json.RawMessage(`[{"id":"z1"}]`), map[string]float64{"utilization": 0.25}, []Warning{{Message: "Blocked aisle."}})
	assert.Equal(t, document.Metrics()["utilization"], 0.25)
	assert.Equal(t, len(document.Warnings()), 1)

	// values the authority did not send are kept
	document.SetDerived(nil, map[string]float64{"utilization": 0.5}, nil)
	assert.Equal(t, document.Metrics()["utilization"], 0.5)
	assert.Equal(t, len(document.Warnings()), 1)
	assert.Equal(t, string(document.Zones()), `[{"id":"z1"}]`)

	document.ReplaceAll(NewDocumentFromObjects([]*Object{testObject("a", 0, 0)}))
	assert.Equal(t, document.Len(), 1)
	assert.Equal(t, len(document.Warnings()), 0)
}

func TestPositionEqual(t *testing.T) {
	z := 1.0
	a := Position{X: 1, Y: 2, Z: &z}
	b := a.Clone()
	assert.Equal(t, a.Equal(b), true)
	*b.Z = 2
	// the clone does not share z
	assert.Equal(t, *a.Z, 1.0)
	assert.Equal(t, a.Equal(b), false)
	assert.Equal(t, a.Equal(Position{X: 1, Y: 2}), false)
	assert.Equal(t, Position{X: 1, Y: 2}.Equal(Position{X: 1, Y: 2}), true)
}

func TestHistory(t *testing.T) {
	now := time.Unix(0, 0)
	history := NewHistory(&HistorySettings{
		Capacity: 3,
	})
	assert.Equal(t, history.CanUndo(), false)
	assert.Equal(t, history.Undo() == nil, true)
	assert.Equal(t, history.Redo() == nil, true)

	documents := []*Document{}
	for i := 0; i < 5; i += 1 {
		documents = append(documents, NewDocumentFromObjects([]*Object{testObject("a", float64(i), 0)}))
	}

	history.Reset(documents[0], "initial", now)
	for i := 1; i < 5; i += 1 {
		history.Record(documents[i], "move", now)
	}
	// capped, the oldest entries are evicted
	assert.Equal(t, history.PastLen(), 3)

	for _, x := range []float64{3, 2, 1} {
		document := history.Undo()
		object, _ := document.Get("a")
		assert.Equal(t, object.Position.X, x)
	}
	assert.Equal(t, history.CanUndo(), false)
	assert.Equal(t, history.FutureLen(), 3)

	document := history.Redo()
	object, _ := document.Get("a")
	assert.Equal(t, object.Position.X, 2.0)

	// a new record clears the future
	history.Record(documents[0], "move", now)
	assert.Equal(t, history.CanRedo(), false)
	assert.Equal(t, history.PastLen(), 2)
}

func TestHistoryReplaceKeepsStacks(t *testing.T) {
	now := time.Unix(0, 0)
	history := NewHistoryWithDefaults()
	history.Reset(NewDocument(), "", now)
	history.Record(NewDocumentFromObjects([]*Object{testObject("a", 1, 0)}), "add a", now)

	remote := NewDocumentFromObjects([]*Object{testObject("a", 1, 0), testObject("b", 0, 0)})
	history.Replace(remote, now)
	assert.Equal(t, history.PastLen(), 1)
	assert.Equal(t, history.Present().Label, "add a")
	assert.Equal(t, history.Present().Document().Len(), 2)

	// the snapshot is not shared with the caller
	remote.Remove("b")
	assert.Equal(t, history.Present().Document().Len(), 2)
}

func TestHistoryDropRecord(t *testing.T) {
	now := time.Unix(0, 0)
	history := NewHistoryWithDefaults()
	history.Reset(NewDocument(), "", now)

	a := history.Record(NewDocumentFromObjects([]*Object{testObject("a", 1, 0)}), "add a", now)
	b := history.Record(NewDocumentFromObjects([]*Object{testObject("a", 2, 0)}), "move a", now)
	assert.NotEqual(t, a, b)

	// only the present record can be dropped
	assert.Equal(t, history.DropRecord(a), false)
	assert.Equal(t, history.PastLen(), 2)

	// a replacement keeps the record
	history.Replace(NewDocumentFromObjects([]*Object{testObject("a", 3, 0)}), now)
	assert.Equal(t, history.DropRecord(b), true)
	assert.Equal(t, history.PastLen(), 1)
	assert.Equal(t, history.Present().Label, "add a")
	object, _ := history.Present().Document().Get("a")
	assert.Equal(t, object.Position.X, 1.0)

	assert.Equal(t, history.DropRecord(b), false)

	// an undone record is no longer the present
	history.Undo()
	assert.Equal(t, history.DropRecord(a), false)
	assert.Equal(t, history.DropRecord(0), false)
}

func TestPresenceRegistry(t *testing.T) {
	presence := NewPresenceRegistry()
	presence.SetClientId("me")

	presence.Join("me", "Self")
	presence.Join("c2", "Ana")
	presence.Join("c3", "Bo")
	assert.Equal(t, len(presence.Participants()), 2)

	presence.UpdateCursor("c2", Position{X: 1, Y: 1})
	presence.UpdateSelection("c2", "shelf-7")
	entry, ok := presence.Participant("c2")
	assert.Equal(t, ok, true)
	assert.Equal(t, *entry.Cursor, Position{X: 1, Y: 1})
	assert.Equal(t, entry.SelectedElementId, "shelf-7")

	presence.Lock("shelf-7", "c2")
	presence.Lock("shelf-8", "c2")
	presence.Lock("shelf-9", "me")
	assert.Equal(t, presence.IsLockedByOther("shelf-7"), true)
	assert.Equal(t, presence.IsLockedByOther("shelf-9"), false)
	assert.Equal(t, presence.IsLockedByOther("shelf-10"), false)

	// leaving releases every lock of the departed client
	released := presence.Leave("c2")
	assert.Equal(t, len(released), 2)
	assert.Equal(t, presence.IsLockedByOther("shelf-7"), false)
	assert.Equal(t, presence.Locks(), map[string]string{"shelf-9": "me"})

	presence.Sync([]Participant{{ClientId: "c4", UserName: "Cy"}, {ClientId: "me"}}, map[string]string{"a": "c4"})
	assert.Equal(t, len(presence.Participants()), 1)
	holderId, _ := presence.LockHolder("a")
	assert.Equal(t, holderId, "c4")

	presence.Clear()
	assert.Equal(t, len(presence.Participants()), 0)
	assert.Equal(t, len(presence.Locks()), 0)
}
