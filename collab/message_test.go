package collab

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParseEventVariants(t *testing.T) {
	event, err := ParseEvent([]byte(`{"type":"connected","client_id":"c1","timestamp":5}`))
	assert.Equal(t, err, nil)
	connected, ok := event.(*ConnectedEvent)
	assert.Equal(t, ok, true)
	assert.Equal(t, connected.ClientId, "c1")
	assert.Equal(t, connected.EventType(), EventTypeConnected)
	assert.Equal(t, connected.EventTimestamp(), int64(5))

	event, err = ParseEvent([]byte(`{
		"type":"initialized",
		"elements":[{"id":"shelf-7","type":"shelf","position":{"x":1,"y":2},"dimensions":{"width":3,"height":4}}],
		"metrics":{"utilization":0.5},
		"users":[{"client_id":"c2","user_name":"Ana"}],
		"locks":{"shelf-7":"c2"}
	}`))
	assert.Equal(t, err, nil)
	initialized := event.(*InitializedEvent)
	assert.Equal(t, len(initialized.Elements), 1)
	assert.Equal(t, initialized.Elements[0].Id, "shelf-7")
	assert.Equal(t, initialized.Elements[0].Size, Size{Width: 3, Height: 4})
	assert.Equal(t, initialized.Metrics["utilization"], 0.5)
	assert.Equal(t, initialized.Users[0].UserName, "Ana")
	assert.Equal(t, initialized.Locks["shelf-7"], "c2")
	assert.Equal(t, initialized.HasElements(), true)

	// an empty initialized document is still a full replacement
	event, err = ParseEvent([]byte(`{"type":"initialized"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, event.(*InitializedEvent).HasElements(), true)

	event, err = ParseEvent([]byte(`{"type":"move_ack","message_id":"m1"}`))
	assert.Equal(t, err, nil)
	moveAck := event.(*MoveAckEvent)
	// success is assumed unless stated
	assert.Equal(t, moveAck.Success, true)
	assert.Equal(t, moveAck.HasElements(), false)
	assert.Equal(t, moveAck.HasDerived(), false)

	event, err = ParseEvent([]byte(`{"type":"move_ack","message_id":"m1","success":false,"message":"Overlap."}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, event.(*MoveAckEvent).Success, false)
	assert.Equal(t, event.(*MoveAckEvent).Message, "Overlap.")

	event, err = ParseEvent([]byte(`{"type":"element_moved","client_id":"c2","element_id":"a","position":{"x":5,"y":6},"rotation":90}`))
	assert.Equal(t, err, nil)
	moved := event.(*ElementMovedEvent)
	assert.Equal(t, moved.Position.X, 5.0)
	assert.Equal(t, *moved.Rotation, 90.0)
	assert.Equal(t, moved.Size == nil, true)

	event, err = ParseEvent([]byte(`{"type":"cursor_move","client_id":"c2","cursor":{"x":1,"y":1}}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, event.(*CursorMoveEvent).Position.X, 1.0)

	event, err = ParseEvent([]byte(`{"type":"pong"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, event.EventType(), EventTypePong)

	event, err = ParseEvent([]byte(`{"type":"element_unlocked","element_id":"a","forced":true}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, event.(*ElementUnlockedEvent).Forced, true)
}

func TestParseEventMalformed(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{}`,
		`{"type":"no_such_type"}`,
		`{"type":"connected"}`,
		`{"type":"element_moved","element_id":"a"}`,
		`{"type":"element_added","element":{}}`,
		`{"type":"user_left"}`,
		`{"type":"element_locked"}`,
	} {
		event, err := ParseEvent([]byte(raw))
		assert.Equal(t, event, nil)
		assert.Equal(t, errors.Is(err, ErrInvalidMessage), true)
	}
}

func TestEventJsonUsesWireNames(t *testing.T) {
	for _, raw := range []string{
		`{"type":"element_moved","timestamp":7,"client_id":"c2","message_id":"m1","element_id":"shelf-1","position":{"x":5,"y":5},"metrics":{"utilization":0.4}}`,
		`{"type":"cursor_move","client_id":"c2","cursor":{"x":1,"y":2}}`,
		`{"type":"move_ack","message_id":"m1","element_id":"shelf-1","success":false,"message":"Overlap."}`,
	} {
		event, err := ParseEvent([]byte(raw))
		assert.Equal(t, err, nil)

		eventJson, err := json.Marshal(event)
		assert.Equal(t, err, nil)

		var fields map[string]any
		err = json.Unmarshal(eventJson, &fields)
		assert.Equal(t, err, nil)
		assert.Equal(t, fields["type"], string(event.EventType()))
		_, ok := fields["ClientId"]
		assert.Equal(t, ok, false)

		// the output parses back into the same event
		event2, err := ParseEvent(eventJson)
		assert.Equal(t, err, nil)
		assert.Equal(t, event2, event)
	}

	event, _ := ParseEvent([]byte(`{"type":"element_moved","client_id":"c2","element_id":"shelf-1","position":{"x":5,"y":5}}`))
	eventJson, _ := json.Marshal(event)
	var fields map[string]any
	json.Unmarshal(eventJson, &fields)
	assert.Equal(t, fields["client_id"], "c2")
	assert.Equal(t, fields["element_id"], "shelf-1")
	assert.Equal(t, fields["position"], map[string]any{"x": 5.0, "y": 5.0})
}

func TestEncodeMessage(t *testing.T) {
	rotation := 45.0
	messageBytes, err := EncodeMessage(&Message{
		Action:    ActionMove,
		Timestamp: 10,
		MessageId: "m1",
		ElementId: "shelf-7",
		Position:  &Position{X: 1, Y: 2},
		Rotation:  &rotation,
	})
	assert.Equal(t, err, nil)

	var decoded map[string]any
	err = json.Unmarshal(messageBytes, &decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded["action"], "move")
	assert.Equal(t, decoded["element_id"], "shelf-7")
	assert.Equal(t, decoded["message_id"], "m1")
	assert.Equal(t, decoded["rotation"], 45.0)
	assert.Equal(t, decoded["position"], map[string]any{"x": 1.0, "y": 2.0})
	// optional fields are omitted
	_, ok := decoded["dimensions"]
	assert.Equal(t, ok, false)

	_, err = EncodeMessage(&Message{})
	assert.Equal(t, errors.Is(err, ErrInvalidMessage), true)
}
