package collab

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidMessage = errors.New("Invalid message.")

// client -> authority intents
type Action string

const (
	ActionInit     Action = "init"
	ActionMove     Action = "move"
	ActionResize   Action = "resize"
	ActionRotate   Action = "rotate"
	ActionAdd      Action = "add"
	ActionDelete   Action = "delete"
	ActionLock     Action = "lock"
	ActionUnlock   Action = "unlock"
	ActionSelect   Action = "select"
	ActionDeselect Action = "deselect"
	ActionCursor   Action = "cursor"
	ActionUndo     Action = "undo"
	ActionRedo     Action = "redo"
	ActionGetState Action = "get_state"
	ActionReset    Action = "reset"
	// liveness ping, never queued
	ActionPing Action = "ping"
)

// authority -> client notifications
type EventType string

const (
	EventTypeConnected       EventType = "connected"
	EventTypeInitialized     EventType = "initialized"
	EventTypeMoveAck         EventType = "move_ack"
	EventTypeElementMoved    EventType = "element_moved"
	EventTypeElementAdded    EventType = "element_added"
	EventTypeElementDeleted  EventType = "element_deleted"
	EventTypeUserJoined      EventType = "user_joined"
	EventTypeUserLeft        EventType = "user_left"
	EventTypeCursorMove      EventType = "cursor_move"
	EventTypeSelectionChange EventType = "selection_change"
	EventTypeElementLocked   EventType = "element_locked"
	EventTypeElementUnlocked EventType = "element_unlocked"
	EventTypeUndoAck         EventType = "undo_ack"
	EventTypeRedoAck         EventType = "redo_ack"
	EventTypeUndoApplied     EventType = "undo_applied"
	EventTypeRedoApplied     EventType = "redo_applied"
	EventTypeLayoutReset     EventType = "layout_reset"
	EventTypeError           EventType = "error"
	// liveness reply, never exposed to consumers
	EventTypePong EventType = "pong"
)

// one outbound protocol action
type Message struct {
	Action    Action    `json:"action"`
	Timestamp int64     `json:"timestamp"`
	MessageId string    `json:"message_id,omitempty"`
	ClientId  string    `json:"client_id,omitempty"`
	UserName  string    `json:"user_name,omitempty"`
	ElementId string    `json:"element_id,omitempty"`
	Position  *Position `json:"position,omitempty"`
	Size      *Size     `json:"dimensions,omitempty"`
	Rotation  *float64  `json:"rotation,omitempty"`
	Element   *Object   `json:"element,omitempty"`
	Elements  []*Object `json:"elements,omitempty"`
}

func EncodeMessage(message *Message) ([]byte, error) {
	if message.Action == "" {
		return nil, fmt.Errorf("%w Missing action.", ErrInvalidMessage)
	}
	return json.Marshal(message)
}

type Participant struct {
	ClientId          string    `json:"client_id"`
	UserName          string    `json:"user_name,omitempty"`
	Cursor            *Position `json:"cursor,omitempty"`
	SelectedElementId string    `json:"selected_element_id,omitempty"`
}

// the decoded union of all notification fields
type wireEvent struct {
	Type      EventType          `json:"type"`
	Timestamp int64              `json:"timestamp"`
	ClientId  string             `json:"client_id"`
	UserName  string             `json:"user_name"`
	MessageId string             `json:"message_id"`
	ElementId string             `json:"element_id"`
	Position  *Position          `json:"position"`
	Size      *Size              `json:"dimensions"`
	Rotation  *float64           `json:"rotation"`
	Element   *Object            `json:"element"`
	Elements  []*Object          `json:"elements"`
	Zones     json.RawMessage    `json:"zones"`
	Metrics   map[string]float64 `json:"metrics"`
	Warnings  []Warning          `json:"warnings"`
	Users     []Participant      `json:"users"`
	Locks     map[string]string  `json:"locks"`
	Success   *bool              `json:"success"`
	Message   string             `json:"message"`
	LockedBy  string             `json:"locked_by"`
	Forced    bool               `json:"forced"`
	Cursor    *Position          `json:"cursor"`
}

// Event is the closed set of notifications. Every implementation is declared in this file.
type Event interface {
	EventType() EventType
	EventTimestamp() int64
	isEvent()
}

type eventHeader struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp,omitempty"`
}

func (self eventHeader) EventType() EventType {
	return self.Type
}

func (self eventHeader) EventTimestamp() int64 {
	return self.Timestamp
}

func (self eventHeader) isEvent() {}

// authoritative values that may ride along any state changing notification
// `Elements` is nil when the authority did not send a full object set
type AuthoritativeState struct {
	Elements []*Object          `json:"elements,omitempty"`
	Zones    json.RawMessage    `json:"zones,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Warnings []Warning          `json:"warnings,omitempty"`
}

func (self *AuthoritativeState) HasElements() bool {
	return self.Elements != nil
}

func (self *AuthoritativeState) HasDerived() bool {
	return self.Zones != nil || self.Metrics != nil || self.Warnings != nil
}

func (self *AuthoritativeState) Document() *Document {
	document := NewDocumentFromObjects(self.Elements)
	document.SetDerived(self.Zones, self.Metrics, self.Warnings)
	return document
}

type PongEvent struct {
	eventHeader
}

type ConnectedEvent struct {
	eventHeader
	ClientId string        `json:"client_id,omitempty"`
	Users    []Participant `json:"users,omitempty"`
}

type InitializedEvent struct {
	eventHeader
	AuthoritativeState
	Users []Participant `json:"users,omitempty"`
	// element id -> client id
	Locks map[string]string `json:"locks,omitempty"`
}

type MoveAckEvent struct {
	eventHeader
	AuthoritativeState
	MessageId string `json:"message_id,omitempty"`
	ElementId string `json:"element_id,omitempty"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
}

type ElementMovedEvent struct {
	eventHeader
	AuthoritativeState
	ClientId  string   `json:"client_id,omitempty"`
	MessageId string   `json:"message_id,omitempty"`
	ElementId string   `json:"element_id,omitempty"`
	Position  Position `json:"position"`
	Size      *Size    `json:"dimensions,omitempty"`
	Rotation  *float64 `json:"rotation,omitempty"`
}

type ElementAddedEvent struct {
	eventHeader
	AuthoritativeState
	ClientId  string  `json:"client_id,omitempty"`
	MessageId string  `json:"message_id,omitempty"`
	Element   *Object `json:"element,omitempty"`
}

type ElementDeletedEvent struct {
	eventHeader
	AuthoritativeState
	ClientId  string `json:"client_id,omitempty"`
	MessageId string `json:"message_id,omitempty"`
	ElementId string `json:"element_id,omitempty"`
}

type UserJoinedEvent struct {
	eventHeader
	ClientId string `json:"client_id,omitempty"`
	UserName string `json:"user_name,omitempty"`
}

type UserLeftEvent struct {
	eventHeader
	ClientId string `json:"client_id,omitempty"`
}

type CursorMoveEvent struct {
	eventHeader
	ClientId string   `json:"client_id,omitempty"`
	Position Position `json:"cursor"`
}

// an empty `ElementId` is a deselect
type SelectionChangeEvent struct {
	eventHeader
	ClientId  string `json:"client_id,omitempty"`
	ElementId string `json:"element_id,omitempty"`
}

type ElementLockedEvent struct {
	eventHeader
	ClientId  string `json:"client_id,omitempty"`
	MessageId string `json:"message_id,omitempty"`
	ElementId string `json:"element_id,omitempty"`
	Success   bool   `json:"success"`
	// the current holder when the lock was denied
	LockedBy string `json:"locked_by,omitempty"`
}

type ElementUnlockedEvent struct {
	eventHeader
	ClientId  string `json:"client_id,omitempty"`
	ElementId string `json:"element_id,omitempty"`
	Forced    bool   `json:"forced,omitempty"`
}

type UndoAckEvent struct {
	eventHeader
	AuthoritativeState
	Success bool `json:"success"`
}

type RedoAckEvent struct {
	eventHeader
	AuthoritativeState
	Success bool `json:"success"`
}

type UndoAppliedEvent struct {
	eventHeader
	AuthoritativeState
	ClientId string `json:"client_id,omitempty"`
}

type RedoAppliedEvent struct {
	eventHeader
	AuthoritativeState
	ClientId string `json:"client_id,omitempty"`
}

type LayoutResetEvent struct {
	eventHeader
	AuthoritativeState
	ClientId string `json:"client_id,omitempty"`
}

type ErrorEvent struct {
	eventHeader
	Message   string `json:"message,omitempty"`
	MessageId string `json:"message_id,omitempty"`
	ElementId string `json:"element_id,omitempty"`
}

func ParseEvent(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w %s", ErrInvalidMessage, err)
	}
	header := eventHeader{
		Type:      w.Type,
		Timestamp: w.Timestamp,
	}
	state := AuthoritativeState{
		Elements: w.Elements,
		Zones:    w.Zones,
		Metrics:  w.Metrics,
		Warnings: w.Warnings,
	}
	success := func(defaultSuccess bool) bool {
		if w.Success == nil {
			return defaultSuccess
		}
		return *w.Success
	}
	missing := func(field string) error {
		return fmt.Errorf("%w %s missing %s.", ErrInvalidMessage, w.Type, field)
	}

	switch w.Type {
	case EventTypePong:
		return &PongEvent{eventHeader: header}, nil
	case EventTypeConnected:
		if w.ClientId == "" {
			return nil, missing("client_id")
		}
		return &ConnectedEvent{
			eventHeader: header,
			ClientId:    w.ClientId,
			Users:       w.Users,
		}, nil
	case EventTypeInitialized:
		if state.Elements == nil {
			state.Elements = []*Object{}
		}
		return &InitializedEvent{
			eventHeader:        header,
			AuthoritativeState: state,
			Users:              w.Users,
			Locks:              w.Locks,
		}, nil
	case EventTypeMoveAck:
		return &MoveAckEvent{
			eventHeader:        header,
			AuthoritativeState: state,
			MessageId:          w.MessageId,
			ElementId:          w.ElementId,
			Success:            success(true),
			Message:            w.Message,
		}, nil
	case EventTypeElementMoved:
		if w.ElementId == "" {
			return nil, missing("element_id")
		}
		if w.Position == nil {
			return nil, missing("position")
		}
		return &ElementMovedEvent{
			eventHeader:        header,
			AuthoritativeState: state,
			ClientId:           w.ClientId,
			MessageId:          w.MessageId,
			ElementId:          w.ElementId,
			Position:           *w.Position,
			Size:               w.Size,
			Rotation:           w.Rotation,
		}, nil
	case EventTypeElementAdded:
		if w.Element == nil || w.Element.Id == "" {
			return nil, missing("element")
		}
		return &ElementAddedEvent{
			eventHeader:        header,
			AuthoritativeState: state,
			ClientId:           w.ClientId,
			MessageId:          w.MessageId,
			Element:            w.Element,
		}, nil
	case EventTypeElementDeleted:
		if w.ElementId == "" {
			return nil, missing("element_id")
		}
		return &ElementDeletedEvent{
			eventHeader:        header,
			AuthoritativeState: state,
			ClientId:           w.ClientId,
			MessageId:          w.MessageId,
			ElementId:          w.ElementId,
		}, nil
	case EventTypeUserJoined:
		if w.ClientId == "" {
			return nil, missing("client_id")
		}
		return &UserJoinedEvent{
			eventHeader: header,
			ClientId:    w.ClientId,
			UserName:    w.UserName,
		}, nil
	case EventTypeUserLeft:
		if w.ClientId == "" {
			return nil, missing("client_id")
		}
		return &UserLeftEvent{
			eventHeader: header,
			ClientId:    w.ClientId,
		}, nil
	case EventTypeCursorMove:
		position := w.Cursor
		if position == nil {
			position = w.Position
		}
		if w.ClientId == "" {
			return nil, missing("client_id")
		}
		if position == nil {
			return nil, missing("cursor")
		}
		return &CursorMoveEvent{
			eventHeader: header,
			ClientId:    w.ClientId,
			Position:    *position,
		}, nil
	case EventTypeSelectionChange:
		if w.ClientId == "" {
			return nil, missing("client_id")
		}
		return &SelectionChangeEvent{
			eventHeader: header,
			ClientId:    w.ClientId,
			ElementId:   w.ElementId,
		}, nil
	case EventTypeElementLocked:
		if w.ElementId == "" {
			return nil, missing("element_id")
		}
		return &ElementLockedEvent{
			eventHeader: header,
			ClientId:    w.ClientId,
			MessageId:   w.MessageId,
			ElementId:   w.ElementId,
			Success:     success(true),
			LockedBy:    w.LockedBy,
		}, nil
	case EventTypeElementUnlocked:
		if w.ElementId == "" {
			return nil, missing("element_id")
		}
		return &ElementUnlockedEvent{
			eventHeader: header,
			ClientId:    w.ClientId,
			ElementId:   w.ElementId,
			Forced:      w.Forced,
		}, nil
	case EventTypeUndoAck:
		return &UndoAckEvent{
			eventHeader:        header,
			AuthoritativeState: state,
			Success:            success(true),
		}, nil
	case EventTypeRedoAck:
		return &RedoAckEvent{
			eventHeader:        header,
			AuthoritativeState: state,
			Success:            success(true),
		}, nil
	case EventTypeUndoApplied:
		return &UndoAppliedEvent{
			eventHeader:        header,
			AuthoritativeState: state,
			ClientId:           w.ClientId,
		}, nil
	case EventTypeRedoApplied:
		return &RedoAppliedEvent{
			eventHeader:        header,
			AuthoritativeState: state,
			ClientId:           w.ClientId,
		}, nil
	case EventTypeLayoutReset:
		return &LayoutResetEvent{
			eventHeader:        header,
			AuthoritativeState: state,
			ClientId:           w.ClientId,
		}, nil
	case EventTypeError:
		return &ErrorEvent{
			eventHeader: header,
			Message:     w.Message,
			MessageId:   w.MessageId,
			ElementId:   w.ElementId,
		}, nil
	case "":
		return nil, fmt.Errorf("%w Missing type.", ErrInvalidMessage)
	default:
		return nil, fmt.Errorf("%w Unknown type %s.", ErrInvalidMessage, w.Type)
	}
}
