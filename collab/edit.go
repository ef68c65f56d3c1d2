package collab

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
)

var (
	ErrNoSuchElement = errors.New("No such element.")
	ErrElementExists = errors.New("Element already exists.")
	ErrLockedByOther = errors.New("Element is locked by another client.")
	ErrNothingToUndo = errors.New("Nothing to undo.")
	ErrNothingToRedo = errors.New("Nothing to redo.")
)

type EditSettings struct {
	// an optimistic edit without an authoritative result in this time is reverted
	AckTimeout time.Duration
}

func DefaultEditSettings() *EditSettings {
	return &EditSettings{
		AckTimeout: 10 * time.Second,
	}
}

type EditKind string

const (
	EditKindMove   EditKind = "move"
	EditKindResize EditKind = "resize"
	EditKindRotate EditKind = "rotate"
	EditKindAdd    EditKind = "add"
	EditKindDelete EditKind = "delete"
)

func (self EditKind) Action() Action {
	switch self {
	case EditKindMove:
		return ActionMove
	case EditKindResize:
		return ActionResize
	case EditKindRotate:
		return ActionRotate
	case EditKindAdd:
		return ActionAdd
	case EditKindDelete:
		return ActionDelete
	default:
		panic(fmt.Errorf("Unknown edit kind: %s", self))
	}
}

type EditRevertedFunction = func(elementId string, kind EditKind, reason string)

// an optimistic edit waiting for its authoritative result
type pendingEdit struct {
	messageId string
	kind      EditKind
	elementId string
	// nil when the element did not exist before the edit
	before *Object
	// nil when the edit removed the element
	after *Object
	// the history record this edit pushed
	recordId      uint64
	cancelTimeout CancelFunc
}

// Applies local edits to the document immediately, records an undo point and sends
// the edit. Authoritative results replace optimistic state. Edits still pending are
// rebased on top of each authoritative replacement so the local user never sees them
// flicker. Echoes of the local client's own edits are not applied a second time.
// A failed or unanswered edit rolls the element back to its state before the oldest
// unconfirmed edit of that element.
//
// The history present always mirrors the document.
//
// Not safe for concurrent use. The owner serializes calls and timer callbacks.
type EditPipeline struct {
	scheduler Scheduler
	settings  *EditSettings
	document  *Document
	history   *History
	presence  *PresenceRegistry
	send      func(message *Message) SendResult

	onReverted EditRevertedFunction

	// creation order
	pending []*pendingEdit
}

func NewEditPipelineWithDefaults(
	scheduler Scheduler,
	document *Document,
	history *History,
	presence *PresenceRegistry,
	send func(message *Message) SendResult,
	onReverted EditRevertedFunction,
) *EditPipeline {
	return NewEditPipeline(scheduler, document, history, presence, send, onReverted, DefaultEditSettings())
}

func NewEditPipeline(
	scheduler Scheduler,
	document *Document,
	history *History,
	presence *PresenceRegistry,
	send func(message *Message) SendResult,
	onReverted EditRevertedFunction,
	settings *EditSettings,
) *EditPipeline {
	return &EditPipeline{
		scheduler:  scheduler,
		settings:   settings,
		document:   document,
		history:    history,
		presence:   presence,
		send:       send,
		onReverted: onReverted,
	}
}

func (self *EditPipeline) PendingCount() int {
	return len(self.pending)
}

func (self *EditPipeline) Move(elementId string, position Position) error {
	return self.edit(EditKindMove, elementId, func(object *Object, message *Message) {
		object.Position = position.Clone()
		p := position.Clone()
		message.Position = &p
	})
}

func (self *EditPipeline) Resize(elementId string, size Size) error {
	return self.edit(EditKindResize, elementId, func(object *Object, message *Message) {
		object.Size = size
		s := size
		message.Size = &s
	})
}

func (self *EditPipeline) Rotate(elementId string, rotation float64) error {
	return self.edit(EditKindRotate, elementId, func(object *Object, message *Message) {
		object.Rotation = rotation
		r := rotation
		message.Rotation = &r
	})
}

// assigns a new id when `object.Id` is empty and returns the id
func (self *EditPipeline) Add(object *Object) (string, error) {
	object = object.Clone()
	if object.Id == "" {
		object.Id = NewId().String()
	}
	if self.document.Contains(object.Id) {
		return "", fmt.Errorf("%w %s", ErrElementExists, object.Id)
	}

	self.ensurePresent()
	self.document.Put(object)
	recordId := self.record(EditKindAdd, object.Id)

	message := &Message{
		Action:  ActionAdd,
		Element: object.Clone(),
	}
	self.track(EditKindAdd, object.Id, nil, object.Clone(), recordId, message)
	return object.Id, nil
}

func (self *EditPipeline) Delete(elementId string) error {
	before, ok := self.document.Get(elementId)
	if !ok {
		return fmt.Errorf("%w %s", ErrNoSuchElement, elementId)
	}
	if self.presence.IsLockedByOther(elementId) {
		return fmt.Errorf("%w %s", ErrLockedByOther, elementId)
	}

	self.ensurePresent()
	self.document.Remove(elementId)
	recordId := self.record(EditKindDelete, elementId)

	message := &Message{
		Action:    ActionDelete,
		ElementId: elementId,
	}
	self.track(EditKindDelete, elementId, before, nil, recordId, message)
	return nil
}

func (self *EditPipeline) edit(kind EditKind, elementId string, mutate func(object *Object, message *Message)) error {
	before, ok := self.document.Get(elementId)
	if !ok {
		return fmt.Errorf("%w %s", ErrNoSuchElement, elementId)
	}
	if self.presence.IsLockedByOther(elementId) {
		return fmt.Errorf("%w %s", ErrLockedByOther, elementId)
	}

	self.ensurePresent()
	message := &Message{
		Action:    kind.Action(),
		ElementId: elementId,
	}
	self.document.update(elementId, func(object *Object) {
		mutate(object, message)
	})
	recordId := self.record(kind, elementId)

	after, _ := self.document.Get(elementId)
	self.track(kind, elementId, before, after, recordId, message)
	return nil
}

// the first local edit before any authoritative snapshot needs a base to undo to
func (self *EditPipeline) ensurePresent() {
	if self.history.Present() == nil {
		self.history.Reset(self.document, "", self.scheduler.Now())
	}
}

func (self *EditPipeline) record(kind EditKind, elementId string) uint64 {
	return self.history.Record(self.document, fmt.Sprintf("%s %s", kind, elementId), self.scheduler.Now())
}

func (self *EditPipeline) track(kind EditKind, elementId string, before *Object, after *Object, recordId uint64, message *Message) {
	messageId := NewId().String()
	message.MessageId = messageId
	message.Timestamp = self.scheduler.Now().UnixMilli()

	edit := &pendingEdit{
		messageId: messageId,
		kind:      kind,
		elementId: elementId,
		before:    before,
		after:     after,
		recordId:  recordId,
	}
	edit.cancelTimeout = self.scheduler.Schedule(self.settings.AckTimeout, func() {
		if !self.isPending(edit) {
			return
		}
		self.revert(edit, "No response from server.")
	})
	self.pending = append(self.pending, edit)

	glog.V(2).Infof("[e]%s %s (%s)\n", kind, elementId, messageId)
	self.send(message)
}

func (self *EditPipeline) isPending(edit *pendingEdit) bool {
	for _, p := range self.pending {
		if p == edit {
			return true
		}
	}
	return false
}

func (self *EditPipeline) remove(edit *pendingEdit) {
	for i, p := range self.pending {
		if p == edit {
			self.pending = append(self.pending[:i], self.pending[i+1:]...)
			break
		}
	}
	if edit.cancelTimeout != nil {
		edit.cancelTimeout()
	}
}

// matches by message id, else the oldest pending edit of the element
func (self *EditPipeline) find(messageId string, elementId string) *pendingEdit {
	if messageId != "" {
		for _, edit := range self.pending {
			if edit.messageId == messageId {
				return edit
			}
		}
	}
	if elementId != "" {
		for _, edit := range self.pending {
			if edit.elementId == elementId {
				return edit
			}
		}
	}
	return nil
}

func (self *EditPipeline) confirm(messageId string, elementId string) bool {
	edit := self.find(messageId, elementId)
	if edit == nil {
		return false
	}
	self.remove(edit)
	return true
}

// rolls the element back to before its oldest pending edit
// and drops every pending edit of the element
func (self *EditPipeline) revert(edit *pendingEdit, reason string) {
	var oldest *pendingEdit
	for _, p := range self.pending {
		if p.elementId == edit.elementId {
			oldest = p
			break
		}
	}
	if oldest == nil {
		oldest = edit
	}
	dropped := self.dropElement(edit.elementId)
	if len(dropped) == 0 {
		dropped = []*pendingEdit{edit}
	}

	if oldest.before == nil {
		self.document.Remove(edit.elementId)
	} else {
		self.document.Put(oldest.before)
	}
	// the undo points of the dropped edits go away while they are still on top.
	// Otherwise the present is corrected in place.
	for i := len(dropped) - 1; 0 <= i; i -= 1 {
		if !self.history.DropRecord(dropped[i].recordId) {
			break
		}
	}
	self.history.Replace(self.document, self.scheduler.Now())

	glog.Infof("[e]revert %s %s: %s\n", edit.kind, edit.elementId, reason)
	if self.onReverted != nil {
		self.onReverted(edit.elementId, edit.kind, reason)
	}
}

// returns the dropped edits in creation order
func (self *EditPipeline) dropElement(elementId string) []*pendingEdit {
	dropped := []*pendingEdit{}
	for _, p := range append([]*pendingEdit{}, self.pending...) {
		if p.elementId == elementId {
			self.remove(p)
			dropped = append(dropped, p)
		}
	}
	return dropped
}

// authoritative state wins, pending edits are abandoned
func (self *EditPipeline) ClearPending() {
	for _, p := range self.pending {
		if p.cancelTimeout != nil {
			p.cancelTimeout()
		}
	}
	self.pending = nil
}

// replaces the document wholesale and rebases the still pending edits on top
func (self *EditPipeline) replaceAuthoritative(state *AuthoritativeState) {
	zones, metrics, warnings := self.document.Zones(), self.document.Metrics(), self.document.Warnings()
	self.document.ReplaceAll(NewDocumentFromObjects(state.Elements))
	// derived values the authority did not resend are kept
	self.document.SetDerived(zones, metrics, warnings)
	self.document.SetDerived(state.Zones, state.Metrics, state.Warnings)
	for _, edit := range self.pending {
		if edit.after == nil {
			self.document.Remove(edit.elementId)
		} else {
			self.document.Put(edit.after)
		}
	}
}

func (self *EditPipeline) applyState(state *AuthoritativeState) {
	if state.HasElements() {
		self.replaceAuthoritative(state)
	} else if state.HasDerived() {
		self.document.SetDerived(state.Zones, state.Metrics, state.Warnings)
	}
}

// ApplyAuthoritative replaces the document with a full authoritative document,
// e.g. the result of an optimization call
func (self *EditPipeline) ApplyAuthoritative(document *Document) {
	self.document.ReplaceAll(document)
	for _, edit := range self.pending {
		if edit.after == nil {
			self.document.Remove(edit.elementId)
		} else {
			self.document.Put(edit.after)
		}
	}
	self.history.Replace(self.document, self.scheduler.Now())
}

// reconciles one inbound event with the document. Returns true if the document changed
// in a way the local user did not already see.
func (self *EditPipeline) ApplyEvent(event Event) bool {
	clientId := self.presence.ClientId()
	isEcho := func(eventClientId string) bool {
		return eventClientId != "" && eventClientId == clientId
	}

	changed := true
	switch v := event.(type) {
	case *InitializedEvent:
		self.ClearPending()
		self.document.ReplaceAll(v.AuthoritativeState.Document())
		self.history.Reset(self.document, "", self.scheduler.Now())
		return true

	case *LayoutResetEvent:
		self.ClearPending()
		self.applyState(&v.AuthoritativeState)

	case *MoveAckEvent:
		if v.Success {
			self.confirm(v.MessageId, v.ElementId)
			self.applyState(&v.AuthoritativeState)
		} else {
			if edit := self.find(v.MessageId, v.ElementId); edit != nil {
				self.revert(edit, v.Message)
			}
			self.applyState(&v.AuthoritativeState)
		}

	case *ElementMovedEvent:
		if isEcho(v.ClientId) {
			// already applied optimistically
			self.confirm(v.MessageId, v.ElementId)
			changed = v.HasElements() || v.HasDerived()
		} else {
			self.document.update(v.ElementId, func(object *Object) {
				object.Position = v.Position.Clone()
				if v.Size != nil {
					object.Size = *v.Size
				}
				if v.Rotation != nil {
					object.Rotation = *v.Rotation
				}
			})
		}
		self.applyState(&v.AuthoritativeState)

	case *ElementAddedEvent:
		if isEcho(v.ClientId) {
			self.confirm(v.MessageId, v.Element.Id)
			changed = v.HasElements() || v.HasDerived()
		} else {
			self.document.Put(v.Element)
		}
		self.applyState(&v.AuthoritativeState)

	case *ElementDeletedEvent:
		if isEcho(v.ClientId) {
			self.confirm(v.MessageId, v.ElementId)
			changed = v.HasElements() || v.HasDerived()
		} else {
			// nothing left to revert to
			self.dropElement(v.ElementId)
			self.document.Remove(v.ElementId)
		}
		self.applyState(&v.AuthoritativeState)

	case *UndoAckEvent:
		changed = v.Success && (v.HasElements() || v.HasDerived())
		if v.Success {
			self.applyState(&v.AuthoritativeState)
		}

	case *RedoAckEvent:
		changed = v.Success && (v.HasElements() || v.HasDerived())
		if v.Success {
			self.applyState(&v.AuthoritativeState)
		}

	case *UndoAppliedEvent:
		self.applyState(&v.AuthoritativeState)

	case *RedoAppliedEvent:
		self.applyState(&v.AuthoritativeState)

	case *ErrorEvent:
		edit := self.find(v.MessageId, v.ElementId)
		if edit == nil {
			return false
		}
		self.revert(edit, v.Message)
		return true

	default:
		return false
	}

	self.history.Replace(self.document, self.scheduler.Now())
	return changed
}

// restores the previous snapshot locally and returns the message asking the authority to do the same
func (self *EditPipeline) Undo() (*Message, error) {
	document := self.history.Undo()
	if document == nil {
		return nil, ErrNothingToUndo
	}
	return self.restore(ActionUndo, document), nil
}

func (self *EditPipeline) Redo() (*Message, error) {
	document := self.history.Redo()
	if document == nil {
		return nil, ErrNothingToRedo
	}
	return self.restore(ActionRedo, document), nil
}

func (self *EditPipeline) restore(action Action, document *Document) *Message {
	// restoring a snapshot supersedes anything still in flight
	self.ClearPending()
	self.document.ReplaceAll(document)
	return &Message{
		Action:    action,
		MessageId: NewId().String(),
		Timestamp: self.scheduler.Now().UnixMilli(),
		Elements:  self.document.Objects(),
	}
}
