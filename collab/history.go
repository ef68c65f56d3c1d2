package collab

import (
	"time"
)

type HistorySettings struct {
	Capacity int
}

func DefaultHistorySettings() *HistorySettings {
	return &HistorySettings{
		Capacity: 50,
	}
}

// an immutable document snapshot
type HistoryEntry struct {
	document *Document
	// zero for entries that were not recorded
	recordId uint64
	Label    string
	Time     time.Time
}

// a copy of the snapshot
func (self *HistoryEntry) Document() *Document {
	return self.document.Clone()
}

// Bounded undo and redo stacks around a present snapshot.
// Any new record clears the future. Each stack evicts its oldest entry over capacity.
//
// Not safe for concurrent use. The owner serializes calls.
type History struct {
	settings *HistorySettings

	present *HistoryEntry
	// oldest first
	past   []*HistoryEntry
	future []*HistoryEntry

	nextRecordId uint64
}

func NewHistoryWithDefaults() *History {
	return NewHistory(DefaultHistorySettings())
}

func NewHistory(settings *HistorySettings) *History {
	return &History{
		settings: settings,
		past:     []*HistoryEntry{},
		future:   []*HistoryEntry{},
	}
}

func (self *History) CanUndo() bool {
	return 0 < len(self.past)
}

func (self *History) CanRedo() bool {
	return 0 < len(self.future)
}

func (self *History) PastLen() int {
	return len(self.past)
}

func (self *History) FutureLen() int {
	return len(self.future)
}

func (self *History) Present() *HistoryEntry {
	return self.present
}

// clears both stacks and sets the present
func (self *History) Reset(document *Document, label string, now time.Time) {
	self.present = newHistoryEntry(document, label, now)
	self.past = []*HistoryEntry{}
	self.future = []*HistoryEntry{}
}

// makes `document` the present, pushing the previous present onto past
// returns an id that `DropRecord` accepts while the entry is still the present
func (self *History) Record(document *Document, label string, now time.Time) uint64 {
	if self.present != nil {
		self.past = pushBounded(self.past, self.present, self.settings.Capacity)
	}
	self.nextRecordId += 1
	self.present = newHistoryEntry(document, label, now)
	self.present.recordId = self.nextRecordId
	self.future = []*HistoryEntry{}
	return self.present.recordId
}

// swaps the present without creating an undo point
// used for authoritative replacements that did not come from a local action
func (self *History) Replace(document *Document, now time.Time) {
	label := ""
	var recordId uint64
	if self.present != nil {
		label = self.present.Label
		recordId = self.present.recordId
	}
	self.present = newHistoryEntry(document, label, now)
	self.present.recordId = recordId
}

// takes back a record that never took effect.
// The entry before it becomes the present again. This only applies while the record is
// the present, i.e. nothing was recorded, undone or redone since.
func (self *History) DropRecord(recordId uint64) bool {
	if recordId == 0 || self.present == nil || self.present.recordId != recordId {
		return false
	}
	n := len(self.past)
	if n == 0 {
		return false
	}
	self.present = self.past[n-1]
	self.past[n-1] = nil
	self.past = self.past[:n-1]
	return true
}

// returns nil when there is nothing to undo
func (self *History) Undo() *Document {
	if len(self.past) == 0 {
		return nil
	}
	n := len(self.past)
	entry := self.past[n-1]
	self.past[n-1] = nil
	self.past = self.past[:n-1]
	if self.present != nil {
		self.future = pushBounded(self.future, self.present, self.settings.Capacity)
	}
	self.present = entry
	return entry.Document()
}

// returns nil when there is nothing to redo
func (self *History) Redo() *Document {
	if len(self.future) == 0 {
		return nil
	}
	n := len(self.future)
	entry := self.future[n-1]
	self.future[n-1] = nil
	self.future = self.future[:n-1]
	if self.present != nil {
		self.past = pushBounded(self.past, self.present, self.settings.Capacity)
	}
	self.present = entry
	return entry.Document()
}

func newHistoryEntry(document *Document, label string, now time.Time) *HistoryEntry {
	return &HistoryEntry{
		document: document.Clone(),
		Label:    label,
		Time:     now,
	}
}

func pushBounded(stack []*HistoryEntry, entry *HistoryEntry, capacity int) []*HistoryEntry {
	stack = append(stack, entry)
	if 0 < capacity && capacity < len(stack) {
		evictCount := len(stack) - capacity
		for i := 0; i < evictCount; i += 1 {
			stack[i] = nil
		}
		stack = stack[evictCount:]
	}
	return stack
}
