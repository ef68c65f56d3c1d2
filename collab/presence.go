package collab

import (
	"golang.org/x/exp/maps"
)

type PresenceEntry struct {
	ClientId          string
	UserName          string
	Cursor            *Position
	SelectedElementId string
}

func (self *PresenceEntry) Clone() *PresenceEntry {
	entry := *self
	if self.Cursor != nil {
		cursor := self.Cursor.Clone()
		entry.Cursor = &cursor
	}
	return &entry
}

// Tracks other participants and the element lock table.
// Rendering only reads snapshots. Locks are advisory, the authority enforces them.
//
// Not safe for concurrent use. The owner serializes calls.
type PresenceRegistry struct {
	clientId string
	// client id -> entry, never includes the local client
	participants map[string]*PresenceEntry
	// element id -> holder client id
	locks map[string]string
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		participants: map[string]*PresenceEntry{},
		locks:        map[string]string{},
	}
}

func (self *PresenceRegistry) ClientId() string {
	return self.clientId
}

func (self *PresenceRegistry) SetClientId(clientId string) {
	self.clientId = clientId
	delete(self.participants, clientId)
}

// replaces the roster and lock table from a full sync
func (self *PresenceRegistry) Sync(participants []Participant, locks map[string]string) {
	self.participants = map[string]*PresenceEntry{}
	for _, participant := range participants {
		self.Join(participant.ClientId, participant.UserName)
		entry, ok := self.participants[participant.ClientId]
		if !ok {
			continue
		}
		if participant.Cursor != nil {
			cursor := participant.Cursor.Clone()
			entry.Cursor = &cursor
		}
		entry.SelectedElementId = participant.SelectedElementId
	}
	if locks != nil {
		self.locks = maps.Clone(locks)
	}
}

// drops all remote state. Used on channel close, a new connection resyncs.
func (self *PresenceRegistry) Clear() {
	self.participants = map[string]*PresenceEntry{}
	self.locks = map[string]string{}
}

func (self *PresenceRegistry) Join(clientId string, userName string) {
	if clientId == "" || clientId == self.clientId {
		return
	}
	if entry, ok := self.participants[clientId]; ok {
		if userName != "" {
			entry.UserName = userName
		}
		return
	}
	self.participants[clientId] = &PresenceEntry{
		ClientId: clientId,
		UserName: userName,
	}
}

// removes the participant and releases every lock it held
// returns the released element ids
func (self *PresenceRegistry) Leave(clientId string) []string {
	delete(self.participants, clientId)
	released := []string{}
	for elementId, holderId := range self.locks {
		if holderId == clientId {
			delete(self.locks, elementId)
			released = append(released, elementId)
		}
	}
	return released
}

func (self *PresenceRegistry) UpdateCursor(clientId string, position Position) {
	if clientId == self.clientId {
		return
	}
	self.Join(clientId, "")
	if entry, ok := self.participants[clientId]; ok {
		cursor := position.Clone()
		entry.Cursor = &cursor
	}
}

func (self *PresenceRegistry) UpdateSelection(clientId string, elementId string) {
	if clientId == self.clientId {
		return
	}
	self.Join(clientId, "")
	if entry, ok := self.participants[clientId]; ok {
		entry.SelectedElementId = elementId
	}
}

// at most one holder per element. A newer lock replaces the old holder.
func (self *PresenceRegistry) Lock(elementId string, clientId string) {
	self.locks[elementId] = clientId
}

func (self *PresenceRegistry) Unlock(elementId string) {
	delete(self.locks, elementId)
}

func (self *PresenceRegistry) LockHolder(elementId string) (string, bool) {
	holderId, ok := self.locks[elementId]
	return holderId, ok
}

func (self *PresenceRegistry) IsLockedByOther(elementId string) bool {
	holderId, ok := self.locks[elementId]
	return ok && holderId != self.clientId
}

func (self *PresenceRegistry) Participant(clientId string) (*PresenceEntry, bool) {
	entry, ok := self.participants[clientId]
	if !ok {
		return nil, false
	}
	return entry.Clone(), true
}

func (self *PresenceRegistry) Participants() map[string]*PresenceEntry {
	participants := make(map[string]*PresenceEntry, len(self.participants))
	for clientId, entry := range self.participants {
		participants[clientId] = entry.Clone()
	}
	return participants
}

func (self *PresenceRegistry) Locks() map[string]string {
	return maps.Clone(self.locks)
}
