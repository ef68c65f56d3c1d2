package collab

import (
	"container/heap"
)

// use this type when counting bytes
type ByteCount = int64

type outboundItem struct {
	message        []byte
	sequenceNumber uint64
}

func (self *outboundItem) MessageByteCount() ByteCount {
	return ByteCount(len(self.message))
}

// ordered by sequenceNumber, oldest first
type outboundQueue struct {
	orderedItems []*outboundItem
	byteCount    ByteCount
}

func newOutboundQueue() *outboundQueue {
	outboundQueue := &outboundQueue{
		orderedItems: []*outboundItem{},
		byteCount:    0,
	}
	heap.Init(outboundQueue)
	return outboundQueue
}

func (self *outboundQueue) QueueSize() (int, ByteCount) {
	return len(self.orderedItems), self.byteCount
}

func (self *outboundQueue) Add(item *outboundItem) {
	heap.Push(self, item)
	self.byteCount += item.MessageByteCount()
}

func (self *outboundQueue) RemoveFirst() *outboundItem {
	if len(self.orderedItems) == 0 {
		return nil
	}

	item := heap.Remove(self, 0).(*outboundItem)
	self.byteCount -= item.MessageByteCount()
	return item
}

func (self *outboundQueue) PeekFirst() *outboundItem {
	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0]
}

// heap.Interface

func (self *outboundQueue) Push(x any) {
	self.orderedItems = append(self.orderedItems, x.(*outboundItem))
}

func (self *outboundQueue) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *outboundQueue) Len() int {
	return len(self.orderedItems)
}

func (self *outboundQueue) Less(i int, j int) bool {
	return self.orderedItems[i].sequenceNumber < self.orderedItems[j].sequenceNumber
}

func (self *outboundQueue) Swap(i int, j int) {
	self.orderedItems[i], self.orderedItems[j] = self.orderedItems[j], self.orderedItems[i]
}
