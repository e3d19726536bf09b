package commands

import (
	"context"
	"sync"
	"time"
)

// Signal announces that a device has new pending commands.
type Signal struct {
	DeviceID  string
	CommandID uint
	Timestamp time.Time
}

// Notifier fans enqueue signals out to long-polling subscribers, keyed by device.
// Delivery is best-effort: a full subscriber buffer drops the signal.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Signal
}

func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  4,
	}
}

// Subscribe registers interest in a device until ctx ends or cleanup is called.
func (n *Notifier) Subscribe(ctx context.Context, deviceID string) (<-chan Signal, func()) {
	if deviceID == "" {
		ch := make(chan Signal)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     n.nextSequence(),
		stream: make(chan Signal, n.bufferSize),
	}
	n.register(deviceID, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { n.unregister(deviceID, sub.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish wakes every subscriber of the signal's device without blocking.
func (n *Notifier) Publish(signal Signal) {
	if signal.DeviceID == "" {
		return
	}
	n.mu.RLock()
	subscribers := n.subscribers[signal.DeviceID]
	if len(subscribers) == 0 {
		n.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	n.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- signal:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions for a device.
func (n *Notifier) Subscribers(deviceID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers[deviceID])
}

func (n *Notifier) nextSequence() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	return n.nextID
}

func (n *Notifier) register(deviceID string, sub *subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subscribers[deviceID]; !ok {
		n.subscribers[deviceID] = make(map[int64]*subscriber)
	}
	n.subscribers[deviceID][sub.id] = sub
}

func (n *Notifier) unregister(deviceID string, subscriberID int64) {
	n.mu.Lock()
	subscribers := n.subscribers[deviceID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(n.subscribers, deviceID)
		}
	}
	n.mu.Unlock()
}
