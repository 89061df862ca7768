package timeline

import (
	"sync"

	"github.com/golang/glog"
)

// stream event names consumed from the transport
const (
	StreamEventTimelineUpdates     = "timelineUpdates"
	StreamEventQuoteActivity       = "quoteActivity"
	StreamEventHashtagActivity     = "hashtagActivity"
	StreamEventListUpdates         = "listUpdates"
	StreamEventRelationshipUpdates = "relationshipUpdates"
	StreamEventActivityStream      = "activityStream"
	StreamEventError               = "error"
	StreamEventClose               = "close"
	StreamEventReconnecting        = "reconnecting"
	StreamEventReconnected         = "reconnected"
)

// Transport is the event-emitter contract the engine requires from a host
// transport (websocket, sse, polling). The engine never depends on a concrete
// protocol. `Disconnect` must be idempotent and immediately stop delivery.
type Transport interface {
	Connect() error
	Disconnect()
	// On registers a callback for a named event and returns an unsubscribe
	// function.
	On(event string, callback func(payload any)) func()
}

// EmitterTransport is an in-process implementation of the transport contract.
// Hosts that own their own socket layer bridge frames into Emit; tests drive
// it directly. It implements no wire protocol.
type EmitterTransport struct {
	stateLock sync.Mutex
	connected bool

	eventCallbacks map[string]*CallbackList[func(payload any)]
}

func NewEmitterTransport() *EmitterTransport {
	return &EmitterTransport{
		eventCallbacks: map[string]*CallbackList[func(payload any)]{},
	}
}

func (self *EmitterTransport) Connect() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.connected = true
	glog.V(1).Infof("[tp]connect\n")
	return nil
}

func (self *EmitterTransport) Disconnect() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.connected {
		return
	}
	self.connected = false
	glog.V(1).Infof("[tp]disconnect\n")
}

func (self *EmitterTransport) Connected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connected
}

func (self *EmitterTransport) On(event string, callback func(payload any)) func() {
	var callbacks *CallbackList[func(payload any)]
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		callbacks = self.eventCallbacks[event]
		if callbacks == nil {
			callbacks = NewCallbackList[func(payload any)]()
			self.eventCallbacks[event] = callbacks
		}
	}()
	callbackId := callbacks.Add(callback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

// Emit delivers a payload synchronously to subscribers of the event.
// Delivery stops while disconnected.
func (self *EmitterTransport) Emit(event string, payload any) {
	var callbacks *CallbackList[func(payload any)]
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if !self.connected {
			return
		}
		callbacks = self.eventCallbacks[event]
	}()
	if callbacks == nil {
		return
	}
	for _, callback := range callbacks.Get() {
		callback(payload)
	}
}
