package timeline

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

type OperationType string

const (
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
	OperationEdit   OperationType = "edit"
)

type EntityKind string

const (
	EntityStatus       EntityKind = "status"
	EntityAccount      EntityKind = "account"
	EntityNotification EntityKind = "notification"
)

// StreamingOperation is one raw push operation from the live transport,
// before any handler has seen it.
// `Payload` carries the entity snapshot for updates, `Data` the replacement
// entity for edits. `EditedAt` is the edit conflict timestamp; zero means the
// operation does not participate in conflict detection.
type StreamingOperation struct {
	Id         string
	Type       OperationType
	ItemType   EntityKind
	ItemId     string
	Payload    map[string]any
	Data       map[string]any
	EditedAt   time.Time
	ReceivedAt time.Time
}

// fingerprint identifies "the same operation" for dedup within the sliding
// window. Derived from the type tag and identifying payload fields only, so a
// retransmitted frame with cosmetic differences still dedups.
func (self *StreamingOperation) fingerprint() string {
	parts := []string{string(self.Type), string(self.ItemType), self.ItemId}
	if !self.EditedAt.IsZero() {
		parts = append(parts, strconv.FormatInt(self.EditedAt.UnixMilli(), 10))
	}
	return strings.Join(parts, "|")
}

type OperationHandlerFunction func(op *StreamingOperation) error

type StreamingOperationsManagerSettings struct {
	// queue capacity. capped insertion: once full, the oldest entries are
	// evicted so the newest operation is always admitted.
	MaxQueueSize int

	// drain debounce. operations arriving inside one interval drain in a
	// single fifo pass. 0 drains synchronously.
	DebounceInterval time.Duration

	EnableDeduplication bool
	DeduplicationWindow time.Duration
}

func DefaultStreamingOperationsManagerSettings() *StreamingOperationsManagerSettings {
	return &StreamingOperationsManagerSettings{
		MaxQueueSize:        1024,
		DebounceInterval:    50 * time.Millisecond,
		EnableDeduplication: true,
		DeduplicationWindow: 5 * time.Second,
	}
}

// StreamingOperationsState is the synchronous snapshot surface.
type StreamingOperationsState struct {
	IsStreaming       bool
	ReconnectAttempts int
	Err               error
	QueuedOperations  int
	DroppedOperations int64
	DedupedOperations int64
}

// StreamingOperationsManager owns the transport connection lifecycle for the
// operations intake: it receives raw push operations, deduplicates and
// debounces them, and dispatches each to the handler registered for its type
// tag. Handler failures are swallowed at this layer; they never crash the
// manager or block subsequent operations, and are never retried.
type StreamingOperationsManager struct {
	transport Transport
	settings  *StreamingOperationsManagerSettings

	stateLock sync.Mutex

	handlers map[OperationType]OperationHandlerFunction

	queue      []*StreamingOperation
	drainTimer *time.Timer

	// fingerprint -> last observed time, pruned against the window
	fingerprintTimes map[string]time.Time

	isStreaming       bool
	reconnectAttempts int
	err               error
	transportUnsubs   []func()

	droppedOperations int64
	dedupedOperations int64
}

func NewStreamingOperationsManagerWithDefaults(transport Transport) *StreamingOperationsManager {
	return NewStreamingOperationsManager(transport, DefaultStreamingOperationsManagerSettings())
}

func NewStreamingOperationsManager(transport Transport, settings *StreamingOperationsManagerSettings) *StreamingOperationsManager {
	return &StreamingOperationsManager{
		transport:        transport,
		settings:         settings,
		handlers:         map[OperationType]OperationHandlerFunction{},
		queue:            []*StreamingOperation{},
		fingerprintTimes: map[string]time.Time{},
	}
}

func (self *StreamingOperationsManager) State() *StreamingOperationsState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return &StreamingOperationsState{
		IsStreaming:       self.isStreaming,
		ReconnectAttempts: self.reconnectAttempts,
		Err:               self.err,
		QueuedOperations:  len(self.queue),
		DroppedOperations: self.droppedOperations,
		DedupedOperations: self.dedupedOperations,
	}
}

// RegisterHandler installs the handler for one operation-type tag.
// At most one handler per type; registering again replaces it.
func (self *StreamingOperationsManager) RegisterHandler(operationType OperationType, handler OperationHandlerFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.handlers[operationType] = handler
}

func (self *StreamingOperationsManager) UnregisterHandler(operationType OperationType) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.handlers, operationType)
}

// StartStreaming connects the transport and subscribes the lifecycle events.
// idle -> streaming. A transport error event stores the error without forcing
// disconnection; reconnecting/reconnected maintain the attempt counter.
func (self *StreamingOperationsManager) StartStreaming() error {
	if self.transport == nil {
		return ErrMissingTransport
	}
	alreadyStreaming := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		alreadyStreaming = self.isStreaming
	}()
	if alreadyStreaming {
		return nil
	}

	unsubs := []func(){
		self.transport.On(StreamEventError, self.handleTransportError),
		self.transport.On(StreamEventReconnecting, self.handleReconnecting),
		self.transport.On(StreamEventReconnected, self.handleReconnected),
	}

	if err := self.transport.Connect(); err != nil {
		for _, unsub := range unsubs {
			unsub()
		}
		connectErr := fmt.Errorf("operations stream connect: %w", err)
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			self.err = connectErr
		}()
		glog.Infof("[ops]stream connect error = %s\n", err)
		return connectErr
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.transportUnsubs = unsubs
		self.isStreaming = true
		self.err = nil
	}()
	glog.V(1).Infof("[ops]streaming\n")
	return nil
}

// StopStreaming flushes queued-but-undrained operations, disconnects the
// transport, and clears state. streaming -> idle.
func (self *StreamingOperationsManager) StopStreaming() {
	self.flush()

	var unsubs []func()
	wasStreaming := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		unsubs = self.transportUnsubs
		self.transportUnsubs = nil
		wasStreaming = self.isStreaming
		self.isStreaming = false
		self.reconnectAttempts = 0
		self.err = nil
		self.fingerprintTimes = map[string]time.Time{}
	}()
	for _, unsub := range unsubs {
		unsub()
	}
	if wasStreaming && self.transport != nil {
		self.transport.Disconnect()
	}
	glog.V(1).Infof("[ops]stopped\n")
}

// ProcessOperation appends the operation to the bounded queue and schedules a
// debounced drain. Duplicate fingerprints inside the dedup window are dropped
// before any handler sees them.
func (self *StreamingOperationsManager) ProcessOperation(op *StreamingOperation) {
	if op == nil {
		return
	}
	drainNow := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if op.Id == "" {
			op.Id = NewOperationId()
		}
		if op.ReceivedAt.IsZero() {
			op.ReceivedAt = time.Now()
		}
		if op.ItemId == "" {
			// fall back to the identifying payload field
			if id := stringField(op.Payload, "id"); id != "" {
				op.ItemId = id
			} else if id := stringField(op.Data, "id"); id != "" {
				op.ItemId = id
			}
		}

		if self.settings.EnableDeduplication {
			fingerprint := op.fingerprint()
			self.pruneFingerprints(op.ReceivedAt)
			if seenAt, ok := self.fingerprintTimes[fingerprint]; ok {
				if op.ReceivedAt.Sub(seenAt) < self.settings.DeduplicationWindow {
					self.dedupedOperations += 1
					glog.V(2).Infof("[ops]dedup %s\n", fingerprint)
					return
				}
			}
			self.fingerprintTimes[fingerprint] = op.ReceivedAt
		}

		self.queue = append(self.queue, op)
		for self.settings.MaxQueueSize < len(self.queue) {
			// capped insertion: evict the oldest
			self.queue = self.queue[1:]
			self.droppedOperations += 1
			glog.Infof("[ops]queue full, dropped oldest\n")
		}

		if self.settings.DebounceInterval <= 0 {
			drainNow = true
		} else if self.drainTimer == nil {
			self.drainTimer = time.AfterFunc(self.settings.DebounceInterval, self.drain)
		}
	}()
	if drainNow {
		self.drain()
	}
}

// must be called with `stateLock`
func (self *StreamingOperationsManager) pruneFingerprints(now time.Time) {
	for fingerprint, seenAt := range self.fingerprintTimes {
		if self.settings.DeduplicationWindow <= now.Sub(seenAt) {
			delete(self.fingerprintTimes, fingerprint)
		}
	}
}

// drain dispatches queued operations in fifo arrival order.
func (self *StreamingOperationsManager) drain() {
	var ops []*StreamingOperation
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		ops = self.queue
		self.queue = []*StreamingOperation{}
		if self.drainTimer != nil {
			self.drainTimer.Stop()
			self.drainTimer = nil
		}
	}()
	for _, op := range ops {
		self.dispatch(op)
	}
}

// flush drains synchronously, canceling any pending drain timer first.
func (self *StreamingOperationsManager) flush() {
	self.drain()
}

func (self *StreamingOperationsManager) dispatch(op *StreamingOperation) {
	var handler OperationHandlerFunction
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		handler = self.handlers[op.Type]
	}()
	if handler == nil {
		glog.V(2).Infof("[ops]no handler for %s\n", op.Type)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("[ops]handler panic for %s = %v\n", op.Type, r)
		}
	}()
	if err := handler(op); err != nil {
		// swallowed: handler failures never crash the manager and are not
		// retried
		glog.Warningf("[ops]handler error for %s = %s\n", op.Type, err)
	}
}

func (self *StreamingOperationsManager) handleTransportError(payload any) {
	transportErr, ok := payload.(error)
	if !ok {
		transportErr = fmt.Errorf("operations stream: %v", payload)
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	// stored without forcing disconnection
	self.err = transportErr
}

func (self *StreamingOperationsManager) handleReconnecting(payload any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.reconnectAttempts += 1
}

func (self *StreamingOperationsManager) handleReconnected(payload any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.reconnectAttempts = 0
	self.err = nil
}
