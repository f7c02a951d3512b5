package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
)

var (
	// ErrNoSubscribers means no execution surface is listening for the message type.
	ErrNoSubscribers = errors.New("surface not present")
	// ErrNoResponse means the surface did not reply within the caller's deadline.
	ErrNoResponse = errors.New("no response")
	// ErrShutdown is returned once the bus has been shut down.
	ErrShutdown = errors.New("command bus is shut down")
)

// MessageType categorizes messages on the bus.
type MessageType string

const (
	MessageTypeCommand MessageType = "COMMAND" // An action for the execution surface.
	MessageTypeReply   MessageType = "REPLY"   // A surface's answer to a command.
)

// Message is the envelope for data transmitted over the Bus.
type Message struct {
	ID        string
	Timestamp time.Time
	Type      MessageType
	// TabID addresses a specific page; surfaces ignore commands for other tabs.
	TabID   string
	Payload interface{}
}

// Bus carries commands from the executor to in-page execution surfaces and
// routes their replies back. Sends block when subscriber buffers are full.
type Bus struct {
	logger *zap.Logger

	subscribers map[MessageType][]chan Message
	mu          sync.RWMutex
	bufferSize  int

	pending   map[string]chan schemas.CommandResponse
	pendingMu sync.Mutex

	// processingWg tracks delivered messages not yet acknowledged.
	processingWg sync.WaitGroup
	// activePostsWg tracks Post calls in flight.
	activePostsWg sync.WaitGroup

	isShutdown bool
	shutdownMu sync.Mutex
}

// New initializes a Bus.
func New(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Bus{
		logger:      logger.Named("command_bus"),
		subscribers: make(map[MessageType][]chan Message),
		pending:     make(map[string]chan schemas.CommandResponse),
		bufferSize:  bufferSize,
	}
}

// Post delivers msg to every subscriber of its type. It returns
// ErrNoSubscribers when nobody is listening.
func (b *Bus) Post(ctx context.Context, msg Message) (err error) {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return ErrShutdown
	}
	b.activePostsWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePostsWg.Done()

	// A send on a channel closed by Shutdown panics; undo the delivery count.
	defer func() {
		if r := recover(); r != nil {
			b.processingWg.Done()
			b.logger.Debug("Recovered from panic in Post, likely due to shutdown.", zap.Any("panic", r))
			err = ErrShutdown
		}
	}()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := b.subscribers[msg.Type]
	if len(subs) == 0 {
		b.mu.RUnlock()
		return ErrNoSubscribers
	}
	subsCopy := make([]chan Message, len(subs))
	copy(subsCopy, subs)
	b.mu.RUnlock()

	for _, ch := range subsCopy {
		b.processingWg.Add(1)
		select {
		case ch <- msg:
		case <-ctx.Done():
			b.processingWg.Done()
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe returns a channel receiving messages of the given types and a
// function that unsubscribes and closes it.
func (b *Bus) Subscribe(msgTypes ...MessageType) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, b.bufferSize)
	if len(msgTypes) == 0 {
		msgTypes = []MessageType{MessageTypeCommand}
	}
	for _, t := range msgTypes {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.shutdownMu.Lock()
			down := b.isShutdown
			b.shutdownMu.Unlock()
			if down {
				return
			}
			for _, t := range msgTypes {
				subs := b.subscribers[t]
				for i, sub := range subs {
					if sub == ch {
						b.subscribers[t] = append(subs[:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
	return ch, unsubscribe
}

// HasSubscribers reports whether anyone listens for msgType.
func (b *Bus) HasSubscribers(msgType MessageType) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[msgType]) > 0
}

// Acknowledge signals that a delivered message has been processed.
func (b *Bus) Acknowledge(Message) {
	b.processingWg.Done()
}

// Request posts cmd and waits for the correlated reply. The wait is bounded by
// ctx; if it expires first ErrNoResponse is returned.
func (b *Bus) Request(ctx context.Context, tabID string, cmd schemas.Command) (schemas.CommandResponse, error) {
	id := uuid.New().String()
	replyCh := make(chan schemas.CommandResponse, 1)

	b.pendingMu.Lock()
	b.pending[id] = replyCh
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}()

	if err := b.Post(ctx, Message{ID: id, Type: MessageTypeCommand, TabID: tabID, Payload: cmd}); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return schemas.CommandResponse{}, fmt.Errorf("%w: %v", ErrNoResponse, err)
		}
		return schemas.CommandResponse{}, err
	}

	select {
	case resp := <-replyCh:
		return resp, nil
	case <-ctx.Done():
		b.logger.Warn("Surface did not reply in time", zap.String("command", cmd.Command), zap.String("id", id))
		return schemas.CommandResponse{}, ErrNoResponse
	}
}

// Reply routes a surface's response to the waiting Request. Replies for
// requests that already gave up are dropped.
func (b *Bus) Reply(requestID string, resp schemas.CommandResponse) bool {
	b.pendingMu.Lock()
	ch, ok := b.pending[requestID]
	b.pendingMu.Unlock()
	if !ok {
		b.logger.Debug("Dropping late reply", zap.String("id", requestID))
		return false
	}
	select {
	case ch <- resp:
		return true
	default:
		return false
	}
}

// Shutdown closes the bus and waits for delivered messages to be acknowledged.
func (b *Bus) Shutdown() {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return
	}
	b.isShutdown = true
	b.shutdownMu.Unlock()

	b.mu.Lock()
	unique := make(map[chan Message]struct{})
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			unique[ch] = struct{}{}
		}
	}
	for ch := range unique {
		close(ch)
	}
	b.subscribers = make(map[MessageType][]chan Message)
	b.mu.Unlock()

	b.activePostsWg.Wait()
	b.processingWg.Wait()
}
