package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Creates a standard Bus instance for testing.
func setupBus(t *testing.T, bufferSize int) *Bus {
	t.Helper()
	b := New(zaptest.NewLogger(t), bufferSize)
	t.Cleanup(b.Shutdown)
	return b
}

// waitTimeout waits for the WaitGroup for the specified max timeout.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		wg.Wait()
	}()
	select {
	case <-c:
		return true
	case <-time.After(timeout):
		return false
	}
}

// echoSurface answers every command with the given response until the channel closes.
func echoSurface(b *Bus, resp schemas.CommandResponse) (stop func()) {
	ch, unsubscribe := b.Subscribe(MessageTypeCommand)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ch {
			b.Reply(msg.ID, resp)
			b.Acknowledge(msg)
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}

func TestBus_PostSubscribe_HappyPath(t *testing.T) {
	b := setupBus(t, 4)
	ch, unsubscribe := b.Subscribe(MessageTypeCommand)
	defer unsubscribe()

	require.NoError(t, b.Post(context.Background(), Message{Type: MessageTypeCommand, Payload: "payload"}))

	select {
	case msg := <-ch:
		assert.Equal(t, "payload", msg.Payload)
		assert.NotEmpty(t, msg.ID, "bus should enrich message with ID")
		assert.False(t, msg.Timestamp.IsZero(), "bus should enrich message with Timestamp")
		b.Acknowledge(msg)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message delivery")
	}
	assert.True(t, waitTimeout(&b.processingWg, 100*time.Millisecond))
}

func TestBus_PostWithoutSubscribers(t *testing.T) {
	b := setupBus(t, 4)
	err := b.Post(context.Background(), Message{Type: MessageTypeCommand})
	assert.ErrorIs(t, err, ErrNoSubscribers)
	assert.False(t, b.HasSubscribers(MessageTypeCommand))
}

func TestBus_Filtering(t *testing.T) {
	b := setupBus(t, 4)
	replies, unsubscribe := b.Subscribe(MessageTypeReply)
	defer unsubscribe()

	err := b.Post(context.Background(), Message{Type: MessageTypeCommand})
	assert.ErrorIs(t, err, ErrNoSubscribers)

	select {
	case msg := <-replies:
		t.Fatalf("reply subscriber received a command: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_RequestReply(t *testing.T) {
	b := setupBus(t, 4)
	stop := echoSurface(b, schemas.CommandResponse{Success: true, Extra: map[string]interface{}{"found": 2}})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := b.Request(ctx, "tab-1", schemas.Command{Command: "find_on_page"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.Extra["found"])

	b.pendingMu.Lock()
	assert.Empty(t, b.pending, "pending replies must be cleaned up")
	b.pendingMu.Unlock()
}

func TestBus_RequestTimesOut(t *testing.T) {
	b := setupBus(t, 4)
	ch, unsubscribe := b.Subscribe(MessageTypeCommand)
	defer unsubscribe()

	// A silent surface: it receives but never replies.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ch {
			b.Acknowledge(msg)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.Request(ctx, "tab-1", schemas.Command{Command: "click_at"})
	assert.ErrorIs(t, err, ErrNoResponse)

	unsubscribe()
	<-done
}

func TestBus_RequestWithoutSurface(t *testing.T) {
	b := setupBus(t, 4)
	_, err := b.Request(context.Background(), "tab-1", schemas.Command{Command: "click_at"})
	assert.ErrorIs(t, err, ErrNoSubscribers)
}

func TestBus_LateReplyIsDropped(t *testing.T) {
	b := setupBus(t, 4)
	assert.False(t, b.Reply("unknown-id", schemas.CommandResponse{Success: true}))
}

func TestBus_Shutdown(t *testing.T) {
	b := New(zaptest.NewLogger(t), 4)
	ch, unsubscribe := b.Subscribe(MessageTypeCommand)

	b.Shutdown()

	_, open := <-ch
	assert.False(t, open, "subscriber channel should be closed on shutdown")
	assert.ErrorIs(t, b.Post(context.Background(), Message{Type: MessageTypeCommand}), ErrShutdown)

	// Unsubscribing after shutdown must not double close.
	assert.NotPanics(t, unsubscribe)
	// Shutdown is idempotent.
	assert.NotPanics(t, b.Shutdown)
}

func TestBus_ShutdownWaitsForAcknowledgement(t *testing.T) {
	b := New(zaptest.NewLogger(t), 4)
	ch, _ := b.Subscribe(MessageTypeCommand)
	require.NoError(t, b.Post(context.Background(), Message{Type: MessageTypeCommand}))

	finished := make(chan struct{})
	go func() {
		b.Shutdown()
		close(finished)
	}()

	select {
	case <-finished:
		t.Fatal("shutdown returned before the delivered message was acknowledged")
	case <-time.After(50 * time.Millisecond):
	}

	msg := <-ch
	b.Acknowledge(msg)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not complete after acknowledgement")
	}
}

func TestBus_PostRespectsContextWhenFull(t *testing.T) {
	b := setupBus(t, 1)
	ch, unsubscribe := b.Subscribe(MessageTypeCommand)
	defer unsubscribe()

	require.NoError(t, b.Post(context.Background(), Message{Type: MessageTypeCommand}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Post(ctx, Message{Type: MessageTypeCommand})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	b.Acknowledge(<-ch)
}
