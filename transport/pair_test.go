package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairDeliversInOrder(t *testing.T) {
	a, b := Pair()
	defer a.Close()

	var mu sync.Mutex
	var got [][]byte
	done := make(chan struct{})
	b.SetMessageHandler(func(msg []byte) {
		mu.Lock()
		got = append(got, msg)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	require.NoError(t, a.Send([]byte("one")))
	require.NoError(t, a.Send([]byte("two")))
	require.NoError(t, a.Send([]byte("three")))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("messages not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two"), []byte("three")}, got)
}

func TestPairBuffersUntilHandlerSet(t *testing.T) {
	a, b := Pair()
	defer a.Close()

	require.NoError(t, a.Send([]byte("early")))
	time.Sleep(50 * time.Millisecond)

	got := make(chan []byte, 1)
	b.SetMessageHandler(func(msg []byte) { got <- msg })

	select {
	case msg := <-got:
		assert.Equal(t, []byte("early"), msg)
	case <-time.After(time.Second):
		t.Fatal("buffered message not flushed")
	}
}

func TestSendBufferFullAndDrain(t *testing.T) {
	cfg := PairConfig{BufferCapacity: 4, MaxMessageSize: 1024}
	a, b := PairWithConfig(cfg)
	defer a.Close()

	drained := make(chan struct{}, 1)
	a.SetDrainHandler(func() {
		select {
		case drained <- struct{}{}:
		default:
		}
	})

	// Block b's handler so a's pump stalls mid-delivery and the send
	// buffer genuinely fills.
	gate := make(chan struct{})
	b.SetMessageHandler(func([]byte) { <-gate })

	sawFull := false
	for i := 0; i < 50 && !sawFull; i++ {
		if err := a.Send([]byte("x")); err != nil {
			require.ErrorIs(t, err, ErrBufferFull)
			sawFull = true
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, sawFull, "expected the send buffer to fill")

	close(gate)
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain notification not delivered")
	}
}

func TestMessageTooLarge(t *testing.T) {
	a, _ := PairWithConfig(PairConfig{BufferCapacity: 2, MaxMessageSize: 8})
	defer a.Close()
	assert.ErrorIs(t, a.Send(make([]byte, 9)), ErrMessageTooLarge)
}

func TestCloseNotifiesBothEnds(t *testing.T) {
	a, b := Pair()

	aClosed := make(chan error, 1)
	bClosed := make(chan error, 1)
	a.SetCloseHandler(func(err error) { aClosed <- err })
	b.SetCloseHandler(func(err error) { bClosed <- err })

	require.NoError(t, a.Close())

	select {
	case err := <-aClosed:
		assert.NoError(t, err, "locally initiated close is not an error")
	case <-time.After(time.Second):
		t.Fatal("local close handler not called")
	}
	select {
	case err := <-bClosed:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("peer close handler not called")
	}

	assert.ErrorIs(t, a.Send([]byte("late")), ErrChannelClosed)
}

func TestDropFilterDiscardsOnce(t *testing.T) {
	a, b := Pair()
	defer a.Close()

	dropped := false
	a.SetDropFilter(func(msg []byte) bool {
		if !dropped && string(msg) == "lose me" {
			dropped = true
			return true
		}
		return false
	})

	got := make(chan []byte, 4)
	b.SetMessageHandler(func(msg []byte) { got <- msg })

	require.NoError(t, a.Send([]byte("lose me")))
	require.NoError(t, a.Send([]byte("keep me")))
	require.NoError(t, a.Send([]byte("lose me")))

	var received []string
	timeout := time.After(time.Second)
	for len(received) < 2 {
		select {
		case msg := <-got:
			received = append(received, string(msg))
		case <-timeout:
			t.Fatal("expected two deliveries")
		}
	}
	assert.Equal(t, []string{"keep me", "lose me"}, received)
}
