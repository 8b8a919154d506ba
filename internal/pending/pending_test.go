package pending_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/watzon/sellia/internal/pending"
	"github.com/watzon/sellia/internal/protocol"
)

func TestRequestStoreHappyPath(t *testing.T) {
	s := pending.NewRequestStore()
	e := s.Register("r1", "t1", time.Second)

	require.True(t, s.DeliverStart("r1", protocol.ResponseStart{RequestID: "r1", StatusCode: 200}))
	require.True(t, s.DeliverBody("r1", []byte("hello")))
	require.True(t, s.DeliverEnd("r1"))

	select {
	case start := <-e.Start:
		assert.Equal(t, uint16(200), start.StatusCode)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for start")
	}

	select {
	case chunk := <-e.Chunks:
		assert.Equal(t, []byte("hello"), chunk)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for chunk")
	}

	select {
	case err := <-e.Done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for done")
	}
}

func TestRequestStoreTimeout(t *testing.T) {
	s := pending.NewRequestStore()
	e := s.Register("r1", "t1", 20*time.Millisecond)

	select {
	case err := <-e.Done:
		assert.ErrorIs(t, err, pending.ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timeout delivery")
	}

	assert.False(t, s.DeliverEnd("r1"))
}

func TestRequestStoreDeliverBodyOverflowCancelsExchangeWithoutBlocking(t *testing.T) {
	s := pending.NewRequestStore()
	e := s.Register("r1", "t1", time.Minute)

	// Fill the Chunks buffer (cap 16) without draining it, simulating a
	// public consumer that has fallen behind.
	for i := 0; i < cap(e.Chunks); i++ {
		require.True(t, s.DeliverBody("r1", []byte("x")))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.False(t, s.DeliverBody("r1", []byte("overflow")))
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("DeliverBody blocked on a full Chunks buffer instead of dropping the exchange")
	}

	select {
	case err := <-e.Done:
		assert.ErrorIs(t, err, pending.ErrSlowConsumer)
	case <-time.After(time.Second):
		t.Fatal("expected the exchange to be cancelled with ErrSlowConsumer")
	}
}

func TestRequestStoreCancelByTunnelCascades(t *testing.T) {
	s := pending.NewRequestStore()
	e1 := s.Register("r1", "t1", time.Minute)
	e2 := s.Register("r2", "t1", time.Minute)
	e3 := s.Register("r3", "t2", time.Minute)

	cancelled := s.CancelByTunnel("t1", pending.ErrChannelLost)
	assert.Len(t, cancelled, 2)

	for _, e := range []*pending.HTTPExchange{e1, e2} {
		select {
		case err := <-e.Done:
			assert.ErrorIs(t, err, pending.ErrChannelLost)
		case <-time.After(time.Second):
			t.Fatal("expected cascade cancellation")
		}
	}

	assert.True(t, s.DeliverEnd("r3"))
	_ = e3
}

func TestWebSocketStoreUpgradeAndFrameRelay(t *testing.T) {
	s := pending.NewWebSocketStore()
	s.Register("w1", "t1")

	require.True(t, s.DeliverUpgradeOK("w1", protocol.Header{"Sec-WebSocket-Protocol": {"vite-hmr"}}))
	require.True(t, s.DeliverFrame("w1", protocol.WebSocketFrame{RequestID: "w1", Opcode: protocol.OpcodeText, Payload: []byte("hi")}))
	require.True(t, s.DeliverClose("w1", protocol.WebSocketClose{RequestID: "w1", Code: 1000}))
}

func TestWebSocketStoreCancelByTunnelSynthesizesClose(t *testing.T) {
	s := pending.NewWebSocketStore()
	e := s.Register("w1", "t1")

	matched := s.CancelByTunnel("t1", "control channel lost")
	require.Len(t, matched, 1)

	select {
	case c := <-e.Closed:
		assert.Equal(t, "control channel lost", c.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected synthesized close")
	}
}

func TestRequestStoreNotFoundOperationsReturnFalse(t *testing.T) {
	s := pending.NewRequestStore()
	assert.False(t, s.DeliverEnd("missing"))
	assert.False(t, s.Cancel("missing", errors.New("x")))
}
