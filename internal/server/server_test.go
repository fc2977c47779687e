// file: internal/server/server_test.go
package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dkoosis/fast/internal/frame"
	"github.com/dkoosis/fast/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, s *Server) (*frame.FrameStream, func()) {
	t.Helper()
	pair := frame.NewInMemoryPair()
	peer := frame.NewFrameStream(pair.ServerConn, wire.Codec{}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Serve(context.Background(), pair.ClientConn)
	}()

	return peer, func() {
		_ = peer.Close()
		<-done
	}
}

func TestServer_Echo_WritesEachArgThenEnds(t *testing.T) {
	s := NewServer(Options{})
	require.NoError(t, s.RegisterRPCMethod("echo", func(rc *RequestContext) {
		argv := rc.Argv()
		items := make([]interface{}, len(argv))
		for i, a := range argv {
			items[i] = a
		}
		rc.WriteBatch(items)
		rc.End()
	}))

	peer, cleanup := startServer(t, s)
	defer cleanup()

	req := wire.NewDataMessage(1, "echo", 0, []json.RawMessage{
		json.RawMessage(`"a"`), json.RawMessage(`"b"`),
	})
	require.NoError(t, peer.WriteMessage(context.Background(), req))

	first, err := peer.ReadMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wire.TypeData, first.Type)
	require.Len(t, first.Data.D, 2)

	second, err := peer.ReadMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wire.TypeEnd, second.Type)
}

func TestServer_UnknownMethod_RepliesImmediateError(t *testing.T) {
	s := NewServer(Options{})
	peer, cleanup := startServer(t, s)
	defer cleanup()

	req := wire.NewDataMessage(1, "nope", 0, nil)
	require.NoError(t, peer.WriteMessage(context.Background(), req))

	resp, err := peer.ReadMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wire.TypeError, resp.Type)
	assert.Equal(t, "MethodNotFoundError", resp.Error.D.Name)
}

func TestServer_DuplicateLiveID_IsFatal(t *testing.T) {
	s := NewServer(Options{})
	require.NoError(t, s.RegisterRPCMethod("sleep", func(rc *RequestContext) {
		time.Sleep(200 * time.Millisecond)
		rc.End()
	}))

	peer, cleanup := startServer(t, s)
	defer cleanup()

	require.NoError(t, peer.WriteMessage(context.Background(), wire.NewDataMessage(7, "sleep", 0, nil)))
	time.Sleep(10 * time.Millisecond) // let the dispatcher register id 7 as live.
	require.NoError(t, peer.WriteMessage(context.Background(), wire.NewDataMessage(7, "sleep", 0, nil)))

	_, err := peer.ReadMessage(context.Background())
	require.Error(t, err)
}

func TestServer_ConcurrentRequests_DoNotBlockEachOther(t *testing.T) {
	s := NewServer(Options{})
	require.NoError(t, s.RegisterRPCMethod("sleep", func(rc *RequestContext) {
		time.Sleep(100 * time.Millisecond)
		rc.End()
	}))
	require.NoError(t, s.RegisterRPCMethod("echo", func(rc *RequestContext) {
		rc.End(json.RawMessage(`"fast"`))
	}))

	peer, cleanup := startServer(t, s)
	defer cleanup()

	require.NoError(t, peer.WriteMessage(context.Background(), wire.NewDataMessage(1, "sleep", 0, nil)))
	require.NoError(t, peer.WriteMessage(context.Background(), wire.NewDataMessage(2, "echo", 0, nil)))

	first, err := peer.ReadMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), first.ID, "echo should terminate before the slower sleep request")
}

func TestServer_Close_RejectsNewRequestsButFinishesInFlight(t *testing.T) {
	s := NewServer(Options{})
	require.NoError(t, s.RegisterRPCMethod("sleep", func(rc *RequestContext) {
		time.Sleep(80 * time.Millisecond)
		rc.End()
	}))

	peer, cleanup := startServer(t, s)
	defer cleanup()

	drained := make(chan struct{})
	s.OnConnsDestroyed(func() { close(drained) })

	require.NoError(t, peer.WriteMessage(context.Background(), wire.NewDataMessage(1, "sleep", 0, nil)))
	time.Sleep(10 * time.Millisecond)
	s.Close()

	require.NoError(t, peer.WriteMessage(context.Background(), wire.NewDataMessage(2, "sleep", 0, nil)))
	resp, err := peer.ReadMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wire.TypeError, resp.Type)
	assert.Equal(t, uint32(2), resp.ID)

	final, err := peer.ReadMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wire.TypeEnd, final.Type)
	assert.Equal(t, uint32(1), final.ID)

	cleanup()

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("OnConnsDestroyed callback never fired")
	}
}
