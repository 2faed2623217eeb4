package bridge

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sandbridge/internal/protocol"
)

func newTestChannel(t *testing.T, watch bool) *FileChannel {
	t.Helper()
	ch, err := NewFileChannel(FileOptions{Dir: t.TempDir(), PollInterval: 2 * time.Millisecond, Watch: watch})
	require.NoError(t, err)
	return ch
}

// respond plays the manager: it waits for the request file and publishes resp.
func respond(t *testing.T, ch *FileChannel, id string, resp protocol.Response) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(ch.RequestPath(id)); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Errorf("request %s never appeared", id)
			return
		}
		time.Sleep(time.Millisecond)
	}
	_ = os.Remove(ch.RequestPath(id))

	var buf bytes.Buffer
	if err := protocol.EncodeResponse(&buf, &resp); err != nil {
		t.Errorf("encode response: %v", err)
		return
	}
	if err := WriteFileAtomic(ch.ResponsePath(id), buf.Bytes()); err != nil {
		t.Errorf("write response: %v", err)
	}
}

func TestNewFileChannelRequiresDir(t *testing.T) {
	_, err := NewFileChannel(FileOptions{Dir: "  "})
	assert.ErrorIs(t, err, ErrBridgeUnavailable)

	ch := newTestChannel(t, false)
	for _, d := range []string{RequestsDir, ResponsesDir} {
		info, err := os.Stat(filepath.Join(ch.Dir(), d))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestPublishWritesRequestAtomically(t *testing.T) {
	ch := newTestChannel(t, false)

	req := &protocol.Request{Op: protocol.OpPoll, ChildAgentID: "agent-1"}
	id, err := ch.Publish(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, id, req.ID)
	assert.Len(t, strings.Split(id, "_"), 4)

	f, err := os.Open(ch.RequestPath(id))
	require.NoError(t, err)
	defer f.Close()
	got, err := protocol.DecodeRequest(f)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpPoll, got.Op)
	assert.Equal(t, "agent-1", got.ChildAgentID)

	entries, err := os.ReadDir(filepath.Join(ch.Dir(), RequestsDir))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), TempSuffix), "temp file left behind: %s", e.Name())
	}

	_, err = ch.Publish(context.Background(), &protocol.Request{Op: protocol.OpDispatch})
	assert.Error(t, err, "invalid requests are not published")

	_, err = ch.Publish(context.Background(), &protocol.Request{ID: "../evil", Op: protocol.OpPoll, ChildAgentID: "a"})
	assert.Error(t, err)
}

func TestRoundTripOverFiles(t *testing.T) {
	for _, watch := range []bool{false, true} {
		t.Run(map[bool]string{false: "poll", true: "watch"}[watch], func(t *testing.T) {
			ch := newTestChannel(t, watch)
			id, err := ch.Publish(context.Background(), &protocol.Request{Op: protocol.OpDispatch, Text: "hi"})
			require.NoError(t, err)

			go respond(t, ch, id, protocol.ErrorResponse("no capacity"))

			resp, err := ch.AwaitResponse(context.Background(), id, time.Now().Add(2*time.Second))
			require.NoError(t, err)
			assert.False(t, resp.OK())
			assert.Equal(t, "no capacity", resp.PayloadText())

			_, statErr := os.Stat(ch.ResponsePath(id))
			assert.True(t, os.IsNotExist(statErr), "response must be consumed")
			entries, err := os.ReadDir(filepath.Join(ch.Dir(), ResponsesDir))
			require.NoError(t, err)
			assert.Empty(t, entries, "claimed response must be deleted")
		})
	}
}

func TestResponseDeliveredExactlyOnce(t *testing.T) {
	ch := newTestChannel(t, false)
	id := NewRequestID()

	resp, err := protocol.OKResponse("agent-9")
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, protocol.EncodeResponse(&buf, &resp))
	require.NoError(t, WriteFileAtomic(ch.ResponsePath(id), buf.Bytes()))

	const readers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := ch.AwaitResponse(context.Background(), id, time.Now().Add(100*time.Millisecond))
			if err == nil && got.PayloadText() == "agent-9" {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestAwaitResponseTimeoutWithdrawsRequest(t *testing.T) {
	ch := newTestChannel(t, false)
	id, err := ch.Publish(context.Background(), &protocol.Request{Op: protocol.OpPoll, ChildAgentID: "a"})
	require.NoError(t, err)

	start := time.Now()
	_, err = ch.AwaitResponse(context.Background(), id, start.Add(30*time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBridgeTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	_, statErr := os.Stat(ch.RequestPath(id))
	assert.True(t, os.IsNotExist(statErr), "unconsumed request must be withdrawn")
}

func TestAwaitResponseHonoursContext(t *testing.T) {
	ch := newTestChannel(t, false)
	id, err := ch.Publish(context.Background(), &protocol.Request{Op: protocol.OpPoll, ChildAgentID: "a"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ch.AwaitResponse(ctx, id, time.Now().Add(time.Minute))
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	_, statErr := os.Stat(ch.RequestPath(id))
	assert.True(t, os.IsNotExist(statErr))
}

func TestAwaitResponseRejectsMalformed(t *testing.T) {
	ch := newTestChannel(t, false)
	id := NewRequestID()
	require.NoError(t, WriteFileAtomic(ch.ResponsePath(id), []byte("not json")))

	_, err := ch.AwaitResponse(context.Background(), id, time.Now().Add(time.Second))
	assert.Error(t, err)
}

func TestNewRequestIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewRequestID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
