package live

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/attendance"
)

type fakeSource struct {
	mu   sync.Mutex
	snap attendance.Snapshot
	subs []func(attendance.Snapshot)
	sub  chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		snap: attendance.Snapshot{State: attendance.StateActive, Counters: attendance.Counters{Remaining: 3}},
		sub:  make(chan struct{}, 1),
	}
}

func (f *fakeSource) Snapshot() attendance.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSource) Subscribe(fn func(attendance.Snapshot)) func() {
	f.mu.Lock()
	f.subs = append(f.subs, fn)
	f.mu.Unlock()
	f.sub <- struct{}{}
	return func() {}
}

func (f *fakeSource) publish(s attendance.Snapshot) {
	f.mu.Lock()
	f.snap = s
	subs := append([]func(attendance.Snapshot){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

func dial(t *testing.T, src Source) *websocket.Conn {
	t.Helper()
	s := NewStreamer(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = s.Serve(w, r, src)
	}))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readSnapshot(t *testing.T, conn *websocket.Conn) attendance.Snapshot {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var raw struct {
		State    string              `json:"state"`
		Counters attendance.Counters `json:"counters"`
	}
	require.NoError(t, conn.ReadJSON(&raw))
	snap := attendance.Snapshot{Counters: raw.Counters}
	switch raw.State {
	case "ACTIVE":
		snap.State = attendance.StateActive
	case "ENDED":
		snap.State = attendance.StateEnded
	}
	return snap
}

func TestServeSendsCurrentThenUpdates(t *testing.T) {
	src := newFakeSource()
	conn := dial(t, src)

	first := readSnapshot(t, conn)
	assert.Equal(t, attendance.StateActive, first.State)
	assert.Equal(t, 3, first.Counters.Remaining)

	<-src.sub
	src.publish(attendance.Snapshot{State: attendance.StateActive, Counters: attendance.Counters{Present: 1, Remaining: 2}})
	next := readSnapshot(t, conn)
	assert.Equal(t, 1, next.Counters.Present)
}

func TestServeClosesAfterEnded(t *testing.T) {
	src := newFakeSource()
	conn := dial(t, src)
	readSnapshot(t, conn)

	<-src.sub
	src.publish(attendance.Snapshot{State: attendance.StateEnded})
	last := readSnapshot(t, conn)
	assert.Equal(t, attendance.StateEnded, last.State)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
