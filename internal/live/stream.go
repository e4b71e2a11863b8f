// Package live pushes session snapshots to operator screens over WebSocket.
package live

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rollcall/internal/attendance"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Source is a live session that can be observed.
type Source interface {
	Snapshot() attendance.Snapshot
	Subscribe(fn func(attendance.Snapshot)) func()
}

// Streamer upgrades requests and streams snapshots to them.
type Streamer struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns int
}

// NewStreamer builds a streamer. checkOrigin may be nil to allow any origin.
func NewStreamer(checkOrigin func(*http.Request) bool) *Streamer {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Streamer{upgrader: websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}}
}

// Connections is the number of open streams.
func (s *Streamer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// Serve upgrades the request and blocks until the client goes away. The
// current snapshot is sent first, then one message per change. A slow
// client only ever receives the newest snapshot.
func (s *Streamer) Serve(w http.ResponseWriter, r *http.Request, src Source) error {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	s.track(1)
	defer s.track(-1)

	latest := make(chan attendance.Snapshot, 1)
	push := func(snap attendance.Snapshot) {
		for {
			select {
			case latest <- snap:
				return
			default:
			}
			select {
			case <-latest:
			default:
			}
		}
	}
	push(src.Snapshot())
	unsubscribe := src.Subscribe(push)
	defer unsubscribe()

	done := make(chan struct{})
	go readLoop(conn, done)
	writeLoop(conn, latest, done)
	return nil
}

func (s *Streamer) track(delta int) {
	s.mu.Lock()
	s.conns += delta
	s.mu.Unlock()
}

// readLoop consumes control frames so pongs and close are seen.
func readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("live stream read: %v", err)
			}
			return
		}
	}
}

// writeLoop is the only writer on conn.
func writeLoop(conn *websocket.Conn, latest <-chan attendance.Snapshot, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case snap := <-latest:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				log.Printf("live stream write: %v", err)
				return
			}
			if snap.State == attendance.StateEnded {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					time.Now().Add(writeWait))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
