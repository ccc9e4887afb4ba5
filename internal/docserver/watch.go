package docserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/larderhq/larder/internal/docstore"
)

// handleWatch upgrades to a websocket and streams snapshot frames for the
// requested uid set until either side goes away.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	const op = "watch"
	collection, ok := s.collection(w, r, op)
	if !ok {
		return
	}
	uids := r.URL.Query()["uid"]
	if len(uids) == 0 {
		s.writeError(w, op, http.StatusBadRequest, errors.New("at least one uid is required"))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	stats.Request(op, http.StatusSwitchingProtocols)

	send := func(msg Message) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		defer cancel()
		return conn.Write(ctx, websocket.MessageText, data)
	}

	sub, err := s.backend.Watch(collection, uids,
		func(docs []docstore.Document) {
			msg, err := NewSnapshotMessage(collection, docs)
			if err == nil {
				err = send(msg)
			}
			if err != nil {
				s.logger.Printf("Failed to send snapshot: %v", err)
				_ = conn.Close(websocket.StatusInternalError, "send failed")
			}
		},
		func(err error) {
			_ = send(NewErrorMessage(err))
			_ = conn.Close(websocket.StatusNormalClosure, "watch ended")
		},
	)
	if err != nil {
		_ = send(NewErrorMessage(err))
		_ = conn.Close(websocket.StatusNormalClosure, "watch failed")
		return
	}

	s.watchersMu.Lock()
	s.watchers[conn] = sub
	count := len(s.watchers)
	s.watchersMu.Unlock()
	stats.WatcherConnected()
	s.logger.Printf("Watcher connected to %s (total: %d)", collection, count)

	s.readLoop(conn)
}

// readLoop blocks until the client disconnects, then removes it.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeWatcher(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
		// Clients don't send anything meaningful
	}
}

func (s *Server) removeWatcher(conn *websocket.Conn) {
	s.watchersMu.Lock()
	sub, exists := s.watchers[conn]
	if !exists {
		s.watchersMu.Unlock()
		return
	}
	delete(s.watchers, conn)
	count := len(s.watchers)
	s.watchersMu.Unlock()

	sub.Cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	stats.WatcherDisconnected()
	s.logger.Printf("Watcher disconnected (total: %d)", count)
}
