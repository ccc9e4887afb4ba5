package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/coder/websocket"

	"github.com/larderhq/larder/internal/docserver"
	"github.com/larderhq/larder/internal/docstore"
)

// watch is one websocket subscription.
type watch struct {
	backend *Backend
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// Watch implements docstore.Backend. The websocket is dialled before Watch
// returns, so an unreachable server fails the setup.
func (b *Backend) Watch(collection string, uids []string, onDocs func([]docstore.Document), onErr func(error)) (docstore.Subscription, error) {
	if len(uids) == 0 {
		onDocs(nil)
		return docstore.NopSubscription{}, nil
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, docstore.ErrClosed
	}

	u := *b.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = b.base.Path + "/v1/watch"
	u.RawQuery = url.Values{"collection": {collection}, "uid": uids}.Encode()

	dialCtx, cancelDial := context.WithTimeout(context.Background(), b.dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{HTTPClient: b.client})
	cancelDial()
	if err != nil {
		return nil, fmt.Errorf("failed to dial watch: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{backend: b, conn: conn, ctx: ctx, cancel: cancel, done: make(chan struct{})}

	b.mu.Lock()
	b.subs[w] = struct{}{}
	b.mu.Unlock()

	go w.run(onDocs, onErr)
	return w, nil
}

// Cancel implements docstore.Subscription.
func (w *watch) Cancel() {
	w.cancel()
}

func (w *watch) run(onDocs func([]docstore.Document), onErr func(error)) {
	defer close(w.done)
	defer func() {
		w.backend.mu.Lock()
		delete(w.backend.subs, w)
		w.backend.mu.Unlock()
		_ = w.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := w.conn.Read(w.ctx)
		if w.ctx.Err() != nil {
			return
		}
		if err != nil {
			onErr(fmt.Errorf("watch connection lost: %w", err))
			return
		}

		var msg docserver.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			onErr(fmt.Errorf("failed to decode watch frame: %w", err))
			return
		}

		switch msg.Type {
		case docserver.MessageTypeSnapshot:
			var snap docserver.SnapshotData
			if err := json.Unmarshal(msg.Data, &snap); err != nil {
				onErr(fmt.Errorf("failed to decode snapshot: %w", err))
				return
			}
			if w.ctx.Err() != nil {
				return
			}
			onDocs(snap.Documents)
		case docserver.MessageTypeError:
			var e docserver.ErrorData
			_ = json.Unmarshal(msg.Data, &e)
			onErr(errors.New(e.Error))
			return
		default:
			w.backend.logger.Printf("Ignoring unknown watch frame %q", msg.Type)
		}
	}
}
