package transport

import (
	"bytes"
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/weaver-graph/weaver/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WS is a Transport backed by persistent websocket connections: one
// outbound connection per peer address, dialed lazily on first Send, and
// one inbound HTTP upgrade handler accepting connections from any peer.
type WS struct {
	listenAddr string

	mu    sync.Mutex
	conns map[string]*websocket.Conn

	server *http.Server
}

// NewWS returns a WS transport that will listen on listenAddr once Serve
// is called.
func NewWS(listenAddr string) *WS {
	return &WS{listenAddr: listenAddr, conns: make(map[string]*websocket.Conn)}
}

// Send writes a framed message to peer over a persistent connection,
// dialing one if none exists yet.
func (w *WS) Send(ctx context.Context, peer string, typ wire.MessageType, payload []byte) error {
	conn, err := w.dial(ctx, peer)
	if err != nil {
		return err
	}

	var frame bytes.Buffer
	if err := wire.WriteFrame(&frame, typ, payload); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, frame.Bytes()); err != nil {
		delete(w.conns, peer)
		return errors.Wrapf(err, "transport: ws write to %s", peer)
	}
	return nil
}

func (w *WS) dial(ctx context.Context, peer string) (*websocket.Conn, error) {
	w.mu.Lock()
	if conn, ok := w.conns[peer]; ok {
		w.mu.Unlock()
		return conn, nil
	}
	w.mu.Unlock()

	url := "ws://" + peer + "/weaver/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: ws dial %s", peer)
	}

	w.mu.Lock()
	w.conns[peer] = conn
	w.mu.Unlock()
	return conn, nil
}

// Serve accepts inbound websocket connections on listenAddr and invokes
// handler for every frame received, until ctx is canceled.
func (w *WS) Serve(ctx context.Context, handler Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/weaver/ws", func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		peer := r.RemoteAddr
		go w.readLoop(ctx, peer, conn, handler)
	})

	w.server = &http.Server{Addr: w.listenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- w.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		_ = w.server.Close()
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "transport: ws serve")
	}
}

func (w *WS) readLoop(ctx context.Context, peer string, conn *websocket.Conn, handler Handler) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		typ, err := wire.ReadFrameType(bytes.NewReader(data))
		if err != nil {
			continue
		}
		handler(ctx, peer, typ, data[4:])
	}
}

// Close shuts down the listener and every outbound connection.
func (w *WS) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, conn := range w.conns {
		conn.Close()
	}
	if w.server != nil {
		return w.server.Close()
	}
	return nil
}

var _ Transport = (*WS)(nil)
