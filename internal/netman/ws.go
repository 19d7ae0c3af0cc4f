package netman

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"veilnet/internal/wire"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  wire.MaxOperationSize,
	WriteBufferSize: wire.MaxOperationSize,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConnAdapter makes a *websocket.Conn usable as the net.Conn the rest
// of the connection table expects, carrying one Operation per binary
// message instead of the framer's length prefix.
type wsConnAdapter struct {
	*websocket.Conn
}

func (w *wsConnAdapter) Read(b []byte) (int, error) {
	_, data, err := w.Conn.ReadMessage()
	if err != nil {
		return 0, err
	}
	return copy(b, data), nil
}

func (w *wsConnAdapter) Write(b []byte) (int, error) {
	if err := w.Conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (w *wsConnAdapter) SetDeadline(t time.Time) error      { return nil }
func (w *wsConnAdapter) SetReadDeadline(t time.Time) error  { return w.Conn.SetReadDeadline(t) }
func (w *wsConnAdapter) SetWriteDeadline(t time.Time) error { return w.Conn.SetWriteDeadline(t) }

// ListenWS serves inbound WS connections on addr/path, each decoded as
// one Operation per binary WebSocket message (gorilla/websocket handles
// message boundaries itself, so no length-prefix framer is needed here
// unlike the raw TCP path).
func (m *Manager) ListenWS(ctx context.Context, addr, path string, secure bool) error {
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("ws upgrade: %v", err)
			return
		}
		proto := wire.ProtoWS
		if secure {
			proto = wire.ProtoWSS
		}
		adapter := &wsConnAdapter{Conn: conn}
		if err := m.admit(conn.RemoteAddr(), proto); err != nil {
			conn.Close()
			return
		}
		m.registerConn(conn.RemoteAddr(), proto, adapter, true)
		m.wg.Add(1)
		go m.wsReadLoop(ctx, adapter, proto)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Infof("ws listening on %s%s", ln.Addr(), path)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = srv.Serve(ln)
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	return nil
}

func (m *Manager) wsReadLoop(ctx context.Context, conn *wsConnAdapter, proto wire.Protocol) {
	defer m.wg.Done()
	defer conn.Close()
	defer m.removeByAddr(conn.RemoteAddr())

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := conn.Conn.ReadMessage()
		if err != nil {
			return
		}
		m.touchActivity(conn.RemoteAddr())
		if m.handler != nil {
			m.handler(conn.RemoteAddr(), proto, data)
		}
	}
}

// DialWS opens an outbound WS/WSS connection and registers it.
func (m *Manager) DialWS(ctx context.Context, u string, secure bool) (net.Conn, error) {
	parsed, err := url.Parse(u)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, parsed.String(), nil)
	if err != nil {
		return nil, err
	}
	adapter := &wsConnAdapter{Conn: conn}
	proto := wire.ProtoWS
	if secure {
		proto = wire.ProtoWSS
	}
	m.registerConn(conn.RemoteAddr(), proto, adapter, true)
	return adapter, nil
}
