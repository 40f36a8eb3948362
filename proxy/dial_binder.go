package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/reglet-dev/reglet-sandbox/rpc"
)

// DialBinder connects to a host listening on a unix or tcp socket.
type DialBinder struct {
	Network string
	Address string
}

func (b *DialBinder) Bind(ctx context.Context) (Binding, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, b.Network, b.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", b.Network, b.Address, err)
	}
	return &connBinding{conn: rpc.NewStreamConn(conn)}, nil
}

// WebSocketBinder connects to a host serving websockets at URL.
type WebSocketBinder struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

func (b *WebSocketBinder) Bind(ctx context.Context) (Binding, error) {
	dialer := b.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, b.URL, b.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", b.URL, err)
	}
	return &connBinding{conn: rpc.NewWSConn(ws)}, nil
}

// connBinding only learns of death through transport errors.
type connBinding struct {
	conn rpc.Conn
}

func (b *connBinding) Conn() rpc.Conn        { return b.conn }
func (b *connBinding) Lost() <-chan struct{} { return nil }

func (b *connBinding) Release(context.Context) error {
	_ = b.conn.Close()
	return nil
}
