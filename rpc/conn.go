package rpc

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn moves whole message bodies. Implementations must allow one reader
// and many concurrent writers.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(body []byte) error
	Close() error
}

// StreamConn frames messages over a byte stream such as a pipe, a socket
// or a child's stdio.
type StreamConn struct {
	r   *bufio.Reader
	wmu sync.Mutex
	w   io.Writer
	c   io.Closer
}

// NewStreamConn wraps rwc.
func NewStreamConn(rwc io.ReadWriteCloser) *StreamConn {
	return &StreamConn{r: bufio.NewReader(rwc), w: rwc, c: rwc}
}

// NewSplitStreamConn reads from r and writes to w; closing closes both
// when they implement io.Closer.
func NewSplitStreamConn(r io.Reader, w io.Writer) *StreamConn {
	return &StreamConn{r: bufio.NewReader(r), w: w, c: multiCloser{r, w}}
}

func (c *StreamConn) ReadMessage() ([]byte, error) {
	return ReadFrame(c.r)
}

func (c *StreamConn) WriteMessage(body []byte) error {
	frame, err := EncodeFrame(body)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.w.Write(frame)
	return err
}

func (c *StreamConn) Close() error {
	return c.c.Close()
}

type multiCloser []any

func (m multiCloser) Close() error {
	var first error
	for _, v := range m {
		if c, ok := v.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// WSConn carries one frame per binary websocket message.
type WSConn struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

// NewWSConn wraps ws.
func NewWSConn(ws *websocket.Conn) *WSConn {
	ws.SetReadLimit(MaxFrameSize + headerSize)
	return &WSConn{ws: ws}
}

func (c *WSConn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if len(data) < headerSize {
			return nil, fmt.Errorf("short websocket frame: %d bytes", len(data))
		}
		return ReadFrame(bytes.NewReader(data))
	}
}

func (c *WSConn) WriteMessage(body []byte) error {
	frame, err := EncodeFrame(body)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *WSConn) Close() error {
	c.wmu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()
	return c.ws.Close()
}
