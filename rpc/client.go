package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
)

// Client issues requests over a Conn and matches replies by id. The first
// transport error ends the client: every pending call fails with a
// ConnectionError and Done is closed.
type Client struct {
	conn   Conn
	logger *slog.Logger
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *Response
	err     error
	done    chan struct{}
	once    sync.Once
}

// NewClient starts the read loop on conn.
func NewClient(conn Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		conn:    conn,
		logger:  logger,
		pending: make(map[uint64]chan *Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done is closed when the channel is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the client, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the client and closes the connection.
func (c *Client) Close() error {
	c.fail(fmt.Errorf("client closed"))
	return nil
}

func (c *Client) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.pending = make(map[uint64]chan *Response)
		c.mu.Unlock()
		_ = c.conn.Close()
		close(c.done)
	})
}

func (c *Client) readLoop() {
	for {
		body, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var resp Response
		if err := json.Unmarshal(body, &resp); err != nil {
			c.logger.Warn("dropping malformed response", "error", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// Call sends method with params and decodes the reply into result, which
// may be nil. A remote failure comes back as its typed error. When ctx ends
// first the server is asked to cancel the call and ctx's error is returned
// wrapped.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	var payload json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("%s: encode payload: %w", method, err)
		}
		payload = data
	}

	id := c.nextID.Add(1)
	ch := make(chan *Response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return &entities.ConnectionError{Op: method, Err: err}
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(Request{ID: id, Method: method, Payload: payload}); err != nil {
		c.forget(id)
		return &entities.ConnectionError{Op: method, Err: err}
	}

	select {
	case resp := <-ch:
		return decodeResponse(method, resp, result)
	case <-c.done:
		select {
		case resp := <-ch:
			return decodeResponse(method, resp, result)
		default:
		}
		return &entities.ConnectionError{Op: method, Err: c.Err()}
	case <-ctx.Done():
		c.forget(id)
		_ = c.Notify(MethodCancel, CancelParams{ID: id})
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// Notify sends a request that gets no reply.
func (c *Client) Notify(method string, params any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return c.send(Request{Method: method, Payload: data})
}

func (c *Client) send(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(data)
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func decodeResponse(method string, resp *Response, result any) error {
	if resp.Error != nil {
		return resp.Error.Err()
	}
	if result == nil || len(resp.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Payload, result); err != nil {
		return fmt.Errorf("%s: decode reply: %w", method, err)
	}
	return nil
}
