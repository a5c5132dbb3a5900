package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mbocsi/glassbridge/proto"
)

// ResponseError is a gateway response that carried an error object.
type ResponseError struct {
	ID      proto.RequestID
	Code    string
	Message string
}

func (e *ResponseError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("request %s failed: %s: %s", e.ID, e.Code, e.Message)
	}
	return fmt.Sprintf("request %s failed: %s", e.ID, e.Message)
}

// nextRequestIDLocked hands out 1, 2, 3... for the life of a connection.
// resetLocked puts the counter back to 0.
func (c *Client) nextRequestIDLocked() proto.RequestID {
	c.lastRequestID++
	return proto.FormatRequestID(c.lastRequestID)
}

// SendRequest writes a request and returns its id without waiting for the
// response.
func (c *Client) SendRequest(method string, params any) (proto.RequestID, error) {
	c.mu.Lock()
	id := c.nextRequestIDLocked()
	c.mu.Unlock()

	if err := c.send(id, method, params); err != nil {
		return id, err
	}
	return id, nil
}

// Call sends a request and waits for the response with the same id. The
// wait ends with the context, RequestTimeout, or the connection.
func (c *Client) Call(ctx context.Context, method string, params any) (proto.Envelope, error) {
	ch := make(chan proto.Envelope, 1)
	c.mu.Lock()
	id := c.nextRequestIDLocked()
	c.waiters[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.waiters[id] == ch {
			delete(c.waiters, id)
		}
		c.mu.Unlock()
	}()

	if err := c.send(id, method, params); err != nil {
		return proto.Envelope{}, err
	}

	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return proto.Envelope{}, ErrDisconnected
		}
		if res.Error != nil {
			return res, &ResponseError{ID: id, Code: res.Error.Code, Message: res.Error.Message}
		}
		return res, nil
	case <-ctx.Done():
		return proto.Envelope{}, fmt.Errorf("waiting for %s response %s: %w", method, id, ctx.Err())
	}
}

func (c *Client) send(id proto.RequestID, method string, params any) error {
	req, err := proto.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	data, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}
	slog.Debug("Sending request", "id", id, "method", method, "size", len(data))
	return c.transport.SendText(string(data))
}

// SendChat records the message in the transcript and sends it once the
// client is authenticated. Before that only the latest message is kept;
// an earlier unsent one is replaced.
func (c *Client) SendChat(text string) error {
	if text == "" {
		return ErrEmptyMessage
	}
	c.transcript.AppendUser(text)

	c.mu.Lock()
	if c.state != StateAuthenticated {
		if c.pendingText != nil {
			slog.Debug("Replacing buffered chat message")
		}
		c.pendingText = &text
		state := c.state
		c.mu.Unlock()
		slog.Debug("Buffered chat message until authenticated", "state", state)
		return nil
	}
	c.mu.Unlock()

	_, err := c.sendChat(text)
	return err
}

func (c *Client) sendChat(text string) (proto.RequestID, error) {
	return c.SendRequest(proto.MethodChatSend, c.chatParams(text))
}

func (c *Client) chatParams(text string) proto.ChatSendParams {
	return proto.ChatSendParams{
		SessionKey:     c.cfg.SessionKey,
		Message:        text,
		IdempotencyKey: uuid.NewString(),
	}
}

// HasPendingText reports whether a chat message is waiting for
// authentication.
func (c *Client) HasPendingText() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingText != nil
}
