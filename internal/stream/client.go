// Package stream implements the Server-Sent Events consumer for one backend
// server's /event endpoint.
package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Frame is one parsed SSE frame. Comment lines (": heartbeat") surface as a
// frame with Event == "heartbeat" and no data, so readers can treat them as
// activity without special-casing the wire format.
type Frame struct {
	Event string
	Data  []byte
}

// IsHeartbeat reports whether the frame is a keep-alive comment.
func (f Frame) IsHeartbeat() bool {
	return f.Event == "heartbeat" && len(f.Data) == 0
}

// Client opens event streams to backend servers.
type Client struct {
	// HTTPClient must have no overall timeout: streams stay open
	// indefinitely.
	HTTPClient *http.Client
}

// NewClient creates a stream client.
func NewClient() *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 0},
	}
}

// Connect opens the event stream at url. The stream stays open until the
// context is canceled, the server closes it, or Close is called.
func (c *Client) Connect(ctx context.Context, url string) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected content type: %s", contentType)
	}

	return &Stream{
		body:   resp.Body,
		reader: bufio.NewReader(resp.Body),
	}, nil
}

// Stream is one open event stream.
type Stream struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

// Next blocks until the next frame arrives. It returns io.EOF when the
// server closes the stream and the context error when the connection was
// canceled mid-read.
func (s *Stream) Next() (Frame, error) {
	var eventType string
	var data strings.Builder

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return Frame{}, err
		}

		line = strings.TrimRight(line, "\r\n")

		// Empty line terminates a frame.
		if line == "" {
			if data.Len() > 0 || eventType != "" {
				return Frame{Event: eventType, Data: []byte(data.String())}, nil
			}
			continue
		}

		// Comment line: the server's keep-alive. Mid-frame comments are
		// ignored so they cannot discard accumulated event/data lines; the
		// frame they interrupt is activity enough.
		if strings.HasPrefix(line, ":") {
			if eventType == "" && data.Len() == 0 {
				return Frame{Event: "heartbeat"}, nil
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

// Close closes the underlying connection. A blocked Next returns with an
// error.
func (s *Stream) Close() error {
	return s.body.Close()
}
