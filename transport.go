package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"nhooyr.io/websocket"
)

// Transport is a duplex, message oriented connection to the gateway.
//
// Receive honours the context deadline without tearing the connection down:
// an expired deadline returns ErrReadTimeout and the next call picks up where
// the previous one left off. A close frame from the peer is returned as a
// *CloseError, anything else is an I/O error.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) (Frame, error)
	Close(code int, reason string) error
}

// TransportFactory dials new transports.
type TransportFactory interface {
	Connect(ctx context.Context, url string) (Transport, error)
}

// DefaultReadLimit is the largest message a websocket transport will accept.
const DefaultReadLimit = 1 << 27

// WebsocketTransportFactory dials gateway websockets.
type WebsocketTransportFactory struct {
	DialOptions *websocket.DialOptions

	// Query is appended to every url, such as "?v=10&encoding=json".
	Query string

	ReadLimit int64
}

func NewWebsocketTransportFactory() *WebsocketTransportFactory {
	return &WebsocketTransportFactory{
		Query:     "?v=10&encoding=json",
		ReadLimit: DefaultReadLimit,
	}
}

func (factory *WebsocketTransportFactory) Connect(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url+factory.Query, factory.DialOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}

	readLimit := factory.ReadLimit
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}

	conn.SetReadLimit(readLimit)

	return newWebsocketTransport(conn), nil
}

type websocketResult struct {
	err   error
	frame Frame
}

// websocketTransport reads on its own goroutine so a Receive deadline never
// cancels the underlying read, which would close the connection.
type websocketTransport struct {
	conn *websocket.Conn

	results chan websocketResult
	closed  chan struct{}

	closeOnce sync.Once
	readErr   error
}

func newWebsocketTransport(conn *websocket.Conn) *websocketTransport {
	transport := &websocketTransport{
		conn:    conn,
		results: make(chan websocketResult),
		closed:  make(chan struct{}),
	}

	go transport.readLoop()

	return transport
}

func (transport *websocketTransport) readLoop() {
	defer close(transport.results)

	for {
		messageType, data, err := transport.conn.Read(context.Background())
		if err != nil {
			transport.readErr = transport.mapError(err)

			return
		}

		select {
		case transport.results <- websocketResult{frame: Frame{Data: data, Binary: messageType == websocket.MessageBinary}}:
		case <-transport.closed:
			return
		}
	}
}

func (transport *websocketTransport) mapError(err error) error {
	var closeError websocket.CloseError

	if errors.As(err, &closeError) {
		return &CloseError{Code: int(closeError.Code), Reason: closeError.Reason}
	}

	return fmt.Errorf("failed to read message: %w", err)
}

func (transport *websocketTransport) Send(ctx context.Context, data []byte) error {
	select {
	case <-transport.closed:
		return ErrTransportClosed
	default:
	}

	err := transport.conn.Write(ctx, websocket.MessageText, data)
	if err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}

	return nil
}

func (transport *websocketTransport) Receive(ctx context.Context) (Frame, error) {
	select {
	case result, ok := <-transport.results:
		if !ok {
			return Frame{}, transport.readErr
		}

		return result.frame, result.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Frame{}, ErrReadTimeout
		}

		return Frame{}, ctx.Err()
	}
}

func (transport *websocketTransport) Close(code int, reason string) error {
	err := ErrTransportClosed

	transport.closeOnce.Do(func() {
		err = transport.conn.Close(websocket.StatusCode(code), reason)

		close(transport.closed)
	})

	if err != nil && !errors.Is(err, ErrTransportClosed) {
		var closeError websocket.CloseError

		// The peer answering with its own close frame is a clean close.
		if errors.As(err, &closeError) {
			return nil
		}
	}

	return err
}
