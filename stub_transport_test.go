package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

type stubRead struct {
	err   error
	frame Frame
}

// stubTransport replays queued frames and errors and records what was sent.
type stubTransport struct {
	url string

	reads  chan stubRead
	sent   chan []byte
	closed chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closeCode int
}

func newStubTransport(url string) *stubTransport {
	return &stubTransport{
		url:    url,
		reads:  make(chan stubRead, 64),
		sent:   make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (transport *stubTransport) Send(_ context.Context, data []byte) error {
	select {
	case <-transport.closed:
		return ErrTransportClosed
	default:
	}

	select {
	case transport.sent <- data:
		return nil
	default:
		return errors.New("stub send buffer full")
	}
}

func (transport *stubTransport) Receive(ctx context.Context) (Frame, error) {
	select {
	case <-transport.closed:
		return Frame{}, ErrTransportClosed
	default:
	}

	select {
	case read := <-transport.reads:
		return read.frame, read.err
	case <-transport.closed:
		return Frame{}, ErrTransportClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Frame{}, ErrReadTimeout
		}

		return Frame{}, ctx.Err()
	}
}

func (transport *stubTransport) Close(code int, _ string) error {
	transport.closeOnce.Do(func() {
		transport.mu.Lock()
		transport.closeCode = code
		transport.mu.Unlock()

		close(transport.closed)
	})

	return nil
}

func (transport *stubTransport) CloseCode() int {
	transport.mu.Lock()
	defer transport.mu.Unlock()

	return transport.closeCode
}

func (transport *stubTransport) push(data string) {
	transport.reads <- stubRead{frame: Frame{Data: []byte(data)}}
}

func (transport *stubTransport) fail(err error) {
	transport.reads <- stubRead{err: err}
}

// stubFactory hands every dialed transport to the test.
type stubFactory struct {
	dialed chan *stubTransport
}

func newStubFactory() *stubFactory {
	return &stubFactory{dialed: make(chan *stubTransport, 16)}
}

func (factory *stubFactory) Connect(_ context.Context, url string) (Transport, error) {
	transport := newStubTransport(url)
	factory.dialed <- transport

	return transport, nil
}

func (factory *stubFactory) next(t *testing.T) *stubTransport {
	t.Helper()

	select {
	case transport := <-factory.dialed:
		return transport
	case <-time.After(testTimeout):
		require.FailNow(t, "no transport was dialed")

		return nil
	}
}

type sentPayload struct {
	Data jsoniter.RawMessage `json:"d"`
	Op   discord.GatewayOp   `json:"op"`
}

// nextSent waits for the next frame with the given op, skipping others.
func nextSent(t *testing.T, transport *stubTransport, op discord.GatewayOp) sentPayload {
	t.Helper()

	deadline := time.After(testTimeout)

	for {
		select {
		case data := <-transport.sent:
			var payload sentPayload

			require.NoError(t, jsoniter.Unmarshal(data, &payload))

			if payload.Op == op {
				return payload
			}
		case <-deadline:
			require.FailNow(t, fmt.Sprintf("op %d was never sent", op))

			return sentPayload{}
		}
	}
}

func helloFrame(intervalMs int) string {
	return fmt.Sprintf(`{"op":10,"d":{"heartbeat_interval":%d}}`, intervalMs)
}

func readyFrame(sequence int, sessionID, resumeURL string) string {
	return fmt.Sprintf(`{"op":0,"t":"READY","s":%d,"d":{"session_id":%q,"resume_gateway_url":%q}}`, sequence, sessionID, resumeURL)
}

func dispatchFrame(eventType string, sequence int, data string) string {
	return fmt.Sprintf(`{"op":0,"t":%q,"s":%d,"d":%s}`, eventType, sequence, data)
}
