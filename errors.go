package gateway

import (
	"errors"
	"fmt"

	"github.com/WelcomerTeam/Discord/discord"
)

var (
	ErrManagerClosed        = errors.New("manager closed")
	ErrManagerMissingToken  = errors.New("manager missing bot token")
	ErrManagerMissingShards = errors.New("manager missing shards")
	ErrShardRangeInvalid    = errors.New("shard range is not contiguous")

	ErrRunnerClosed = errors.New("shard runner closed")

	ErrShardNoSession                = errors.New("shard has no session to resume")
	ErrShardInvalidHeartbeatInterval = errors.New("shard invalid heartbeat interval")
	ErrShardNotConnected             = errors.New("shard has no transport")

	ErrTransportClosed = errors.New("transport closed")
	ErrReadTimeout     = errors.New("read timed out")

	ErrNoGatewayHandler = errors.New("no gateway handler found")

	ErrUnexpectedStatus = errors.New("unexpected status code")
	ErrMissingConfig    = errors.New("missing configuration")

	// Protocol-fatal errors. A runner that sees one of these reports it to the
	// manager and exits.
	ErrInvalidAuthentication    = errors.New("invalid authentication")
	ErrInvalidGatewayIntents    = errors.New("invalid gateway intents")
	ErrDisallowedGatewayIntents = errors.New("disallowed gateway intents")
)

// CloseError is returned by a transport when the peer sent a close frame.
type CloseError struct {
	Reason string
	Code   int
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("gateway closed with code %d: %s", e.Code, e.Reason)
}

// closeCodeError maps a close code to a protocol-fatal error, or nil when the
// code is recoverable by reconnecting.
func closeCodeError(code int) error {
	switch code {
	case discord.CloseAuthenticationFailed:
		return ErrInvalidAuthentication
	case discord.CloseInvalidIntents:
		return ErrInvalidGatewayIntents
	case discord.CloseDisallowedIntents:
		return ErrDisallowedGatewayIntents
	default:
		return nil
	}
}

// IsFatal reports whether err cannot be recovered from by reconnecting.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidAuthentication) ||
		errors.Is(err, ErrInvalidGatewayIntents) ||
		errors.Is(err, ErrDisallowedGatewayIntents)
}
