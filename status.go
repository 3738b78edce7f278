package gateway

// ConnectionStage is the stage of a shard's connection to the gateway.
type ConnectionStage int32

const (
	StageDisconnected ConnectionStage = iota
	StageConnecting
	StageHandshake
	StageIdentifying
	StageResuming
	StageConnected
)

func (stage ConnectionStage) String() string {
	if stage < 0 || int(stage) >= len(connectionStageNames) {
		return "Unknown"
	}

	return connectionStageNames[stage]
}

var connectionStageNames = []string{
	"Disconnected",
	"Connecting",
	"Handshake",
	"Identifying",
	"Resuming",
	"Connected",
}

// IsConnecting reports whether the shard is somewhere between dialing and
// being connected.
func (stage ConnectionStage) IsConnecting() bool {
	switch stage {
	case StageConnecting, StageHandshake, StageIdentifying, StageResuming:
		return true
	default:
		return false
	}
}

// ReconnectType is how a shard re-establishes its session.
type ReconnectType int

const (
	ReconnectReidentify ReconnectType = iota
	ReconnectResume
)

func (reconnectType ReconnectType) String() string {
	if reconnectType == ReconnectResume {
		return "Resume"
	}

	return "Reidentify"
}

// ShardActionKind identifies what a ShardAction asks the runner to do.
type ShardActionKind int

const (
	ShardActionNone ShardActionKind = iota
	ShardActionHeartbeat
	ShardActionIdentify
	ShardActionResume
	ShardActionReconnect
)

// ShardAction is the advisory a shard returns after handling a gateway event.
type ShardAction struct {
	Kind      ShardActionKind
	Reconnect ReconnectType
}

var (
	actionNone       = ShardAction{Kind: ShardActionNone}
	actionHeartbeat  = ShardAction{Kind: ShardActionHeartbeat}
	actionIdentify   = ShardAction{Kind: ShardActionIdentify}
	actionResume     = ShardAction{Kind: ShardActionResume}
	actionReidentify = ShardAction{Kind: ShardActionReconnect, Reconnect: ReconnectReidentify}
	actionReconnect  = ShardAction{Kind: ShardActionReconnect, Reconnect: ReconnectResume}
)

func (action ShardAction) String() string {
	switch action.Kind {
	case ShardActionHeartbeat:
		return "Heartbeat"
	case ShardActionIdentify:
		return "Identify"
	case ShardActionResume:
		return "Resume"
	case ShardActionReconnect:
		return "Reconnect(" + action.Reconnect.String() + ")"
	default:
		return "None"
	}
}
