package collab

const DefaultEndpoint = "ws://localhost:8000/ws"

type SessionSettings struct {
	// base endpoint. The session id is appended as the last path segment.
	Endpoint string
	// optional bearer token for the handshake
	ByJwt string

	// nil means the system clock
	Scheduler          Scheduler
	TransportGenerator TransportGenerator

	LivenessSettings  *LivenessSettings
	ReconnectSettings *ReconnectSettings
	OutboundSettings  *OutboundSettings
	InboundSettings   *InboundSettings
	HistorySettings   *HistorySettings
	EditSettings      *EditSettings
	LockSettings      *LockSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		Endpoint:           DefaultEndpoint,
		TransportGenerator: WsTransportGenerator(DefaultTransportSettings()),
		LivenessSettings:   DefaultLivenessSettings(),
		ReconnectSettings:  DefaultReconnectSettings(),
		OutboundSettings:   DefaultOutboundSettings(),
		InboundSettings:    DefaultInboundSettings(),
		HistorySettings:    DefaultHistorySettings(),
		EditSettings:       DefaultEditSettings(),
		LockSettings:       DefaultLockSettings(),
	}
}
