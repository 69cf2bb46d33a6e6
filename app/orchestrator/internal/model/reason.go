package model

// Reason 稳定的失败原因码
type Reason string

const (
	ReasonInvalidRequest     Reason = "INVALID_REQUEST"
	ReasonUnauthorized       Reason = "UNAUTHORIZED"
	ReasonNoAvailableHost    Reason = "NO_AVAILABLE_HOST"
	ReasonAlreadyActive      Reason = "ALREADY_ACTIVE"
	ReasonSessionNotFound    Reason = "SESSION_NOT_FOUND"
	ReasonHostNotFound       Reason = "HOST_NOT_FOUND"
	ReasonGameNotFound       Reason = "GAME_NOT_FOUND"
	ReasonStaleTransition    Reason = "STALE_TRANSITION"
	ReasonResolveTimeout     Reason = "RESOLVE_TIMEOUT"
	ReasonPairingTimeout     Reason = "PAIRING_TIMEOUT"
	ReasonPairingRejected    Reason = "PAIRING_REJECTED"
	ReasonPairingExpired     Reason = "PAIRING_EXPIRED"
	ReasonPairingUnreachable Reason = "PAIRING_UNREACHABLE"
	ReasonLaunchFailed       Reason = "LAUNCH_FAILED"
	ReasonLaunchTimeout      Reason = "LAUNCH_TIMEOUT"
	ReasonNegotiationFailed  Reason = "TRANSPORT_NEGOTIATION_FAILED"
	ReasonNegotiationTimeout Reason = "NEGOTIATION_TIMEOUT"
	ReasonTransportLost      Reason = "TRANSPORT_DISCONNECTED"
	ReasonHostDisconnected   Reason = "HOST_DISCONNECTED"
	ReasonHostUnreachable    Reason = "HOST_UNREACHABLE"
	ReasonStopped            Reason = "STOPPED"
	ReasonShutdown           Reason = "SHUTDOWN"
	ReasonInternal           Reason = "INTERNAL"
)
