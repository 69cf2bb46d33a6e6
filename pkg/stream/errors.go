package stream

import "errors"

var (
	ErrInvalidCaptureConfig = errors.New("stream: invalid capture config")
	ErrUnknownProvider      = errors.New("stream: unknown capture provider")
	ErrAlreadyCapturing     = errors.New("stream: capture already running")
	ErrProviderExited       = errors.New("stream: capture provider exited")
	ErrProviderStopped      = errors.New("stream: capture provider stopped")

	ErrInvalidSignalState = errors.New("stream: invalid signaling state")
	ErrSignalerClosed     = errors.New("stream: signaler closed")
	ErrNegotiationFailed  = errors.New("stream: transport negotiation failed")
	ErrNegotiationTimeout = errors.New("stream: transport negotiation timed out")
	ErrDisconnected       = errors.New("stream: transport disconnected")
)
