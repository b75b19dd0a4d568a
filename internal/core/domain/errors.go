package domain

import "errors"

var (
	ErrNotInitialized      = errors.New("call not initialized")
	ErrAlreadyInitialized  = errors.New("call already initialized")
	ErrCallClosed          = errors.New("call closed")
	ErrCallFailed          = errors.New("call failed and cannot be resumed")
	ErrNoEngine            = errors.New("negotiation engine not created")
	ErrEngineExists        = errors.New("negotiation engine already exists")
	ErrNoLocalStream       = errors.New("no local media stream")
	ErrNoVideoTrack        = errors.New("no local video track")
	ErrDataChannelClosed   = errors.New("data channel not open")
	ErrMalformedMessage    = errors.New("malformed signaling message")
	ErrUnknownMessageType  = errors.New("unknown signaling message type")
	ErrSubscriptionTimeout = errors.New("relay subscription not acknowledged")
	ErrRelayClosed         = errors.New("relay closed")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrAdaptationInFlight  = errors.New("profile change already in progress")
	ErrUnknownProfile      = errors.New("unknown quality profile")

	// Capture API failures, classified by the lifecycle manager.
	ErrPermissionDenied        = errors.New("media permission denied")
	ErrDeviceNotFound          = errors.New("media device not found")
	ErrDeviceBusy              = errors.New("media device busy")
	ErrConstraintUnsatisfiable = errors.New("media constraints cannot be satisfied")
)
