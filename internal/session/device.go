package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nextlevelbuilder/devlink/internal/media"
	"github.com/nextlevelbuilder/devlink/internal/metrics"
	"github.com/nextlevelbuilder/devlink/internal/pairing"
	"github.com/nextlevelbuilder/devlink/internal/store"
	"github.com/nextlevelbuilder/devlink/pkg/protocol"
)

// DeviceSession is the server side of one device connection.
type DeviceSession struct {
	c        *Coordinator
	peer     Peer
	deviceID string // empty until registered
}

// OpenDevice starts a session for a new, still anonymous device connection.
func (c *Coordinator) OpenDevice(peer Peer) *DeviceSession {
	return &DeviceSession{c: c, peer: peer}
}

// DeviceID returns the registered identifier, or "" before register.
func (s *DeviceSession) DeviceID() string { return s.deviceID }

// HandleFrame decodes a raw frame and dispatches it. Decode failures are
// answered with protocol.error on this connection.
func (s *DeviceSession) HandleFrame(ctx context.Context, data []byte) {
	ev, err := DecodeDeviceEvent(data)
	if err != nil {
		slog.Debug("session: bad device frame", "conn", s.peer.ID(), "error", err)
		deviceID := s.deviceID
		if deviceID == "" {
			deviceID = frameDeviceID(data)
		}
		s.peer.Send(protocol.EventProtocolError, protocol.ErrorPayload{
			Error:    err.Error(),
			Code:     protocol.ErrMalformedPayload,
			DeviceID: deviceID,
		})
		return
	}
	s.Handle(ctx, ev)
}

// Handle dispatches one decoded event.
func (s *DeviceSession) Handle(ctx context.Context, ev DeviceEvent) {
	switch e := ev.(type) {
	case Register:
		metrics.InboundFrames.WithLabelValues("device", protocol.EventDeviceRegister).Inc()
		s.register(ctx, e)
	case CodeGenerated:
		metrics.InboundFrames.WithLabelValues("device", protocol.EventVerificationCodeGenerated).Inc()
		s.codeGenerated(ctx, e)
	case SpeechToText:
		metrics.InboundFrames.WithLabelValues("device", protocol.EventMediaASR).Inc()
		s.speechToText(ctx, e)
	case TextToSpeech:
		metrics.InboundFrames.WithLabelValues("device", protocol.EventMediaTTS).Inc()
		s.textToSpeech(ctx, e)
	case Chat:
		metrics.InboundFrames.WithLabelValues("device", protocol.EventMediaChat).Inc()
		s.chat(ctx, e)
	case DeviceDisconnect:
		s.disconnect(ctx)
	default:
		slog.Warn("session: unhandled device event", "type", ev)
	}
}

// Close is called by the transport once the connection is gone.
func (s *DeviceSession) Close(ctx context.Context) {
	s.Handle(ctx, DeviceDisconnect{})
}

func (s *DeviceSession) register(ctx context.Context, e Register) {
	if err := store.ValidateDeviceID(e.DeviceID); err != nil {
		s.peer.Send(protocol.EventDeviceRegisterError, protocol.ErrorPayload{
			Error: err.Error(),
			Code:  protocol.ErrMalformedPayload,
		})
		return
	}

	// Switching identifiers on one connection releases the old one first.
	if s.deviceID != "" && s.deviceID != e.DeviceID {
		s.disconnect(ctx)
	}

	prev, replaced := s.c.devices.Register(e.DeviceID, s.peer)
	if replaced && prev != s.peer {
		slog.Info("device connection superseded", "device", e.DeviceID, "old_conn", prev.ID(), "conn", s.peer.ID())
	}
	s.deviceID = e.DeviceID
	metrics.DeviceConnections.Set(float64(s.c.devices.Len()))
	slog.Info("device registered", "device", e.DeviceID, "conn", s.peer.ID())

	s.c.markStatus(ctx, e.DeviceID, store.DeviceStatusConnected)

	s.peer.Send(protocol.EventDeviceRegistered, map[string]interface{}{
		"message":  "device registered",
		"deviceId": e.DeviceID,
		"protocol": protocol.ProtocolVersion,
	})
	s.c.broadcastAdmins(protocol.EventDeviceConnected, map[string]string{"deviceId": e.DeviceID})
}

func (s *DeviceSession) codeGenerated(ctx context.Context, e CodeGenerated) {
	deviceID, ok := s.resolveDevice(e.DeviceID, protocol.EventVerificationError)
	if !ok {
		return
	}

	if err := s.c.pairing.StoreCode(ctx, deviceID, e.Code); err != nil {
		s.peer.Send(protocol.EventVerificationError, protocol.ErrorPayload{
			Error:    pairing.Message(err),
			Code:     pairing.ErrorCode(err),
			DeviceID: deviceID,
		})
		return
	}
	s.peer.Send(protocol.EventVerificationCodeStored, map[string]string{
		"message":  "verification code stored",
		"deviceId": deviceID,
	})
}

func (s *DeviceSession) speechToText(ctx context.Context, e SpeechToText) {
	deviceID, ok := s.resolveDevice(e.DeviceID, protocol.EventASRResult)
	if !ok {
		return
	}
	text, err := s.c.media.SpeechToText(ctx, deviceID, e.AudioData)
	if err != nil {
		s.sendMediaError(protocol.EventASRResult, deviceID, err)
		return
	}
	s.peer.Send(protocol.EventASRResult, map[string]interface{}{
		"success":  true,
		"text":     text,
		"deviceId": deviceID,
	})
}

func (s *DeviceSession) textToSpeech(ctx context.Context, e TextToSpeech) {
	deviceID, ok := s.resolveDevice(e.DeviceID, protocol.EventTTSResult)
	if !ok {
		return
	}
	audio, err := s.c.media.TextToSpeech(ctx, deviceID, e.Text)
	if err != nil {
		s.sendMediaError(protocol.EventTTSResult, deviceID, err)
		return
	}
	s.peer.Send(protocol.EventTTSResult, map[string]interface{}{
		"success":   true,
		"audioData": audio,
		"deviceId":  deviceID,
	})
}

func (s *DeviceSession) chat(ctx context.Context, e Chat) {
	deviceID, ok := s.resolveDevice(e.DeviceID, protocol.EventChatResult)
	if !ok {
		return
	}
	reply, err := s.c.media.Chat(ctx, deviceID, e.Text)
	if err != nil {
		s.sendMediaError(protocol.EventChatResult, deviceID, err)
		return
	}
	s.peer.Send(protocol.EventChatResult, map[string]interface{}{
		"success":  true,
		"reply":    reply,
		"deviceId": deviceID,
	})
}

func (s *DeviceSession) disconnect(ctx context.Context) {
	deviceID := s.deviceID
	if deviceID == "" {
		return
	}
	s.deviceID = ""

	// A superseded connection must not tear down its replacement.
	if !s.c.devices.Unregister(deviceID, s.peer) {
		slog.Debug("device connection closed after supersede", "device", deviceID, "conn", s.peer.ID())
		return
	}
	metrics.DeviceConnections.Set(float64(s.c.devices.Len()))
	slog.Info("device disconnected", "device", deviceID, "conn", s.peer.ID())

	s.c.pairing.DeviceDisconnected(ctx, deviceID)
	s.c.markStatus(ctx, deviceID, store.DeviceStatusDisconnected)
	s.c.broadcastAdmins(protocol.EventDeviceDisconnected, map[string]string{"deviceId": deviceID})
}

// resolveDevice picks the device id for a device-originated event. The
// payload may omit it; naming a device other than the registered one is
// rejected. Unregistered and superseded connections are rejected with
// NotConnected.
func (s *DeviceSession) resolveDevice(payloadID, replyEvent string) (string, bool) {
	if s.deviceID == "" {
		s.sendFailure(replyEvent, payloadID, protocol.ErrNotConnected, "device is not registered")
		return "", false
	}
	// A newer connection for the same id owns the device from then on.
	if peer, ok := s.c.devices.Lookup(s.deviceID); !ok || peer != s.peer {
		s.sendFailure(replyEvent, s.deviceID, protocol.ErrNotConnected, "connection was superseded by a newer one")
		return "", false
	}
	if payloadID != "" && payloadID != s.deviceID {
		s.sendFailure(replyEvent, payloadID, protocol.ErrMalformedPayload, "deviceId does not match the registered device")
		return "", false
	}
	return s.deviceID, true
}

func (s *DeviceSession) sendMediaError(event, deviceID string, err error) {
	var pe *media.ProxyError
	if errors.As(err, &pe) {
		s.sendFailure(event, deviceID, pe.Kind.Code(), pe.Message)
		return
	}
	s.sendFailure(event, deviceID, protocol.ErrProviderFailure, "request failed")
}

// sendFailure uses the {success:false} result shape for media replies and
// the plain error payload otherwise.
func (s *DeviceSession) sendFailure(event, deviceID, code, msg string) {
	switch event {
	case protocol.EventASRResult, protocol.EventTTSResult, protocol.EventChatResult:
		s.peer.Send(event, map[string]interface{}{
			"success":  false,
			"error":    msg,
			"code":     code,
			"deviceId": deviceID,
		})
	default:
		s.peer.Send(event, protocol.ErrorPayload{Error: msg, Code: code, DeviceID: deviceID})
	}
}
