package session

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/devlink/internal/metrics"
	"github.com/nextlevelbuilder/devlink/internal/pairing"
	"github.com/nextlevelbuilder/devlink/pkg/protocol"
)

// AdminSession is the server side of one authenticated admin connection.
type AdminSession struct {
	c      *Coordinator
	peer   Peer
	userID string
	closed bool
}

// OpenAdmin registers an admin connection for userID and greets it with the
// live devices and, when the store can list them, the user's paired devices.
func (c *Coordinator) OpenAdmin(ctx context.Context, peer Peer, userID string) *AdminSession {
	a := &AdminSession{c: c, peer: peer, userID: userID}
	c.addAdmin(a)
	slog.Info("admin connected", "user", userID, "conn", peer.ID())

	hello := map[string]interface{}{
		"userId":   userID,
		"protocol": protocol.ProtocolVersion,
		"devices":  c.ConnectedDevices(),
	}
	if paired := c.PairedDevices(ctx, userID); paired != nil {
		hello["pairedDevices"] = paired
	}
	peer.Send(protocol.EventAdminHello, hello)
	return a
}

// UserID returns the authenticated user.
func (a *AdminSession) UserID() string { return a.userID }

// HandleFrame decodes a raw frame and dispatches it.
func (a *AdminSession) HandleFrame(ctx context.Context, data []byte) {
	ev, err := DecodeAdminEvent(data)
	if err != nil {
		slog.Debug("session: bad admin frame", "conn", a.peer.ID(), "error", err)
		a.peer.Send(protocol.EventProtocolError, protocol.ErrorPayload{
			Error:    err.Error(),
			Code:     protocol.ErrMalformedPayload,
			DeviceID: frameDeviceID(data),
		})
		return
	}
	a.Handle(ctx, ev)
}

// Handle dispatches one decoded event.
func (a *AdminSession) Handle(ctx context.Context, ev AdminEvent) {
	switch e := ev.(type) {
	case RequestVerification:
		metrics.InboundFrames.WithLabelValues("admin", protocol.EventVerificationRequest).Inc()
		a.requestVerification(ctx, e)
	case SubmitVerification:
		metrics.InboundFrames.WithLabelValues("admin", protocol.EventVerificationSubmit).Inc()
		a.submitVerification(ctx, e)
	case ListDevices:
		metrics.InboundFrames.WithLabelValues("admin", protocol.EventDevicesList).Inc()
		a.peer.Send(protocol.EventDevicesConnected, a.c.ConnectedDevices())
	case AdminDisconnect:
		a.disconnect()
	default:
		slog.Warn("session: unhandled admin event", "type", ev)
	}
}

// Close is called by the transport once the connection is gone.
func (a *AdminSession) Close(ctx context.Context) {
	a.Handle(ctx, AdminDisconnect{})
}

func (a *AdminSession) requestVerification(ctx context.Context, e RequestVerification) {
	if e.DeviceID == "" {
		a.sendError("deviceId is required", protocol.ErrMalformedPayload, "")
		return
	}
	if err := a.c.pairing.RequestVerification(ctx, e.DeviceID); err != nil {
		a.sendError(pairing.Message(err), pairing.ErrorCode(err), e.DeviceID)
		return
	}

	// The device may drop between the check and the send.
	if !a.c.sendToDevice(e.DeviceID, protocol.EventVerificationCodeReq, map[string]string{"deviceId": e.DeviceID}) {
		a.sendError(pairing.Message(pairing.ErrNotConnected), protocol.ErrNotConnected, e.DeviceID)
		return
	}
	a.peer.Send(protocol.EventVerificationRequested, map[string]string{
		"message":  "verification requested, waiting for the device to show a code",
		"deviceId": e.DeviceID,
	})
}

func (a *AdminSession) submitVerification(ctx context.Context, e SubmitVerification) {
	if e.DeviceID == "" || e.Code == "" {
		a.sendError("deviceId and code are required", protocol.ErrMalformedPayload, e.DeviceID)
		return
	}

	res, err := a.c.pairing.Submit(ctx, e.DeviceID, e.Code, a.userID)
	if err != nil {
		a.sendError(pairing.Message(err), pairing.ErrorCode(err), e.DeviceID)
		return
	}

	if !a.c.sendToDevice(res.DeviceID, protocol.EventVerificationSuccess, map[string]string{
		"connectionKey": res.ConnectionKey,
	}) {
		slog.Warn("pairing: device left before it could be told its key", "device", res.DeviceID)
	}
	a.peer.Send(protocol.EventVerificationSuccess, res)
}

func (a *AdminSession) disconnect() {
	if a.closed {
		return
	}
	a.closed = true
	a.c.removeAdmin(a)
	slog.Info("admin disconnected", "user", a.userID, "conn", a.peer.ID())
}

func (a *AdminSession) sendError(msg, code, deviceID string) {
	a.peer.Send(protocol.EventVerificationError, protocol.ErrorPayload{
		Error:    msg,
		Code:     code,
		DeviceID: deviceID,
	})
}
