// Package session routes decoded channel events to pairing and media, and
// owns the per-connection state of device and admin sessions.
//
// Each connection is served by one read goroutine, so a session's Handle calls
// never overlap. Shared state lives in the device registry and the admin set.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/devlink/internal/metrics"
	"github.com/nextlevelbuilder/devlink/internal/pairing"
	"github.com/nextlevelbuilder/devlink/internal/registry"
	"github.com/nextlevelbuilder/devlink/internal/store"
)

// Peer is one live connection as seen by the coordinator.
type Peer interface {
	ID() string
	Send(event string, payload interface{})
}

// MediaProxy is implemented by *media.Gateway.
type MediaProxy interface {
	SpeechToText(ctx context.Context, deviceID, audioData string) (string, error)
	TextToSpeech(ctx context.Context, deviceID, text string) (string, error)
	Chat(ctx context.Context, deviceID, text string) (string, error)
}

// Config wires a Coordinator.
type Config struct {
	Devices *registry.Registry[Peer]
	Pairing *pairing.Service
	Media   MediaProxy
	Store   store.DeviceStore
}

// Coordinator dispatches events from every connection.
type Coordinator struct {
	devices *registry.Registry[Peer]
	pairing *pairing.Service
	media   MediaProxy
	store   store.DeviceStore

	adminsMu sync.RWMutex
	admins   map[string]*AdminSession // peer id → session

	now func() time.Time
}

// NewCoordinator creates a coordinator over the given components.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		devices: cfg.Devices,
		pairing: cfg.Pairing,
		media:   cfg.Media,
		store:   cfg.Store,
		admins:  make(map[string]*AdminSession),
		now:     time.Now,
	}
}

// ConnectedDevice is one row of the devices.connected snapshot.
type ConnectedDevice struct {
	DeviceID     string    `json:"deviceId"`
	ConnectionID string    `json:"connectionId"`
	ConnectedAt  time.Time `json:"connectedAt"`
	PairingState string    `json:"pairingState"`
}

// ConnectedDevices returns the live device snapshot sorted by device id.
func (c *Coordinator) ConnectedDevices() []ConnectedDevice {
	entries := c.devices.List()
	out := make([]ConnectedDevice, 0, len(entries))
	for _, e := range entries {
		out = append(out, ConnectedDevice{
			DeviceID:     e.DeviceID,
			ConnectionID: e.Handle.ID(),
			ConnectedAt:  e.ConnectedAt,
			PairingState: c.pairing.State(e.DeviceID).String(),
		})
	}
	return out
}

// PairedDevice is one row of the paired device list sent in admin.hello.
type PairedDevice struct {
	DeviceID      string             `json:"deviceId"`
	Name          string             `json:"name"`
	Status        store.DeviceStatus `json:"status"`
	Connected     bool               `json:"connected"`
	LastConnected *time.Time         `json:"lastConnected,omitempty"`
}

// PairedDevices lists the devices owned by userID. It returns nil when the
// store cannot enumerate devices or the lookup fails.
func (c *Coordinator) PairedDevices(ctx context.Context, userID string) []PairedDevice {
	lister, ok := c.store.(store.DeviceLister)
	if !ok {
		return nil
	}
	recs, err := lister.ListByUser(ctx, userID)
	if err != nil {
		slog.Warn("session: list paired devices failed", "user", userID, "error", err)
		return nil
	}
	out := make([]PairedDevice, 0, len(recs))
	for _, r := range recs {
		out = append(out, PairedDevice{
			DeviceID:      r.DeviceID,
			Name:          r.Name,
			Status:        r.Status,
			Connected:     c.devices.IsConnected(r.DeviceID),
			LastConnected: r.LastConnected,
		})
	}
	return out
}

// Stats reports live connection counts.
func (c *Coordinator) Stats() (devices, admins int) {
	c.adminsMu.RLock()
	admins = len(c.admins)
	c.adminsMu.RUnlock()
	return c.devices.Len(), admins
}

// broadcastAdmins sends an event to every admin connection.
func (c *Coordinator) broadcastAdmins(event string, payload interface{}) {
	c.adminsMu.RLock()
	peers := make([]Peer, 0, len(c.admins))
	for _, a := range c.admins {
		peers = append(peers, a.peer)
	}
	c.adminsMu.RUnlock()

	for _, p := range peers {
		p.Send(event, payload)
	}
}

// sendToDevice delivers to the device's current connection, if any.
func (c *Coordinator) sendToDevice(deviceID, event string, payload interface{}) bool {
	peer, ok := c.devices.Lookup(deviceID)
	if !ok {
		return false
	}
	peer.Send(event, payload)
	return true
}

// markStatus records a connect or disconnect on an existing device record.
// Devices that were never paired have no record and are left alone.
func (c *Coordinator) markStatus(ctx context.Context, deviceID string, status store.DeviceStatus) {
	if c.store == nil {
		return
	}
	if err := c.store.UpdateStatus(ctx, deviceID, status, c.now()); err != nil {
		slog.Warn("session: device status update failed", "device", deviceID, "status", status, "error", err)
	}
}

func (c *Coordinator) addAdmin(a *AdminSession) {
	c.adminsMu.Lock()
	c.admins[a.peer.ID()] = a
	n := len(c.admins)
	c.adminsMu.Unlock()
	metrics.AdminConnections.Set(float64(n))
}

func (c *Coordinator) removeAdmin(a *AdminSession) {
	c.adminsMu.Lock()
	delete(c.admins, a.peer.ID())
	n := len(c.admins)
	c.adminsMu.Unlock()
	metrics.AdminConnections.Set(float64(n))
}
