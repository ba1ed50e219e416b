package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/devlink/internal/pairing"
	"github.com/nextlevelbuilder/devlink/internal/registry"
	"github.com/nextlevelbuilder/devlink/internal/session"
	"github.com/nextlevelbuilder/devlink/internal/store"
	"github.com/nextlevelbuilder/devlink/internal/verification"
	"github.com/nextlevelbuilder/devlink/pkg/protocol"
)

type memDevices struct {
	mu      sync.Mutex
	records map[string]store.DeviceRecord
}

func (m *memDevices) FindByDeviceID(_ context.Context, id string) (*store.DeviceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memDevices) Create(_ context.Context, d *store.DeviceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = store.GenNewID()
	m.records[d.DeviceID] = *d
	return nil
}

func (m *memDevices) Update(_ context.Context, d *store.DeviceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[d.DeviceID] = *d
	return nil
}

func (m *memDevices) UpdateStatus(_ context.Context, id string, status store.DeviceStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil
	}
	rec.Status = status
	if status == store.DeviceStatusConnected {
		rec.LastConnected = &at
	} else {
		rec.LastDisconnected = &at
	}
	m.records[id] = rec
	return nil
}

type testEnv struct {
	srv     *httptest.Server
	auth    *Authenticator
	records *memDevices
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	codes := verification.NewMemoryStore()
	t.Cleanup(func() { codes.Close() })

	devices := registry.New[session.Peer]()
	records := &memDevices{records: make(map[string]store.DeviceRecord)}
	svc := pairing.NewService(codes, records, devices, pairing.Config{MaxAttempts: pairing.DefaultMaxAttempts})
	coord := session.NewCoordinator(session.Config{
		Devices: devices,
		Pairing: svc,
		Store:   records,
	})

	auth := NewAuthenticator("test-secret", "devlink")
	s := NewServer(Config{}, coord, auth)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, auth: auth, records: records}
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
}

type wsConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, url string, header http.Header) *wsConn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsConn{t: t, conn: conn}
}

func (c *wsConn) send(event string, payload interface{}) {
	c.t.Helper()
	p, _ := json.Marshal(payload)
	if err := c.conn.WriteJSON(protocol.InboundFrame{Type: protocol.FrameTypeEvent, Event: event, Payload: p}); err != nil {
		c.t.Fatalf("write %s: %v", event, err)
	}
}

type recvFrame struct {
	Type    string                 `json:"type"`
	Event   string                 `json:"event"`
	Payload map[string]interface{} `json:"payload"`
	Seq     int64                  `json:"seq"`
}

// expect reads frames until one named event arrives, skipping others.
func (c *wsConn) expect(event string) recvFrame {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f recvFrame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.t.Fatalf("waiting for %s: %v", event, err)
		}
		if f.Event == event {
			return f
		}
	}
}

func TestServer_PairingOverWebSocket(t *testing.T) {
	env := newTestEnv(t)
	tok, _ := env.auth.Mint("user-42", "", time.Hour)

	admin := dial(t, env.wsURL("/ws/admin"), http.Header{"Authorization": {"Bearer " + tok}})
	hello := admin.expect(protocol.EventAdminHello)
	if hello.Payload["userId"] != "user-42" {
		t.Errorf("hello userId = %v", hello.Payload["userId"])
	}

	dev := dial(t, env.wsURL("/ws/device"), nil)
	dev.send(protocol.EventDeviceRegister, map[string]string{"deviceId": "dev-001"})
	reg := dev.expect(protocol.EventDeviceRegistered)
	if reg.Type != protocol.FrameTypeEvent || reg.Seq != 1 {
		t.Errorf("registered frame = %+v", reg)
	}
	admin.expect(protocol.EventDeviceConnected)

	admin.send(protocol.EventVerificationRequest, map[string]string{"deviceId": "dev-001"})
	dev.expect(protocol.EventVerificationCodeReq)
	admin.expect(protocol.EventVerificationRequested)

	dev.send(protocol.EventVerificationCodeGenerated, map[string]string{"deviceId": "dev-001", "code": "482913"})
	dev.expect(protocol.EventVerificationCodeStored)

	admin.send(protocol.EventVerificationSubmit, map[string]string{"deviceId": "dev-001", "code": "482913"})
	adminRes := admin.expect(protocol.EventVerificationSuccess)
	devRes := dev.expect(protocol.EventVerificationSuccess)

	key, _ := devRes.Payload["connectionKey"].(string)
	if len(key) != 32 {
		t.Errorf("connectionKey = %q", key)
	}
	if adminRes.Payload["connectionKey"] != key {
		t.Errorf("admin key %v != device key %v", adminRes.Payload["connectionKey"], key)
	}
	if adminRes.Payload["deviceName"] != "Device-dev-00" {
		t.Errorf("deviceName = %v", adminRes.Payload["deviceName"])
	}

	rec, _ := env.records.FindByDeviceID(context.Background(), "dev-001")
	if rec == nil || rec.UserID == nil || *rec.UserID != "user-42" || rec.ConnectionKey != key {
		t.Errorf("record = %+v", rec)
	}

	dev.conn.Close()
	gone := admin.expect(protocol.EventDeviceDisconnected)
	if gone.Payload["deviceId"] != "dev-001" {
		t.Errorf("disconnected deviceId = %v", gone.Payload["deviceId"])
	}
}

func TestServer_AdminQueryToken(t *testing.T) {
	env := newTestEnv(t)
	tok, _ := env.auth.Mint("user-9", "", time.Hour)

	admin := dial(t, env.wsURL("/ws/admin?token="+tok), nil)
	admin.expect(protocol.EventAdminHello)
}

func TestServer_AdminUnauthorized(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/ws/admin", "/ws/admin?token=bogus"} {
		_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(path), nil)
		if err == nil {
			t.Fatalf("%s: expected dial failure", path)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: resp = %v, want 401", path, resp)
		}
	}
}

func TestServer_BinaryFrameRejected(t *testing.T) {
	env := newTestEnv(t)
	dev := dial(t, env.wsURL("/ws/device"), nil)

	if err := dev.conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := dev.expect(protocol.EventProtocolError)
	if f.Payload["code"] != protocol.ErrMalformedPayload {
		t.Errorf("code = %v", f.Payload["code"])
	}
}

func TestServer_Healthz(t *testing.T) {
	env := newTestEnv(t)
	dev := dial(t, env.wsURL("/ws/device"), nil)
	dev.send(protocol.EventDeviceRegister, map[string]string{"deviceId": "dev-h"})
	dev.expect(protocol.EventDeviceRegistered)

	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["devices"] != float64(1) {
		t.Errorf("healthz = %v", body)
	}
}

func TestServer_Metrics(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "devlink_device_connections") {
		t.Error("device connection gauge not exported")
	}
}

func TestCheckOrigin(t *testing.T) {
	s := NewServer(Config{AllowedOrigins: []string{"https://console.example"}}, nil, nil)

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://console.example", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws/admin", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := s.checkOrigin(r); got != tt.want {
			t.Errorf("origin %q: got %v, want %v", tt.origin, got, tt.want)
		}
	}
}
