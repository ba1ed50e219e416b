package session

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/devlink/internal/media"
	"github.com/nextlevelbuilder/devlink/internal/pairing"
	"github.com/nextlevelbuilder/devlink/internal/registry"
	"github.com/nextlevelbuilder/devlink/internal/store"
	"github.com/nextlevelbuilder/devlink/internal/verification"
	"github.com/nextlevelbuilder/devlink/pkg/protocol"
)

type sent struct {
	event   string
	payload interface{}
}

type fakePeer struct {
	id  string
	mu  sync.Mutex
	out []sent
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(event string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, sent{event, payload})
}

// last returns the payload of the most recent event named event, as a
// generic JSON map.
func (p *fakePeer) last(t *testing.T, event string) map[string]interface{} {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.out) - 1; i >= 0; i-- {
		if p.out[i].event == event {
			b, _ := json.Marshal(p.out[i].payload)
			var m map[string]interface{}
			json.Unmarshal(b, &m)
			return m
		}
	}
	t.Fatalf("peer %s never received %s (got %v)", p.id, event, p.events())
	return nil
}

func (p *fakePeer) count(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.out {
		if s.event == event {
			n++
		}
	}
	return n
}

func (p *fakePeer) events() []string {
	names := make([]string, len(p.out))
	for i, s := range p.out {
		names[i] = s.event
	}
	return names
}

type memDevices struct {
	mu      sync.Mutex
	records map[string]store.DeviceRecord
	updates int
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
	m.updates++
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

func (m *memDevices) ListByUser(_ context.Context, userID string) ([]store.DeviceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.DeviceRecord
	for _, rec := range m.records {
		if rec.UserID != nil && *rec.UserID == userID {
			rec.ConnectionKey = ""
			out = append(out, rec)
		}
	}
	return out, nil
}

type fakeMedia struct {
	err error
}

func (f *fakeMedia) SpeechToText(_ context.Context, deviceID, audio string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "transcript of " + audio, nil
}

func (f *fakeMedia) TextToSpeech(_ context.Context, deviceID, text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "QVVESU8=", nil
}

func (f *fakeMedia) Chat(_ context.Context, deviceID, text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "reply to " + text, nil
}

type harness struct {
	coord   *Coordinator
	devices *registry.Registry[Peer]
	records *memDevices
	media   *fakeMedia
	codes   *verification.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	codes := verification.NewMemoryStore()
	t.Cleanup(func() { codes.Close() })

	h := &harness{
		devices: registry.New[Peer](),
		records: &memDevices{records: make(map[string]store.DeviceRecord)},
		media:   &fakeMedia{},
		codes:   codes,
	}
	svc := pairing.NewService(codes, h.records, h.devices, pairing.Config{MaxAttempts: pairing.DefaultMaxAttempts})
	h.coord = NewCoordinator(Config{
		Devices: h.devices,
		Pairing: svc,
		Media:   h.media,
		Store:   h.records,
	})
	return h
}

func frame(t *testing.T, event string, payload interface{}) []byte {
	t.Helper()
	p, _ := json.Marshal(payload)
	b, _ := json.Marshal(protocol.InboundFrame{Type: protocol.FrameTypeEvent, Event: event, Payload: p})
	return b
}

var hex32 = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestPairingScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	admin := &fakePeer{id: "admin-1"}
	a := h.coord.OpenAdmin(ctx, admin, "user-42")
	admin.last(t, protocol.EventAdminHello)

	dev := &fakePeer{id: "conn-1"}
	d := h.coord.OpenDevice(dev)
	d.HandleFrame(ctx, frame(t, protocol.EventDeviceRegister, map[string]string{"deviceId": "dev-001"}))

	if got := dev.last(t, protocol.EventDeviceRegistered)["deviceId"]; got != "dev-001" {
		t.Errorf("registered deviceId = %v", got)
	}
	if got := admin.last(t, protocol.EventDeviceConnected)["deviceId"]; got != "dev-001" {
		t.Errorf("admin broadcast deviceId = %v", got)
	}

	a.HandleFrame(ctx, frame(t, protocol.EventVerificationRequest, map[string]string{"deviceId": "dev-001"}))
	dev.last(t, protocol.EventVerificationCodeReq)
	admin.last(t, protocol.EventVerificationRequested)

	d.HandleFrame(ctx, frame(t, protocol.EventVerificationCodeGenerated, map[string]string{"deviceId": "dev-001", "code": "482913"}))
	dev.last(t, protocol.EventVerificationCodeStored)

	a.HandleFrame(ctx, frame(t, protocol.EventVerificationSubmit, map[string]string{"deviceId": "dev-001", "code": "482913"}))

	adminRes := admin.last(t, protocol.EventVerificationSuccess)
	devRes := dev.last(t, protocol.EventVerificationSuccess)
	key, _ := devRes["connectionKey"].(string)
	if !hex32.MatchString(key) {
		t.Fatalf("device key = %q", key)
	}
	if adminRes["connectionKey"] != key {
		t.Errorf("admin key %v != device key %s", adminRes["connectionKey"], key)
	}
	if adminRes["deviceId"] != "dev-001" || adminRes["deviceName"] != "Device-dev-00" {
		t.Errorf("admin result = %v", adminRes)
	}

	rec := h.records.records["dev-001"]
	if rec.UserID == nil || *rec.UserID != "user-42" || rec.ConnectionKey != key {
		t.Errorf("record = %+v", rec)
	}
}

func TestRequestVerification_UnknownDevice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	admin := &fakePeer{id: "admin-1"}
	a := h.coord.OpenAdmin(ctx, admin, "user-42")
	a.Handle(ctx, RequestVerification{DeviceID: "dev-999"})

	errPayload := admin.last(t, protocol.EventVerificationError)
	if errPayload["code"] != protocol.ErrNotConnected || errPayload["deviceId"] != "dev-999" {
		t.Errorf("error payload = %v", errPayload)
	}
	if h.codes.Len() != 0 {
		t.Error("no code should be allocated for an unknown device")
	}
}

func TestSubmit_WrongCodeGoesOnlyToAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	admin := &fakePeer{id: "admin-1"}
	a := h.coord.OpenAdmin(ctx, admin, "user-42")
	dev := &fakePeer{id: "conn-1"}
	d := h.coord.OpenDevice(dev)
	d.Handle(ctx, Register{DeviceID: "dev-001"})
	d.Handle(ctx, CodeGenerated{Code: "482913"})

	a.Handle(ctx, SubmitVerification{DeviceID: "dev-001", Code: "111111"})
	if got := admin.last(t, protocol.EventVerificationError)["code"]; got != protocol.ErrCodeMismatch {
		t.Errorf("code = %v", got)
	}
	if dev.count(protocol.EventVerificationSuccess) != 0 || dev.count(protocol.EventVerificationError) != 0 {
		t.Error("device must not learn about a failed submission")
	}
}

func TestSupersededConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin := &fakePeer{id: "admin-1"}
	h.coord.OpenAdmin(ctx, admin, "user-42")

	first := &fakePeer{id: "conn-1"}
	second := &fakePeer{id: "conn-2"}
	d1 := h.coord.OpenDevice(first)
	d2 := h.coord.OpenDevice(second)
	d1.Handle(ctx, Register{DeviceID: "dev-001"})
	d2.Handle(ctx, Register{DeviceID: "dev-001"})

	d1.Close(ctx)

	peer, ok := h.devices.Lookup("dev-001")
	if !ok || peer != Peer(second) {
		t.Fatalf("lookup = %v, %v; want second connection", peer, ok)
	}
	if admin.count(protocol.EventDeviceDisconnected) != 0 {
		t.Error("closing a superseded connection must not announce a disconnect")
	}

	d2.Close(ctx)
	if h.devices.IsConnected("dev-001") {
		t.Error("device should be gone after its live connection closes")
	}
	if admin.count(protocol.EventDeviceDisconnected) != 1 {
		t.Errorf("disconnect broadcasts = %d, want 1", admin.count(protocol.EventDeviceDisconnected))
	}
}

func TestSupersededConnectionCannotActAsDevice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin := &fakePeer{id: "admin-1"}
	a := h.coord.OpenAdmin(ctx, admin, "user-42")

	stale := &fakePeer{id: "conn-1"}
	live := &fakePeer{id: "conn-2"}
	d1 := h.coord.OpenDevice(stale)
	d2 := h.coord.OpenDevice(live)
	d1.Handle(ctx, Register{DeviceID: "dev-001"})
	d2.Handle(ctx, Register{DeviceID: "dev-001"})

	a.Handle(ctx, RequestVerification{DeviceID: "dev-001"})
	d2.Handle(ctx, CodeGenerated{Code: "482913"})
	live.last(t, protocol.EventVerificationCodeStored)

	d1.Handle(ctx, CodeGenerated{Code: "111111"})
	res := stale.last(t, protocol.EventVerificationError)
	if res["code"] != protocol.ErrNotConnected || res["deviceId"] != "dev-001" {
		t.Errorf("stale code result = %v", res)
	}
	if stale.count(protocol.EventVerificationCodeStored) != 0 {
		t.Error("stale connection must not store a code")
	}

	a.Handle(ctx, SubmitVerification{DeviceID: "dev-001", Code: "482913"})
	admin.last(t, protocol.EventVerificationSuccess)
	live.last(t, protocol.EventVerificationSuccess)
	if stale.count(protocol.EventVerificationSuccess) != 0 {
		t.Error("stale connection must not receive the connection key")
	}

	d1.Handle(ctx, Chat{Text: "hello"})
	res = stale.last(t, protocol.EventChatResult)
	if res["success"] != false || res["code"] != protocol.ErrNotConnected {
		t.Errorf("stale chat result = %v", res)
	}
	d1.Handle(ctx, SpeechToText{AudioData: "UklGRg=="})
	if res := stale.last(t, protocol.EventASRResult); res["code"] != protocol.ErrNotConnected {
		t.Errorf("stale asr result = %v", res)
	}
}

func TestStatusChangesKeepPairing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin := &fakePeer{id: "admin-1"}
	a := h.coord.OpenAdmin(ctx, admin, "user-42")

	dev := &fakePeer{id: "conn-1"}
	d := h.coord.OpenDevice(dev)
	d.Handle(ctx, Register{DeviceID: "dev-001"})
	a.Handle(ctx, RequestVerification{DeviceID: "dev-001"})
	d.Handle(ctx, CodeGenerated{Code: "482913"})
	a.Handle(ctx, SubmitVerification{DeviceID: "dev-001", Code: "482913"})
	key, _ := dev.last(t, protocol.EventVerificationSuccess)["connectionKey"].(string)

	h.records.mu.Lock()
	before := h.records.updates
	h.records.mu.Unlock()

	for i := 0; i < 3; i++ {
		d.Handle(ctx, DeviceDisconnect{})
		d = h.coord.OpenDevice(&fakePeer{id: "conn-next"})
		d.Handle(ctx, Register{DeviceID: "dev-001"})
	}

	h.records.mu.Lock()
	defer h.records.mu.Unlock()
	if h.records.updates != before {
		t.Errorf("status changes issued %d full-record updates, want 0", h.records.updates-before)
	}
	rec := h.records.records["dev-001"]
	if rec.UserID == nil || *rec.UserID != "user-42" || rec.ConnectionKey != key {
		t.Errorf("pairing lost after status changes: %+v", rec)
	}
	if rec.Status != store.DeviceStatusConnected {
		t.Errorf("status = %q", rec.Status)
	}
}

func TestDisconnectUpdatesRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := "user-42"
	h.records.records["dev-001"] = store.DeviceRecord{
		ID: "rec-1", DeviceID: "dev-001", Name: "Lamp", UserID: &user, Status: store.DeviceStatusDisconnected,
	}

	d := h.coord.OpenDevice(&fakePeer{id: "conn-1"})
	d.Handle(ctx, Register{DeviceID: "dev-001"})
	if rec := h.records.records["dev-001"]; rec.Status != store.DeviceStatusConnected || rec.LastConnected == nil {
		t.Errorf("after register: %+v", rec)
	}

	d.Handle(ctx, DeviceDisconnect{})
	rec := h.records.records["dev-001"]
	if rec.Status != store.DeviceStatusDisconnected || rec.LastDisconnected == nil {
		t.Errorf("after disconnect: %+v", rec)
	}

	// Unknown devices get no record.
	d2 := h.coord.OpenDevice(&fakePeer{id: "conn-2"})
	d2.Handle(ctx, Register{DeviceID: "dev-new"})
	d2.Close(ctx)
	if _, ok := h.records.records["dev-new"]; ok {
		t.Error("register must not create records")
	}
}

func TestMediaEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dev := &fakePeer{id: "conn-1"}
	d := h.coord.OpenDevice(dev)
	d.Handle(ctx, Register{DeviceID: "dev-001"})

	d.Handle(ctx, SpeechToText{AudioData: "UklGRg=="})
	res := dev.last(t, protocol.EventASRResult)
	if res["success"] != true || res["text"] != "transcript of UklGRg==" || res["deviceId"] != "dev-001" {
		t.Errorf("asr result = %v", res)
	}

	d.Handle(ctx, TextToSpeech{DeviceID: "dev-001", Text: "hi"})
	if res := dev.last(t, protocol.EventTTSResult); res["audioData"] != "QVVESU8=" {
		t.Errorf("tts result = %v", res)
	}

	d.Handle(ctx, Chat{Text: "hello"})
	if res := dev.last(t, protocol.EventChatResult); res["reply"] != "reply to hello" {
		t.Errorf("chat result = %v", res)
	}

	d.Handle(ctx, Chat{DeviceID: "dev-002", Text: "spoof"})
	if res := dev.last(t, protocol.EventChatResult); res["success"] != false || res["code"] != protocol.ErrMalformedPayload {
		t.Errorf("mismatched device id result = %v", res)
	}
}

func TestMediaFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.media.err = &media.ProxyError{
		Kind:     media.KindProviderFailure,
		Op:       media.OpSpeechToText,
		DeviceID: "dev-001",
		Elapsed:  time.Second,
		Message:  "speech recognition failed",
	}
	dev := &fakePeer{id: "conn-1"}
	d := h.coord.OpenDevice(dev)
	d.Handle(ctx, Register{DeviceID: "dev-001"})

	d.Handle(ctx, SpeechToText{AudioData: "UklGRg=="})
	res := dev.last(t, protocol.EventASRResult)
	if res["success"] != false || res["code"] != protocol.ErrProviderFailure || res["error"] != "speech recognition failed" {
		t.Errorf("result = %v", res)
	}
	if res["deviceId"] != "dev-001" {
		t.Errorf("deviceId = %v", res["deviceId"])
	}
}

func TestUnregisteredDeviceEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dev := &fakePeer{id: "conn-1"}
	d := h.coord.OpenDevice(dev)

	d.Handle(ctx, CodeGenerated{DeviceID: "dev-001", Code: "123456"})
	if got := dev.last(t, protocol.EventVerificationError)["code"]; got != protocol.ErrNotConnected {
		t.Errorf("code = %v", got)
	}
	if h.codes.Len() != 0 {
		t.Error("unregistered connection must not store codes")
	}
}

func TestMalformedFrames(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dev := &fakePeer{id: "conn-1"}
	d := h.coord.OpenDevice(dev)

	d.HandleFrame(ctx, []byte(`not json`))
	d.HandleFrame(ctx, []byte(`{"type":"req","event":"device.register"}`))
	d.HandleFrame(ctx, frame(t, "device.explode", map[string]string{}))
	d.HandleFrame(ctx, []byte(`{"type":"event","event":"device.register"}`))
	if n := dev.count(protocol.EventProtocolError); n != 4 {
		t.Errorf("protocol errors = %d, want 4", n)
	}

	d.Handle(ctx, Register{DeviceID: ""})
	if got := dev.last(t, protocol.EventDeviceRegisterError)["code"]; got != protocol.ErrMalformedPayload {
		t.Errorf("register error code = %v", got)
	}
}

func TestMalformedAdminFrameKeepsDeviceID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin := &fakePeer{id: "admin-1"}
	a := h.coord.OpenAdmin(ctx, admin, "user-42")

	a.HandleFrame(ctx, []byte(`{"type":"event","event":"verification.submit","payload":{"deviceId":"dev-001","code":482913}}`))
	res := admin.last(t, protocol.EventProtocolError)
	if res["code"] != protocol.ErrMalformedPayload || res["deviceId"] != "dev-001" {
		t.Errorf("protocol error = %v", res)
	}

	a.HandleFrame(ctx, []byte(`{"type":"event","event":"verification.request","payload":"dev-001"}`))
	if res := admin.last(t, protocol.EventProtocolError); res["deviceId"] != nil {
		t.Errorf("deviceId = %v, want omitted for a non-object payload", res["deviceId"])
	}

	dev := &fakePeer{id: "conn-1"}
	d := h.coord.OpenDevice(dev)
	d.HandleFrame(ctx, []byte(`{"type":"event","event":"media.chat","payload":{"deviceId":"dev-002","text":7}}`))
	if res := dev.last(t, protocol.EventProtocolError); res["deviceId"] != "dev-002" {
		t.Errorf("device protocol error = %v", res)
	}
}

func TestListDevices(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"dev-b", "dev-a"} {
		h.coord.OpenDevice(&fakePeer{id: "conn-" + id}).Handle(ctx, Register{DeviceID: id})
	}

	admin := &fakePeer{id: "admin-1"}
	a := h.coord.OpenAdmin(ctx, admin, "user-42")
	a.HandleFrame(ctx, frame(t, protocol.EventDevicesList, nil))

	admin.mu.Lock()
	var list []ConnectedDevice
	for i := len(admin.out) - 1; i >= 0; i-- {
		if admin.out[i].event == protocol.EventDevicesConnected {
			list = admin.out[i].payload.([]ConnectedDevice)
			break
		}
	}
	admin.mu.Unlock()

	if len(list) != 2 || list[0].DeviceID != "dev-a" || list[1].ConnectionID != "conn-dev-b" {
		t.Errorf("list = %+v", list)
	}
	if list[0].PairingState != "idle" {
		t.Errorf("pairing state = %s", list[0].PairingState)
	}

	devs, admins := h.coord.Stats()
	if devs != 2 || admins != 1 {
		t.Errorf("stats = %d devices, %d admins", devs, admins)
	}
	a.Close(ctx)
	a.Close(ctx)
	if _, admins := h.coord.Stats(); admins != 0 {
		t.Errorf("admins after close = %d", admins)
	}
}

func TestAdminHelloListsPairedDevices(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner, other := "user-42", "user-7"
	h.records.records["dev-001"] = store.DeviceRecord{ID: "rec-1", DeviceID: "dev-001", Name: "Lamp", UserID: &owner, ConnectionKey: "secret"}
	h.records.records["dev-002"] = store.DeviceRecord{ID: "rec-2", DeviceID: "dev-002", Name: "Fan", UserID: &other}
	h.coord.OpenDevice(&fakePeer{id: "conn-1"}).Handle(ctx, Register{DeviceID: "dev-001"})

	admin := &fakePeer{id: "admin-1"}
	h.coord.OpenAdmin(ctx, admin, owner)

	paired, ok := admin.last(t, protocol.EventAdminHello)["pairedDevices"].([]interface{})
	if !ok || len(paired) != 1 {
		t.Fatalf("pairedDevices = %v", paired)
	}
	d := paired[0].(map[string]interface{})
	if d["deviceId"] != "dev-001" || d["name"] != "Lamp" || d["connected"] != true {
		t.Errorf("paired device = %v", d)
	}
	if _, leaked := d["connectionKey"]; leaked {
		t.Error("hello must not carry connection keys")
	}

	// A store that cannot list devices leaves the field out.
	c := NewCoordinator(Config{Devices: h.devices, Pairing: h.coord.pairing, Store: struct{ store.DeviceStore }{h.records}})
	plain := &fakePeer{id: "admin-2"}
	c.OpenAdmin(ctx, plain, owner)
	if _, ok := plain.last(t, protocol.EventAdminHello)["pairedDevices"]; ok {
		t.Error("pairedDevices should be omitted without a lister")
	}
}

func TestDecodeAdminEvent(t *testing.T) {
	ev, err := DecodeAdminEvent([]byte(`{"type":"event","event":"verification.submit","payload":{"deviceId":"dev-001","code":"482913"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	sub, ok := ev.(SubmitVerification)
	if !ok || sub.DeviceID != "dev-001" || sub.Code != "482913" {
		t.Errorf("event = %#v", ev)
	}

	if _, err := DecodeAdminEvent([]byte(`{"type":"event","event":"device.register","payload":{}}`)); err == nil {
		t.Error("device events must not decode on the admin channel")
	}
}
