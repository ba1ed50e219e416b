package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/devlink/internal/config"
	"github.com/nextlevelbuilder/devlink/internal/gateway"
	"github.com/nextlevelbuilder/devlink/pkg/protocol"
)

// adminUser is the subject used when the CLI mints its own token.
const adminUser = "cli-operator"

// eventFrame is a server frame with the payload kept raw.
type eventFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Seq     int64           `json:"seq"`
}

// adminToken returns $DEVLINK_ADMIN_TOKEN, or mints a short-lived token for
// user from the local JWT secret.
func adminToken(cfg *config.Config, user string) (string, error) {
	if tok := os.Getenv("DEVLINK_ADMIN_TOKEN"); tok != "" {
		return tok, nil
	}
	auth := gateway.NewAuthenticator(cfg.Gateway.JWTSecret, cfg.Gateway.JWTIssuer)
	if auth == nil {
		return "", fmt.Errorf("no admin token: set DEVLINK_ADMIN_TOKEN or gateway.jwt_secret")
	}
	if user == "" {
		user = adminUser
	}
	return auth.Mint(user, "devlink CLI", 5*time.Minute)
}

// gatewayAdmin connects to the running gateway's admin channel as user,
// sends one event, and returns the first reply whose name is in want.
// Broadcasts in between are skipped.
func gatewayAdmin(user, event string, payload interface{}, want ...string) (*eventFrame, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	token, err := adminToken(cfg, user)
	if err != nil {
		return nil, err
	}

	host := cfg.Gateway.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	u := url.URL{Scheme: "ws", Host: host + ":" + strconv.Itoa(cfg.Gateway.Port), Path: "/ws/admin"}

	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("gateway rejected the admin token")
		}
		return nil, fmt.Errorf("connect to gateway at %s: %w", u.String(), err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hello eventFrame
	if err := conn.ReadJSON(&hello); err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if hello.Event != protocol.EventAdminHello {
		return nil, fmt.Errorf("unexpected first event %q", hello.Event)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req := protocol.InboundFrame{Type: protocol.FrameTypeEvent, Event: event, Payload: raw}
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", event, err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var f eventFrame
		if err := conn.ReadJSON(&f); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		for _, w := range want {
			if f.Event == w {
				return &f, nil
			}
		}
	}
}

// frameError converts a verification.error / protocol.error reply to an error.
func frameError(f *eventFrame) error {
	if f.Event != protocol.EventVerificationError && f.Event != protocol.EventProtocolError {
		return nil
	}
	var p protocol.ErrorPayload
	json.Unmarshal(f.Payload, &p)
	return fmt.Errorf("%s (%s)", p.Error, p.Code)
}
