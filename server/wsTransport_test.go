package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/glassbridge/client"
	"github.com/mbocsi/glassbridge/identity"
	"github.com/mbocsi/glassbridge/proto"
	"github.com/mbocsi/glassbridge/session"
)

func newTestGateway(t *testing.T, opts GatewayOptions) (*Gateway, *httptest.Server) {
	t.Helper()
	g := NewGateway(opts)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(func() {
		g.Shutdown()
		srv.Close()
	})
	return g, srv
}

func endpointFor(t *testing.T, srv *httptest.Server, path, password string) client.Endpoint {
	t.Helper()
	ep, err := client.ParseEndpoint(srv.URL + path)
	if err != nil {
		t.Fatalf("ParseEndpoint: %v", err)
	}
	ep.Password = password
	return ep
}

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return id
}

func connectClient(t *testing.T, ep client.Endpoint) *client.Client {
	t.Helper()
	c := client.NewClient(client.NewMux(client.MuxConfig{}), newIdentity(t), client.Config{Endpoint: ep})
	t.Cleanup(c.Disconnect)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitAuthenticated(t *testing.T, c *client.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.WaitForState(ctx, client.StateAuthenticated); err != nil {
		t.Fatalf("WaitForState: %v", err)
	}
}

func dialRaw(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) proto.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	env, err := proto.ParseEnvelope(data)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	return env
}

func sendRequest(t *testing.T, conn *websocket.Conn, id proto.RequestID, method string, params any) {
	t.Helper()
	req, err := proto.NewRequest(id, method, params)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	data, _ := req.Marshal()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func signedConnect(id *identity.Identity, nonce string, ts int64, password string) proto.ConnectParams {
	return proto.ConnectParams{
		MinProtocol: proto.ProtocolVersion,
		MaxProtocol: proto.ProtocolVersion,
		Client:      proto.ClientInfo{ID: proto.ClientID, Version: proto.ClientVersion, Platform: "test", Mode: proto.ClientMode},
		Device: proto.DeviceAuth{
			ID:        id.DeviceID(),
			PublicKey: id.PublicKeyBase64(),
			Signature: id.SignChallenge(nonce, ts),
			SignedAt:  ts,
			Nonce:     nonce,
		},
		Role:   proto.RoleOperator,
		Scopes: []string{},
		Caps:   []string{},
		Auth:   proto.AuthInfo{Password: password},
	}
}

func readChallenge(t *testing.T, conn *websocket.Conn) proto.ChallengePayload {
	t.Helper()
	env := readEnvelope(t, conn)
	if env.Type != proto.TypeEvent || env.Event != proto.EventConnectChallenge {
		t.Fatalf("Expected connect challenge, got %+v", env)
	}
	var challenge proto.ChallengePayload
	if err := env.ParsePayload(&challenge); err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if challenge.Nonce == "" || challenge.TS == nil {
		t.Fatalf("Expected nonce and timestamp, got %+v", challenge)
	}
	return challenge
}

func TestGateway_ClientHandshakeAndChat(t *testing.T) {
	g, srv := newTestGateway(t, GatewayOptions{Password: "pw"})
	c := connectClient(t, endpointFor(t, srv, "/ws", "pw"))
	waitAuthenticated(t, c)

	if err := c.SendChat("hi there"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	waitFor(t, "streamed reply", func() bool {
		last, ok := c.Transcript().Last()
		return ok && last.Role == client.RoleAssistant && last.Text == "You said: hi there"
	})

	peers := g.Peers()
	if len(peers) != 1 {
		t.Fatalf("Expected one peer, got %d", len(peers))
	}
	if !peers[0].Authenticated || peers[0].DeviceID != c.Identity().DeviceID() {
		t.Errorf("Unexpected peer %+v", peers[0])
	}
	if peers[0].ChatMessages != 1 {
		t.Errorf("Expected one chat message, got %d", peers[0].ChatMessages)
	}
}

func TestGateway_WrongPasswordStallsHandshake(t *testing.T) {
	_, srv := newTestGateway(t, GatewayOptions{Password: "pw"})
	c := connectClient(t, endpointFor(t, srv, "/ws", "nope"))

	waitFor(t, "error message", func() bool {
		last, ok := c.Transcript().Last()
		return ok && last.Text == "Error: invalid password"
	})
	if c.State() != client.StateConnectSent {
		t.Errorf("Expected handshake stuck at %s, got %s", client.StateConnectSent, c.State())
	}
}

func TestGateway_PasswordInAuthField(t *testing.T) {
	_, srv := newTestGateway(t, GatewayOptions{Password: "pw"})
	conn := dialRaw(t, srv, "/ws")
	challenge := readChallenge(t, conn)
	id := newIdentity(t)

	sendRequest(t, conn, "1", proto.MethodConnect, signedConnect(id, challenge.Nonce, *challenge.TS, "pw"))
	res := readEnvelope(t, conn)
	if res.Type != proto.TypeResponse || res.ID != "1" || res.Error != nil {
		t.Fatalf("Expected successful response, got %+v", res)
	}
	if res.OK == nil || !*res.OK {
		t.Error("Expected ok=true")
	}
}

func TestGateway_RejectsBadHandshakes(t *testing.T) {
	tests := []struct {
		name   string
		params func(id *identity.Identity, c proto.ChallengePayload) proto.ConnectParams
	}{
		{
			name: "wrong nonce",
			params: func(id *identity.Identity, c proto.ChallengePayload) proto.ConnectParams {
				return signedConnect(id, "other", *c.TS, "")
			},
		},
		{
			name: "stale timestamp",
			params: func(id *identity.Identity, c proto.ChallengePayload) proto.ConnectParams {
				return signedConnect(id, c.Nonce, *c.TS-time.Hour.Milliseconds(), "")
			},
		},
		{
			name: "signature from another key",
			params: func(id *identity.Identity, c proto.ChallengePayload) proto.ConnectParams {
				p := signedConnect(id, c.Nonce, *c.TS, "")
				other, _ := identity.Generate()
				p.Device.Signature = other.SignChallenge(c.Nonce, *c.TS)
				return p
			},
		},
		{
			name: "unsupported protocol",
			params: func(id *identity.Identity, c proto.ChallengePayload) proto.ConnectParams {
				p := signedConnect(id, c.Nonce, *c.TS, "")
				p.MinProtocol, p.MaxProtocol = 1, 2
				return p
			},
		},
	}

	_, srv := newTestGateway(t, GatewayOptions{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dialRaw(t, srv, "/ws")
			challenge := readChallenge(t, conn)
			sendRequest(t, conn, "1", proto.MethodConnect, tt.params(newIdentity(t), challenge))

			res := readEnvelope(t, conn)
			if res.Error == nil || res.Error.Code != CodeUnauthorized {
				t.Errorf("Expected %s error, got %+v", CodeUnauthorized, res)
			}
		})
	}
}

func TestGateway_RequiresConnectFirst(t *testing.T) {
	_, srv := newTestGateway(t, GatewayOptions{})
	conn := dialRaw(t, srv, "/ws")
	readChallenge(t, conn)

	sendRequest(t, conn, "1", proto.MethodChatSend, proto.ChatSendParams{SessionKey: "main", Message: "hi"})
	res := readEnvelope(t, conn)
	if res.Error == nil || res.Error.Message != "connect first" {
		t.Errorf("Expected connect first error, got %+v", res)
	}
}

func TestGateway_StatusAndUnknownMethod(t *testing.T) {
	_, srv := newTestGateway(t, GatewayOptions{})
	c := connectClient(t, endpointFor(t, srv, "/ws", ""))
	waitAuthenticated(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := c.Call(ctx, proto.MethodStatus, nil)
	if err != nil {
		t.Fatalf("Call status: %v", err)
	}
	var status proto.StatusPayload
	if err := res.ParsePayload(&status); err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if status.Peers != 1 || status.Authenticated != 1 || status.DeviceID != c.Identity().DeviceID() {
		t.Errorf("Unexpected status %+v", status)
	}

	_, err = c.Call(ctx, "agents.list", nil)
	var respErr *client.ResponseError
	if !errors.As(err, &respErr) || respErr.Code != CodeMethodNotFound {
		t.Errorf("Expected %s, got %v", CodeMethodNotFound, err)
	}
}

func TestGateway_MediaLoopback(t *testing.T) {
	g, srv := newTestGateway(t, GatewayOptions{Password: "pw"})

	bad := client.NewMux(client.MuxConfig{})
	if err := bad.Connect(context.Background(), endpointFor(t, srv, "/media", "wrong")); err == nil {
		bad.Disconnect()
		t.Fatal("Expected media connection with wrong password to fail")
	}

	m := client.NewMux(client.MuxConfig{})
	if err := m.Connect(context.Background(), endpointFor(t, srv, "/media", "pw")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer m.Disconnect()

	m.SendBinary(proto.FrameVideo, []byte{0xFF, 0xD8})
	m.SendBinary(proto.FrameAudio, []byte{1, 2, 3})

	select {
	case msg := <-m.Recv():
		if msg.Kind != client.BinaryMessage || !bytes.Equal(msg.Data, []byte{1, 2, 3}) {
			t.Errorf("Expected looped back audio, got %s %x", msg.Kind, msg.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("No audio looped back")
	}

	waitFor(t, "frame counts", func() bool {
		peers := g.Peers()
		return len(peers) == 1 && peers[0].VideoFrames == 1 && peers[0].AudioFrames == 1
	})
}

type capturePlayer struct {
	mu     sync.Mutex
	played [][]byte
}

func (p *capturePlayer) Start() error { return nil }

func (p *capturePlayer) Play(pcm []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, pcm)
}

func (p *capturePlayer) Stop() {}

func (p *capturePlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.played)
}

type chanMicrophone chan []byte

func (m chanMicrophone) Start(ctx context.Context) (<-chan []byte, error) { return m, nil }

func (m chanMicrophone) Stop() {}

func TestGateway_SessionRoundTrip(t *testing.T) {
	g, srv := newTestGateway(t, GatewayOptions{})
	player := &capturePlayer{}
	mic := make(chanMicrophone)

	s, err := session.New(session.Config{
		Endpoint:   endpointFor(t, srv, "/media", ""),
		Transport:  client.NewMux(client.MuxConfig{}),
		Microphone: mic,
		Player:     player,
		Hardware:   session.NewStaticHardware(true),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	for i := 0; i < 3; i++ {
		mic <- []byte{byte(i), 0}
	}
	waitFor(t, "audio loopback", func() bool { return player.count() == 3 })

	st := s.Status()
	if st.AudioChunksSent != 3 || st.AudioChunksPlayed != 3 || !st.GlassesConnected {
		t.Errorf("Unexpected status %+v", st)
	}

	g.Shutdown()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Session did not end when the gateway went away")
	}
	if !errors.Is(s.Err(), session.ErrTransportClosed) {
		t.Errorf("Expected ErrTransportClosed, got %v", s.Err())
	}
}

func TestGateway_MaxClients(t *testing.T) {
	_, srv := newTestGateway(t, GatewayOptions{MaxClients: 1})
	dialRaw(t, srv, "/ws")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	waitFor(t, "first peer registered", func() bool {
		resp, err := http.Get(srv.URL + "/peers")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		return strings.Contains(buf.String(), `"id"`)
	})

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Expected second connection to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %v", resp)
	}
}

func TestGateway_HTTPEndpoints(t *testing.T) {
	_, srv := newTestGateway(t, GatewayOptions{})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Unexpected health response %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	resp, err = http.Get(srv.URL + "/peers/missing")
	if err != nil {
		t.Fatalf("GET /peers/missing: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestGateway_StartAndShutdown(t *testing.T) {
	g := NewGateway(GatewayOptions{Addr: "127.0.0.1:0"})
	addr, err := g.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- g.Start() }()

	waitFor(t, "gateway to serve", func() bool {
		resp, err := http.Get("http://" + addr.String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	if err := g.Shutdown(); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean exit, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start() did not return after shutdown")
	}
}

func TestEchoReply(t *testing.T) {
	chunks := EchoReply("hello world")
	if strings.Join(chunks, "") != "You said: hello world" {
		t.Errorf("Unexpected reply %q", chunks)
	}
	if len(chunks) != 4 {
		t.Errorf("Expected word-sized chunks, got %q", chunks)
	}
}
