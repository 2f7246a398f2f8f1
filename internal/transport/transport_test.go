package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const eventWait = 5 * time.Second

func newTestServer(t *testing.T, maxPeers int, opts Options) *Host {
	h, err := NewServerHost("127.0.0.1:0", maxPeers, 2, opts)
	if err != nil {
		t.Fatalf("NewServerHost() returned error: %v", err)
	}
	t.Cleanup(h.Destroy)
	return h
}

type connectResult struct {
	peer *Peer
	err  error
}

// connectAsync runs Connect on its own goroutine so that the test can keep polling
// the server, which has to answer the Hello before Connect returns. The client host
// belongs to that goroutine until the result is received.
func connectAsync(client *Host, addr string, channels int) <-chan connectResult {
	result := make(chan connectResult, 1)
	go func() {
		peer, err := client.Connect(addr, channels)
		result <- connectResult{peer: peer, err: err}
	}()
	return result
}

// connect connects a new client host to server, servicing the server until the
// handshake completes, and returns the client's peer with the server's connect event.
func connect(t *testing.T, server *Host, opts Options) (*Host, *Peer, *Event) {
	return connectChannels(t, server, opts, 2)
}

func connectChannels(t *testing.T, server *Host, opts Options, channels int) (*Host, *Peer, *Event) {
	client := NewClientHost(opts)
	t.Cleanup(client.Destroy)

	result := connectAsync(client, server.Addr().String(), channels)
	var connectEvent *Event
	deadline := time.Now().Add(eventWait)
	for time.Now().Before(deadline) {
		ev, err := server.Poll(10 * time.Millisecond)
		if err != nil {
			t.Fatalf("server Poll() returned error: %v", err)
		}
		if ev != nil {
			if ev.Type != EventConnect {
				t.Fatalf("expected a connect event, got %v", ev.Type)
			}
			connectEvent = ev
		}

		select {
		case r := <-result:
			if r.err != nil {
				t.Fatalf("Connect() returned error: %v", r.err)
			}
			if connectEvent == nil {
				t.Fatal("client connected without the server reporting it")
			}
			return client, r.peer, connectEvent
		default:
		}
	}
	t.Fatal("timed out connecting")
	return nil, nil, nil
}

// nextEvent polls h until it produces an event.
func nextEvent(t *testing.T, h *Host) *Event {
	t.Helper()
	deadline := time.Now().Add(eventWait)
	for time.Now().Before(deadline) {
		ev, err := h.Poll(10 * time.Millisecond)
		if err != nil {
			t.Fatalf("Poll() returned error: %v", err)
		}
		if ev != nil {
			return ev
		}
	}
	t.Fatal("timed out waiting for an event")
	return nil
}

func TestConnectSendReceive(t *testing.T) {
	server := newTestServer(t, 4, Options{})
	client, peer, connected := connect(t, server, Options{})

	if peer.ID != 0 || connected.Peer.ID != 0 {
		t.Errorf("expected the first peer to get id 0, client sees %d and server sees %d", peer.ID, connected.Peer.ID)
	}
	if !peer.Connected() {
		t.Error("expected the client's peer to be connected")
	}

	messages := []string{"one", "two", "three"}
	for _, m := range messages {
		if err := peer.Send(0, []byte(m)); err != nil {
			t.Fatalf("Send() returned error: %v", err)
		}
	}

	var received []string
	for range messages {
		ev := nextEvent(t, server)
		if ev.Type != EventReceive {
			t.Fatalf("expected a receive event, got %v", ev.Type)
		}
		if ev.Peer != connected.Peer {
			t.Error("receive event reported the wrong peer")
		}
		received = append(received, string(ev.Data))
	}
	if diff := cmp.Diff(messages, received); diff != "" {
		t.Errorf("messages arrived out of order; diff:\n%s", diff)
	}

	if err := connected.Peer.Send(1, []byte("reply")); err != nil {
		t.Fatalf("server Send() returned error: %v", err)
	}
	ev := nextEvent(t, client)
	if ev.Type != EventReceive || ev.Channel != 1 || string(ev.Data) != "reply" {
		t.Errorf("unexpected event on client: %v channel %d %q", ev.Type, ev.Channel, ev.Data)
	}
}

func TestBroadcast(t *testing.T) {
	server := newTestServer(t, 4, Options{})
	clientA, _, evA := connect(t, server, Options{})
	clientB, _, evB := connect(t, server, Options{})

	if evA.Peer.ID != 0 || evB.Peer.ID != 1 {
		t.Errorf("expected ids 0 and 1, got %d and %d", evA.Peer.ID, evB.Peer.ID)
	}
	if got := len(server.Peers()); got != 2 {
		t.Errorf("expected 2 peers, got %d", got)
	}

	if err := server.Broadcast(0, []byte("everyone")); err != nil {
		t.Fatalf("Broadcast() returned error: %v", err)
	}
	for name, client := range map[string]*Host{"A": clientA, "B": clientB} {
		ev := nextEvent(t, client)
		if ev.Type != EventReceive || string(ev.Data) != "everyone" {
			t.Errorf("client %s: unexpected event %v %q", name, ev.Type, ev.Data)
		}
	}
}

func TestRejectWhenFull(t *testing.T) {
	server := newTestServer(t, 1, Options{})
	connect(t, server, Options{})

	client := NewClientHost(Options{})
	defer client.Destroy()
	result := connectAsync(client, server.Addr().String(), 2)

	deadline := time.Now().Add(eventWait)
	for time.Now().Before(deadline) {
		ev, err := server.Poll(10 * time.Millisecond)
		if err != nil {
			t.Fatalf("server Poll() returned error: %v", err)
		}
		if ev != nil {
			t.Fatalf("expected no event for a rejected peer, got %v", ev.Type)
		}

		select {
		case r := <-result:
			if !errors.Is(r.err, ErrConnectFailed) {
				t.Errorf("Connect() error = %v, want ErrConnectFailed", r.err)
			}
			return
		default:
		}
	}
	t.Fatal("timed out waiting for the rejection")
}

func TestConnectTimeout(t *testing.T) {
	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("error opening silent socket: %v", err)
	}
	defer silent.Close()

	client := NewClientHost(Options{ConnectTimeout: 200 * time.Millisecond})
	defer client.Destroy()

	start := time.Now()
	_, err = client.Connect(silent.LocalAddr().String(), 2)
	if !errors.Is(err, ErrConnectFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectFailed", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("Connect() gave up after %v, before its timeout", elapsed)
	}
}

func TestDisconnectNow(t *testing.T) {
	server := newTestServer(t, 2, Options{})
	client, peer, _ := connect(t, server, Options{})

	peer.DisconnectNow()
	peer.DisconnectNow()
	if peer.Connected() {
		t.Error("expected the peer to be disconnected")
	}
	if err := peer.Send(0, []byte("late")); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("Send() after disconnect error = %v, want ErrPeerClosed", err)
	}

	ev := nextEvent(t, server)
	if ev.Type != EventDisconnect || ev.Peer.ID != 0 {
		t.Fatalf("expected peer 0 to disconnect, got %v for peer %d", ev.Type, ev.Peer.ID)
	}
	if got := len(server.Peers()); got != 0 {
		t.Errorf("expected the slot to be released, %d peers remain", got)
	}

	// The freed slot is handed out again.
	_, _, reconnected := connect(t, server, Options{})
	if reconnected.Peer.ID != 0 {
		t.Errorf("expected the reconnecting peer to reuse id 0, got %d", reconnected.Peer.ID)
	}

	client.Destroy()
	client.Destroy()
	if _, err := client.Poll(0); !errors.Is(err, ErrHostDestroyed) {
		t.Errorf("Poll() after Destroy error = %v, want ErrHostDestroyed", err)
	}
	if _, err := client.Connect(server.Addr().String(), 2); !errors.Is(err, ErrHostDestroyed) {
		t.Errorf("Connect() after Destroy error = %v, want ErrHostDestroyed", err)
	}
}

func TestDestroyDisconnectsPeers(t *testing.T) {
	server, err := NewServerHost("127.0.0.1:0", 2, 2, Options{})
	if err != nil {
		t.Fatalf("NewServerHost() returned error: %v", err)
	}
	client, _, _ := connect(t, server, Options{})

	server.Destroy()
	server.Destroy()

	ev := nextEvent(t, client)
	if ev.Type != EventDisconnect {
		t.Errorf("expected the client to see a disconnect, got %v", ev.Type)
	}
}

func TestIdleTimeout(t *testing.T) {
	server := newTestServer(t, 2, Options{IdleTimeout: 300 * time.Millisecond})
	// The client is never polled so it never pings.
	connect(t, server, Options{PingInterval: time.Hour})

	start := time.Now()
	ev := nextEvent(t, server)
	if ev.Type != EventDisconnect {
		t.Fatalf("expected the idle peer to be dropped, got %v", ev.Type)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("idle peer took %v to be dropped", elapsed)
	}
}

func TestSend_InvalidChannel(t *testing.T) {
	server := newTestServer(t, 2, Options{})
	_, peer, _ := connect(t, server, Options{})

	if err := peer.Send(2, []byte("x")); err == nil {
		t.Error("expected Send() on channel 2 of 2 to fail")
	}
}

func TestChannelNegotiation(t *testing.T) {
	tests := []struct {
		name      string
		requested int
		granted   int
	}{
		{name: "fewer than the host allows", requested: 1, granted: 1},
		{name: "as many as the host allows", requested: 2, granted: 2},
		{name: "more than the host allows", requested: 5, granted: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t, 2, Options{})
			_, peer, connected := connectChannels(t, server, Options{}, tt.requested)

			if diff := cmp.Diff([]int{tt.granted, tt.granted}, []int{peer.channels, connected.Peer.channels}); diff != "" {
				t.Errorf("unexpected channel counts (client, server); diff:\n%s", diff)
			}
			if err := peer.Send(uint8(tt.granted-1), []byte("x")); err != nil {
				t.Errorf("Send() on the last granted channel returned error: %v", err)
			}
			if err := connected.Peer.Send(uint8(tt.granted), []byte("x")); err == nil {
				t.Errorf("expected Send() on channel %d of %d to fail", tt.granted, tt.granted)
			}
		})
	}
}

// Closing a client's session without a Bye leaves the server writing into a window
// that never opens again.
func TestBroadcast_VanishedPeer(t *testing.T) {
	server := newTestServer(t, 2, Options{WriteTimeout: 50 * time.Millisecond})
	_, clientPeer, connected := connect(t, server, Options{})
	_ = clientPeer.session.Close()

	payload := make([]byte, 1000)
	var failed bool
	for i := 0; i < 2000 && !failed; i++ {
		start := time.Now()
		failed = server.Broadcast(0, payload) != nil
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Fatalf("Broadcast() blocked for %v after %d sends", elapsed, i)
		}
	}
	if !failed {
		t.Fatal("expected Broadcast() to fail once the peer's window filled")
	}
	if got := len(server.Peers()); got != 0 {
		t.Errorf("expected the vanished peer to be dropped, %d peers remain", got)
	}

	ev := nextEvent(t, server)
	if ev.Type != EventDisconnect || ev.Peer != connected.Peer {
		t.Fatalf("expected a disconnect for the vanished peer, got %v", ev.Type)
	}
	if err := server.Broadcast(0, payload); err != nil {
		t.Errorf("Broadcast() with no peers returned error: %v", err)
	}
}

func TestDestroy_FullWindow(t *testing.T) {
	server, err := NewServerHost("127.0.0.1:0", 2, 2, Options{})
	if err != nil {
		t.Fatalf("NewServerHost() returned error: %v", err)
	}
	_, clientPeer, connected := connect(t, server, Options{})
	_ = clientPeer.session.Close()

	frame := make([]byte, 1000)
	for i := 0; i < 2000; i++ {
		if err := connected.Peer.writeWithin(frame, 0); err != nil {
			break
		}
	}

	done := make(chan struct{})
	go func() {
		server.Destroy()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Destroy() blocked on a peer with a full window")
	}
}

func TestPoll_ListenerFailure(t *testing.T) {
	server := newTestServer(t, 2, Options{})
	_ = server.listener.Close()

	var err error
	deadline := time.Now().Add(eventWait)
	for err == nil && time.Now().Before(deadline) {
		_, err = server.Poll(10 * time.Millisecond)
	}
	if !errors.Is(err, ErrServiceFailed) {
		t.Fatalf("Poll() error = %v, want ErrServiceFailed", err)
	}

	// The failure sticks.
	for i := 0; i < 3; i++ {
		if _, err := server.Poll(0); !errors.Is(err, ErrServiceFailed) {
			t.Errorf("Poll() #%d after the failure error = %v, want ErrServiceFailed", i, err)
		}
	}
}

func TestNewServerHost_Errors(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		maxPeers int
		channels int
	}{
		{name: "no peers", addr: "127.0.0.1:0", maxPeers: 0, channels: 2},
		{name: "no channels", addr: "127.0.0.1:0", maxPeers: 1, channels: 0},
		{name: "bad address", addr: "not an address", maxPeers: 1, channels: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewServerHost(tt.addr, tt.maxPeers, tt.channels, Options{}); !errors.Is(err, ErrBindFailed) {
				t.Errorf("NewServerHost() error = %v, want ErrBindFailed", err)
			}
		})
	}
}

func TestEventType_String(t *testing.T) {
	if EventConnect.String() != "connect" || EventType(99).String() != "EventType(99)" {
		t.Errorf("unexpected names %q and %q", EventConnect.String(), EventType(99).String())
	}
}
