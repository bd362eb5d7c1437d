package web

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frontic/frontic/internal/config"
	"github.com/frontic/frontic/internal/protocol"
	"github.com/frontic/frontic/internal/queue"
)

type fakeDriver struct {
	mu          sync.Mutex
	initialized bool
	startErr    error
	starts      int
	interrupts  int
	transcript  string
}

func (f *fakeDriver) Start(ctx context.Context, conf *protocol.Configuration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.initialized = true
	return nil
}

func (f *fakeDriver) Initialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

func (f *fakeDriver) Interrupt() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	return nil
}

func (f *fakeDriver) TranscriptPath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcript
}

type testServer struct {
	hub    *Hub
	queue  *queue.Queue
	driver *fakeDriver
	url    string
}

func newTestServer(t *testing.T, driver *fakeDriver) *testServer {
	t.Helper()

	hub := NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	q := queue.New()
	srv := NewServer(config.DefaultConfig(), hub, q, driver)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{
		hub:    hub,
		queue:  q,
		driver: driver,
		url:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(frame)
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.ClientCount() == n
	}, time.Second, 5*time.Millisecond)
}

func TestMalformedFrameGetsErrorFrame(t *testing.T) {
	ts := newTestServer(t, &fakeDriver{})
	conn := dial(t, ts.url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	frame := readFrame(t, conn)
	assert.Contains(t, frame, `"type":"error"`)
	assert.Equal(t, 0, ts.queue.Len())
}

func TestUnknownTypeGetsErrorFrame(t *testing.T) {
	ts := newTestServer(t, &fakeDriver{})
	conn := dial(t, ts.url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))

	assert.Contains(t, readFrame(t, conn), "unknown message type")
}

func TestUserMessageBeforeInitializeRejected(t *testing.T) {
	ts := newTestServer(t, &fakeDriver{})
	conn := dial(t, ts.url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"user_message","data":{"message":"hi"}}`)))

	assert.Contains(t, readFrame(t, conn), "session not initialized")
	assert.Equal(t, 0, ts.queue.Len())
}

func TestInitializeThenUserMessageQueues(t *testing.T) {
	ts := newTestServer(t, &fakeDriver{})
	conn := dial(t, ts.url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"initialize","data":{"systemPrompt":"be brief"}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"user_message","data":{"message":"hello"}}`)))

	require.Eventually(t, func() bool {
		return ts.queue.Len() == 1
	}, time.Second, 5*time.Millisecond)

	env, ok := ts.queue.PopOrNone()
	require.True(t, ok)
	assert.Equal(t, protocol.TypeUserMessage, env.Type)
	assert.Equal(t, "hello", env.UserMessage.Message)

	ts.driver.mu.Lock()
	assert.Equal(t, 1, ts.driver.starts)
	ts.driver.mu.Unlock()
}

func TestInitializeWhileActiveGetsErrorFrame(t *testing.T) {
	driver := &fakeDriver{startErr: assert.AnError}
	ts := newTestServer(t, driver)
	conn := dial(t, ts.url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"initialize"}`)))

	assert.Contains(t, readFrame(t, conn), `"type":"error"`)
}

func TestInterruptRoutedToDriver(t *testing.T) {
	driver := &fakeDriver{initialized: true}
	ts := newTestServer(t, driver)
	conn := dial(t, ts.url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"interrupt"}`)))

	require.Eventually(t, func() bool {
		driver.mu.Lock()
		defer driver.mu.Unlock()
		return driver.interrupts == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, ts.queue.Len())
}

func TestBroadcastReachesAllClients(t *testing.T) {
	ts := newTestServer(t, &fakeDriver{})

	first := dial(t, ts.url)
	second := dial(t, ts.url)
	waitForClients(t, ts.hub, 2)

	ts.hub.Broadcast([]byte(`{"type":"assistant","text":"shared"}`))

	assert.Contains(t, readFrame(t, first), "shared")
	assert.Contains(t, readFrame(t, second), "shared")
}

func TestHistoryReplaysBeforeLiveOutput(t *testing.T) {
	transcript := filepath.Join(t.TempDir(), "t.jsonl")
	require.NoError(t, os.WriteFile(transcript, []byte(
		`{"type":"user","n":1}`+"\n"+`{"type":"assistant","n":2}`+"\n"), 0644))

	ts := newTestServer(t, &fakeDriver{initialized: true, transcript: transcript})
	conn := dial(t, ts.url)

	assert.Contains(t, readFrame(t, conn), `"n":1`)
	assert.Contains(t, readFrame(t, conn), `"n":2`)

	// Live broadcasts only arrive once replay is complete.
	waitForClients(t, ts.hub, 1)
	ts.hub.Broadcast([]byte(`{"type":"assistant","n":3}`))
	assert.Contains(t, readFrame(t, conn), `"n":3`)
}

// newServerConn upgrades a throwaway connection and hands back the
// server side, for building a Client without the usual pumps.
func newServerConn(t *testing.T) *websocket.Conn {
	t.Helper()

	conns := make(chan *websocket.Conn, 1)
	hold := make(chan struct{})
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
		<-hold
	}))
	t.Cleanup(func() { close(hold); ts.Close() })

	dial(t, "ws"+strings.TrimPrefix(ts.URL, "http"))
	conn := <-conns
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSlowClientDropKeepsReadPathSafe(t *testing.T) {
	ts := newTestServer(t, &fakeDriver{})

	// A client whose write pump never runs: its send buffer fills and
	// the hub marks it stale on the next broadcast.
	slow := NewClient(ts.hub, newServerConn(t), nil)
	ts.hub.Register(slow)

	healthy := dial(t, ts.url)
	waitForClients(t, ts.hub, 2)

	for i := 0; i < cap(slow.send)+1; i++ {
		ts.hub.Broadcast([]byte(`{"type":"assistant","burst":true}`))
	}

	// The hub closed the slow client's connection, not its send
	// channel; the read path can still answer it without panicking.
	require.NotPanics(t, func() {
		slow.sendFrame([]byte(`{"type":"error","error":"x"}`))
	})

	// Everyone else keeps receiving.
	assert.Contains(t, readFrame(t, healthy), "burst")
}

func TestBurstBroadcastDeliversAllInOrder(t *testing.T) {
	ts := newTestServer(t, &fakeDriver{})
	conn := dial(t, ts.url)
	waitForClients(t, ts.hub, 1)

	// Well past the hub's channel capacity so the producer blocks
	// rather than dropping frames.
	const total = 600
	go func() {
		for i := 0; i < total; i++ {
			ts.hub.Broadcast([]byte(fmt.Sprintf(`{"type":"assistant","seq":%d}`, i)))
		}
	}()

	for i := 0; i < total; i++ {
		assert.Contains(t, readFrame(t, conn), fmt.Sprintf(`"seq":%d`, i))
	}
}

func TestClientIDAssigned(t *testing.T) {
	c := NewClient(NewHub(), nil, nil)
	assert.NotEmpty(t, c.ID)
}

func TestMissingTranscriptIsSilent(t *testing.T) {
	ts := newTestServer(t, &fakeDriver{
		initialized: true,
		transcript:  filepath.Join(t.TempDir(), "absent.jsonl"),
	})
	conn := dial(t, ts.url)
	waitForClients(t, ts.hub, 1)

	ts.hub.Broadcast([]byte(`{"type":"assistant","fresh":true}`))
	assert.Contains(t, readFrame(t, conn), "fresh")
}
