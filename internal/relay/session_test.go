package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// go.opencensus.io/stats/view (via firebase -> google.golang.org/api) starts
	// a worker goroutine in init() that cannot be stopped.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func attachedCount(r *Registry) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func TestQueueOutDropsWhenBufferIsFull(t *testing.T) {
	s := newDetachedSession(0)

	for i := 0; i < sendBuffer; i++ {
		require.True(t, s.queueOut(i))
	}
	assert.False(t, s.queueOut("overflow"))
	assert.Len(t, s.send, sendBuffer)
}

func TestQueueOutDropsAfterClose(t *testing.T) {
	s := newDetachedSession(0)
	require.True(t, s.queueOut("before"))

	s.close()
	assert.False(t, s.queueOut("after"))
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newDetachedSession(0)
	s.close()
	assert.NotPanics(t, func() { s.close() })
}

func TestSessionPumpsEndToEnd(t *testing.T) {
	te := newTestEngine(t)
	te.store.addUser(7, "alice", "tok-A", 3)

	conn := newScriptedConn()
	s := te.engine.NewSession(conn, "10.1.2.3")
	require.Equal(t, 1, attachedCount(te.engine.registry))
	s.Start()

	conn.push(`{"event":"Register","username":"alice","token":"tok-A"}`)
	waitFor(t, func() bool { return len(conn.frames()) >= 1 }, "register reply")

	m := asMap(t, conn.frames()[0])
	require.Equal(t, "register_success", m["event"])
	token, ok := m["data"].(string)
	require.True(t, ok)
	waitFor(t, func() bool { return te.engine.registry.IsUserOnline(7) }, "presence")

	conn.push(`{"event":"Ping","data":{"session_token":"` + token + `"}}`)
	waitFor(t, func() bool { return len(conn.frames()) >= 2 }, "ping reply")

	pm := asMap(t, conn.frames()[1])
	assert.Equal(t, "ping_response", pm["event"])
	assert.Equal(t, true, pm["status"])
	assert.Equal(t, float64(7), pm["user_id"])

	conn.Close()
	waitFor(t, func() bool { return !te.engine.registry.IsUserOnline(7) }, "presence cleared")
	waitFor(t, func() bool { return attachedCount(te.engine.registry) == 0 }, "detach")
}

func TestDisconnectBeforeRegistrationDetaches(t *testing.T) {
	te := newTestEngine(t)

	conn := newScriptedConn()
	s := te.engine.NewSession(conn, "")
	s.Start()
	require.Equal(t, 1, attachedCount(te.engine.registry))

	conn.Close()
	waitFor(t, func() bool { return attachedCount(te.engine.registry) == 0 }, "detach")
}

func TestBroadcastAllReachesEveryRegisteredSession(t *testing.T) {
	te := newTestEngine(t)
	te.store.addUser(7, "alice", "tok-A", 3)
	te.store.addUser(20, "dave", "tok-D", 4)

	alice := te.newIdleSession()
	te.register(t, alice, "alice", "tok-A")
	dave := te.newIdleSession()
	te.register(t, dave, "dave", "tok-D")
	te.newIdleSession() // attached, never registered

	frame := NewChatMessageFrame("Console", 0, 0, "maintenance at noon", "")
	assert.Equal(t, 2, te.engine.BroadcastAll(frame))

	// Tenancy does not scope operator broadcasts.
	for _, s := range []*Session{alice, dave} {
		m := asMap(t, nextFrame(t, s))
		require.Equal(t, "chat_message", m["event"])
		data := m["data"].(map[string]interface{})
		assert.Equal(t, "Console", data["username"])
		assert.Equal(t, "maintenance at noon", data["message"])
	}
}
