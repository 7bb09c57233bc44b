package chat

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/deepagent/sqlchat/internal/agent"
	"github.com/deepagent/sqlchat/internal/auth"
	"github.com/deepagent/sqlchat/internal/session"
	"github.com/deepagent/sqlchat/internal/transport"
)

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func sseWrite(c *gin.Context, payload string) {
	fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
	c.Writer.Flush()
}

// chatRoute wires the standard initiation endpoint in front of a
// test-specific stream handler.
func chatRoute(r *gin.Engine, streamFn gin.HandlerFunc) {
	r.POST("/api/chat", func(c *gin.Context) {
		var req transport.TurnRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "bad request"})
			return
		}
		sid := req.SessionID
		if sid == "" {
			sid = "srv-1"
		}
		c.JSON(http.StatusOK, transport.TurnResponse{SessionID: sid, StreamURL: "/stream"})
	})
	r.GET("/stream", func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		streamFn(c)
	})
}

func newFixture(t *testing.T, srvURL string) (*Controller, *session.Store, *auth.TokenStore) {
	t.Helper()
	store := session.NewStore(32)
	creds := auth.NewTokenStore(filepath.Join(t.TempDir(), "token"))
	tc := transport.NewClient(srvURL, 5*time.Second, 0, creds)
	return NewController(store, tc, creds), store, creds
}

func lastMessage(t *testing.T, store *session.Store, id string) session.Message {
	t.Helper()
	msgs := store.Messages(id)
	if len(msgs) == 0 {
		t.Fatal("transcript is empty")
	}
	return msgs[len(msgs)-1]
}

func TestFullTurn(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	chatRoute(r, func(c *gin.Context) {
		sseWrite(c, `{"type":"thinking","content":"Analyzing..."}`)
		sseWrite(c, `{"type":"sql","content":"SELECT * FROM tables"}`)
		sseWrite(c, `{"type":"result","columns":["name"],"rows":[{"name":"users"}],"row_count":1}`)
		sseWrite(c, `{"type":"done"}`)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctrl, store, _ := newFixture(t, srv.URL)
	ctrl.SendTurn("list tables")
	sid := ctrl.CurrentSessionID()

	waitFor(t, "turn to settle", func() bool { return !ctrl.IsLoading() })

	msgs := store.Messages(sid)
	if len(msgs) != 2 {
		t.Fatalf("transcript length = %d, want user + assistant", len(msgs))
	}
	final := msgs[1]
	if final.Streaming {
		t.Fatal("final message still streaming")
	}
	if len(final.Events) != 4 {
		t.Fatalf("events = %d, want 4 (thinking, sql, result, done)", len(final.Events))
	}
	if final.Events[3].Type != agent.EventDone {
		t.Fatalf("last event = %v, want done", final.Events[3].Type)
	}
	if final.Text != "" {
		t.Fatalf("text = %q, want empty (no token events)", final.Text)
	}
	if got := ctrl.Error(); got != "" {
		t.Fatalf("error = %q, want none", got)
	}
}

func TestTokenAccumulation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	chatRoute(r, func(c *gin.Context) {
		sseWrite(c, `{"type":"token","content":"There "}`)
		sseWrite(c, `{"type":"thinking","content":"interleaved"}`)
		sseWrite(c, `{"type":"token","content":"are "}`)
		sseWrite(c, `{"type":"executing","content":"running"}`)
		sseWrite(c, `{"type":"token","content":"3 tables."}`)
		sseWrite(c, `{"type":"done"}`)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctrl, store, _ := newFixture(t, srv.URL)
	ctrl.SendTurn("how many tables?")
	sid := ctrl.CurrentSessionID()

	waitFor(t, "turn to settle", func() bool { return !ctrl.IsLoading() })

	final := lastMessage(t, store, sid)
	if final.Text != "There are 3 tables." {
		t.Fatalf("text = %q, want concatenated tokens in order", final.Text)
	}
	if len(final.Events) != 6 {
		t.Fatalf("events = %d, want all 6 appended", len(final.Events))
	}
}

func TestInitiationAuthFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/chat", func(c *gin.Context) {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Unauthorized"})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctrl, store, creds := newFixture(t, srv.URL)
	if err := creds.Set("stale-token"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	ctrl.SendTurn("list tables")
	sid := ctrl.CurrentSessionID()

	waitFor(t, "auth failure", func() bool { return ctrl.AuthRequired() })

	if ctrl.IsLoading() {
		t.Fatal("isLoading should be false after failed initiation")
	}
	if got := creds.Token(); got != "" {
		t.Fatalf("credential = %q, want cleared", got)
	}
	msgs := store.Messages(sid)
	if len(msgs) != 1 || msgs[0].Role != session.RoleUser {
		t.Fatalf("transcript = %+v, want only the user message", msgs)
	}
}

func TestInitiationGenericFailureRollsBackPlaceholder(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/chat", func(c *gin.Context) {
		c.String(http.StatusInternalServerError, "pipeline exploded")
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctrl, store, creds := newFixture(t, srv.URL)
	if err := creds.Set("tok"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	ctrl.SendTurn("list tables")
	sid := ctrl.CurrentSessionID()

	waitFor(t, "error surface", func() bool { return ctrl.Error() != "" })

	if ctrl.AuthRequired() {
		t.Fatal("generic failure must not flag authRequired")
	}
	if got := creds.Token(); got != "tok" {
		t.Fatalf("credential = %q, want untouched on generic failure", got)
	}
	msgs := store.Messages(sid)
	if len(msgs) != 1 || msgs[0].Text != "list tables" {
		t.Fatalf("transcript = %+v, want exactly the user message", msgs)
	}

	ctrl.ClearError()
	if got := ctrl.Error(); got != "" {
		t.Fatalf("error after ClearError = %q, want empty", got)
	}
}

func TestTransportFailureKeepsPartialEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	chatRoute(r, func(c *gin.Context) {
		sseWrite(c, `{"type":"thinking","content":"Analyzing..."}`)
		// 连接在终止事件前断开
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctrl, store, _ := newFixture(t, srv.URL)
	ctrl.SendTurn("list tables")
	sid := ctrl.CurrentSessionID()

	waitFor(t, "turn to settle", func() bool { return !ctrl.IsLoading() && ctrl.Error() != "" })

	final := lastMessage(t, store, sid)
	if final.Streaming {
		t.Fatal("message should stop streaming on transport failure")
	}
	if len(final.Events) != 1 || final.Events[0].Type != agent.EventThinking {
		t.Fatalf("events = %+v, want the single partial thinking event", final.Events)
	}
}

func TestBackendErrorEventIsNotControllerFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	chatRoute(r, func(c *gin.Context) {
		sseWrite(c, `{"type":"error","content":"table does not exist"}`)
		sseWrite(c, `{"type":"done"}`)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctrl, store, _ := newFixture(t, srv.URL)
	ctrl.SendTurn("query nothing")
	sid := ctrl.CurrentSessionID()

	waitFor(t, "turn to settle", func() bool { return !ctrl.IsLoading() })

	if got := ctrl.Error(); got != "" {
		t.Fatalf("controller error = %q, want none for backend error events", got)
	}
	final := lastMessage(t, store, sid)
	if len(final.Events) != 2 || final.Events[0].Type != agent.EventError {
		t.Fatalf("events = %+v, want [error done] in transcript", final.Events)
	}
	if final.Streaming {
		t.Fatal("done must flip streaming off")
	}
}

func TestSwitchInvalidatesStaleStream(t *testing.T) {
	gin.SetMode(gin.TestMode)
	release := make(chan struct{})
	r := gin.New()
	chatRoute(r, func(c *gin.Context) {
		sseWrite(c, `{"type":"thinking","content":"step 1"}`)
		select {
		case <-release:
		case <-c.Request.Context().Done():
			return
		}
		sseWrite(c, `{"type":"token","content":"late"}`)
		sseWrite(c, `{"type":"done"}`)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctrl, store, _ := newFixture(t, srv.URL)
	ctrl.SendTurn("slow question")
	sidA := ctrl.CurrentSessionID()

	waitFor(t, "first event folded", func() bool {
		msgs := store.Messages(sidA)
		return len(msgs) == 2 && len(msgs[1].Events) == 1
	})

	sidB := ctrl.CreateAndSwitch()
	if ctrl.IsLoading() {
		t.Fatal("switch must clear the in-flight flag")
	}

	close(release)
	time.Sleep(100 * time.Millisecond)

	// 旧流的后续帧不得改写任何会话
	msgsA := store.Messages(sidA)
	if len(msgsA) != 2 || len(msgsA[1].Events) != 1 || msgsA[1].Text != "" {
		t.Fatalf("session A mutated by stale stream: %+v", msgsA[1])
	}
	if got := store.Messages(sidB); len(got) != 0 {
		t.Fatalf("session B transcript = %+v, want empty", got)
	}

	// 未知 id 切换为静默 no-op
	ctrl.SwitchSession("no-such-id")
	if got := ctrl.CurrentSessionID(); got != sidB {
		t.Fatalf("current = %q, want unchanged %q", got, sidB)
	}
}

func TestSwitchBackAndResendFreezesAbandonedPlaceholder(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var turns atomic.Int32
	r := gin.New()
	chatRoute(r, func(c *gin.Context) {
		if turns.Add(1) == 1 {
			// 第一轮: 发出一个事件后挂起, 直到客户端断开
			sseWrite(c, `{"type":"thinking","content":"step 1"}`)
			<-c.Request.Context().Done()
			return
		}
		sseWrite(c, `{"type":"token","content":"answer"}`)
		sseWrite(c, `{"type":"done"}`)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctrl, store, _ := newFixture(t, srv.URL)
	ctrl.SendTurn("slow question")
	sidA := ctrl.CurrentSessionID()

	waitFor(t, "first event folded", func() bool {
		msgs := store.Messages(sidA)
		return len(msgs) == 2 && len(msgs[1].Events) == 1
	})

	// 切走: 被放弃的占位消息因传输层关闭而冻结
	ctrl.CreateAndSwitch()
	if got := lastMessage(t, store, sidA); got.Streaming {
		t.Fatal("abandoned placeholder must stop streaming on teardown")
	}

	// 切回并重发: 旧占位已非末尾消息, 不得再处于 streaming 状态
	ctrl.SwitchSession(sidA)
	ctrl.SendTurn("second question")
	waitFor(t, "second turn to settle", func() bool { return !ctrl.IsLoading() })

	msgs := store.Messages(sidA)
	if len(msgs) != 4 {
		t.Fatalf("transcript length = %d, want 4", len(msgs))
	}
	for i, m := range msgs {
		if m.Streaming && i != len(msgs)-1 {
			t.Fatalf("non-final message %d still streaming", i)
		}
	}
	if msgs[1].Streaming {
		t.Fatal("frozen placeholder regained streaming")
	}
	if msgs[3].Streaming {
		t.Fatal("completed turn should not be streaming")
	}
	if msgs[3].Text != "answer" {
		t.Fatalf("second answer = %q, want %q", msgs[3].Text, "answer")
	}
	// 旧流的事件没有混入新消息
	if len(msgs[1].Events) != 1 {
		t.Fatalf("abandoned message events = %d, want the single partial event", len(msgs[1].Events))
	}
}

func TestDoubleFireIsNoOp(t *testing.T) {
	gin.SetMode(gin.TestMode)
	release := make(chan struct{})
	r := gin.New()
	chatRoute(r, func(c *gin.Context) {
		sseWrite(c, `{"type":"thinking","content":"working"}`)
		select {
		case <-release:
		case <-c.Request.Context().Done():
			return
		}
		sseWrite(c, `{"type":"done"}`)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctrl, store, _ := newFixture(t, srv.URL)
	ctrl.SendTurn("first")
	sid := ctrl.CurrentSessionID()

	waitFor(t, "turn in flight", func() bool { return ctrl.IsLoading() })

	ctrl.SendTurn("second while in flight")

	if msgs := store.Messages(sid); len(msgs) != 2 {
		t.Fatalf("transcript length = %d, want 2 (double-fire ignored)", len(msgs))
	}

	close(release)
	waitFor(t, "turn to settle", func() bool { return !ctrl.IsLoading() })
}

func TestEmptyTextIsNoOp(t *testing.T) {
	ctrl, store, _ := newFixture(t, "http://127.0.0.1:0")

	ctrl.SendTurn("   \n\t ")
	if ctrl.IsLoading() {
		t.Fatal("blank text must not start a turn")
	}
	if got := store.Sessions(); len(got) != 0 {
		t.Fatalf("sessions = %+v, want none created", got)
	}
}

func TestBackendSessionCorrelation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	gotSessionIDs := make(chan string, 2)
	r := gin.New()
	r.POST("/api/chat", func(c *gin.Context) {
		var req transport.TurnRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "bad request"})
			return
		}
		gotSessionIDs <- req.SessionID
		c.JSON(http.StatusOK, transport.TurnResponse{SessionID: "srv-7", StreamURL: "/stream"})
	})
	r.GET("/stream", func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		sseWrite(c, `{"type":"done"}`)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctrl, _, _ := newFixture(t, srv.URL)

	ctrl.SendTurn("first")
	waitFor(t, "first turn", func() bool { return !ctrl.IsLoading() })
	if got := <-gotSessionIDs; got != "" {
		t.Fatalf("first turn session_id = %q, want empty", got)
	}

	ctrl.SendTurn("second")
	waitFor(t, "second turn", func() bool { return !ctrl.IsLoading() })
	if got := <-gotSessionIDs; got != "srv-7" {
		t.Fatalf("second turn session_id = %q, want backend id from first turn", got)
	}
}
