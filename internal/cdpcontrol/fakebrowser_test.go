package cdpcontrol

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dgnsrekt/tz_agent/internal/types"
)

type fakeTarget struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

type fakeCommand struct {
	Method    string
	SessionID string
	Params    json.RawMessage
}

// fakeBrowser speaks just enough of the DevTools HTTP and WebSocket
// protocol for Host tests.
type fakeBrowser struct {
	t        *testing.T
	srv      *httptest.Server
	protocol string

	mu       sync.Mutex
	targets  []fakeTarget
	commands []fakeCommand
	conn     net.Conn
	failures map[string]string // method -> error message
	before   map[string]func() // method -> runs before the reply is sent

	writeMu sync.Mutex
}

func newFakeBrowser(t *testing.T, targets ...fakeTarget) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{t: t, protocol: "1.3", targets: targets, failures: map[string]string{}, before: map[string]func(){}}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"Browser":              "HeadlessChrome/test",
			"Protocol-Version":     fb.protocol,
			"webSocketDebuggerUrl": "ws://" + r.Host + "/devtools/browser/test",
		})
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		_ = json.NewEncoder(w).Encode(fb.targets)
	})
	mux.HandleFunc("/devtools/browser/test", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.conn = conn
		fb.mu.Unlock()
		go fb.serve(conn)
	})

	fb.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		fb.mu.Lock()
		if fb.conn != nil {
			fb.conn.Close()
		}
		fb.mu.Unlock()
		fb.srv.Close()
	})
	return fb
}

func (fb *fakeBrowser) serve(conn net.Conn) {
	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var req struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &req) != nil {
			continue
		}

		fb.mu.Lock()
		fb.commands = append(fb.commands, fakeCommand{Method: req.Method, SessionID: req.SessionID, Params: req.Params})
		failMsg := fb.failures[req.Method]
		hook := fb.before[req.Method]
		fb.mu.Unlock()

		if hook != nil {
			hook()
		}

		resp := map[string]any{"id": req.ID}
		if failMsg != "" {
			resp["error"] = map[string]any{"code": -32000, "message": failMsg}
		} else {
			resp["result"] = fb.result(req.Method, req.Params)
		}
		fb.write(resp)
	}
}

func (fb *fakeBrowser) result(method string, params json.RawMessage) any {
	if method == "Target.attachToTarget" {
		var p struct {
			TargetID string `json:"targetId"`
		}
		_ = json.Unmarshal(params, &p)
		return map[string]string{"sessionId": "S-" + p.TargetID}
	}
	return map[string]any{}
}

func (fb *fakeBrowser) write(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		fb.t.Errorf("marshal fake message: %v", err)
		return
	}
	fb.mu.Lock()
	conn := fb.conn
	fb.mu.Unlock()
	if conn == nil {
		fb.t.Errorf("fake browser not connected")
		return
	}
	fb.writeMu.Lock()
	defer fb.writeMu.Unlock()
	_ = wsutil.WriteServerText(conn, data)
}

// event pushes a CDP event to the connected client.
func (fb *fakeBrowser) event(method string, params any) {
	fb.write(map[string]any{"method": method, "params": params})
}

func (fb *fakeBrowser) fail(method, message string) {
	fb.mu.Lock()
	fb.failures[method] = message
	fb.mu.Unlock()
}

// beforeReply runs fn each time method arrives, ahead of its response, so
// tests can order events against an in-flight command.
func (fb *fakeBrowser) beforeReply(method string, fn func()) {
	fb.mu.Lock()
	fb.before[method] = fn
	fb.mu.Unlock()
}

// waitCommand polls until method has been received n times.
func (fb *fakeBrowser) waitCommand(method string, n int) []fakeCommand {
	fb.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		cmds := fb.commandsFor(method)
		if len(cmds) >= n {
			return cmds
		}
		if time.Now().After(deadline) {
			fb.t.Fatalf("%s received %d times; want %d", method, len(cmds), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (fb *fakeBrowser) commandsFor(method string) []fakeCommand {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var out []fakeCommand
	for _, c := range fb.commands {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// eventLog collects sink events.
type eventLog struct {
	ch chan types.TabEvent
}

func newEventLog() *eventLog { return &eventLog{ch: make(chan types.TabEvent, 64)} }

func (l *eventLog) sink(ev types.TabEvent) { l.ch <- ev }

func (l *eventLog) next(t *testing.T) types.TabEvent {
	t.Helper()
	select {
	case ev := <-l.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tab event")
		return types.TabEvent{}
	}
}

func (l *eventLog) none(t *testing.T) {
	t.Helper()
	select {
	case ev := <-l.ch:
		t.Fatalf("unexpected tab event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func pageTarget(id, url string) fakeTarget {
	return fakeTarget{ID: id, Type: "page", Title: strings.TrimPrefix(url, "https://"), URL: url}
}
