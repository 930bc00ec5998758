package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/env"
)

type testState struct {
	*globalState
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newTestState(t *testing.T, environ map[string]string) *testState {
	t.Helper()

	ts := &testState{
		globalState: newGlobalState(context.Background()),
		stdout:      new(bytes.Buffer),
		stderr:      new(bytes.Buffer),
	}
	ts.globalState.stdout = ts.stdout
	ts.globalState.stderr = ts.stderr
	ts.lookupEnv = env.MapLookup(environ)
	// Keep tests away from a .env file in the working directory.
	ts.flags.envFile = filepath.Join(t.TempDir(), "missing.env")
	return ts
}

func TestEnginesCommand(t *testing.T) {
	t.Parallel()

	ts := newTestState(t, nil)
	require.Equal(t, 0, execute(ts.globalState, []string{"engines"}), ts.stderr.String())

	out := ts.stdout.String()
	for _, name := range []string{"Google", "Bing", "DuckDuckGo", "Yahoo", "Ecosia", "Ask", "Baidu", "Yandex", "Brave"} {
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, "*://*.google.com/search*")
	assert.Contains(t, out, "single-page")
}

func TestEnginesCommandFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "engines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`engines:
  - name: Example
    patterns:
      - "*://search.example.com/*"
    query_param: q
    selectors:
      organic: "div.result"
`), 0o600))

	ts := newTestState(t, map[string]string{env.EnginesFile: path})
	require.Equal(t, 0, execute(ts.globalState, []string{"engines"}), ts.stderr.String())
	assert.Contains(t, ts.stdout.String(), "Example")
	assert.NotContains(t, ts.stdout.String(), "Google")
}

func TestOptionPrecedence(t *testing.T) {
	t.Parallel()

	dotenv := filepath.Join(t.TempDir(), "serp.env")
	require.NoError(t, os.WriteFile(dotenv, []byte(
		"SERP_REPORT_DIR=from-dotenv\nSERP_LOG_LEVEL=debug\nSERP_BRIDGE_ADDR=127.0.0.1:1\n",
	), 0o600))
	environ := map[string]string{
		env.ReportDir:  "from-env",
		env.BridgeAddr: "127.0.0.1:2",
	}

	t.Run("env_over_dotenv", func(t *testing.T) {
		t.Parallel()

		ts := newTestState(t, environ)
		require.Equal(t, 0, execute(ts.globalState, []string{"engines", "--env-file", dotenv}), ts.stderr.String())
		assert.Equal(t, "from-env", ts.opts.ReportDir)
		assert.Equal(t, "127.0.0.1:2", ts.opts.BridgeAddr)
		assert.Equal(t, "debug", ts.opts.LogLevel)
		assert.True(t, ts.logger.DebugMode())
	})
	t.Run("flags_over_env", func(t *testing.T) {
		t.Parallel()

		ts := newTestState(t, environ)
		args := []string{"engines", "--env-file", dotenv, "--report-dir", "from-flag", "--log-level", "warn"}
		require.Equal(t, 0, execute(ts.globalState, args), ts.stderr.String())
		assert.Equal(t, "from-flag", ts.opts.ReportDir)
		assert.Equal(t, "warn", ts.opts.LogLevel)
		assert.Equal(t, "127.0.0.1:2", ts.opts.BridgeAddr)
	})
	t.Run("defaults", func(t *testing.T) {
		t.Parallel()

		ts := newTestState(t, nil)
		require.Equal(t, 0, execute(ts.globalState, []string{"engines"}), ts.stderr.String())
		assert.Equal(t, "reports", ts.opts.ReportDir)
		assert.Equal(t, time.Second, ts.opts.PossibleClickWindow)
	})
}

func TestInvalidOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		environ map[string]string
		args    []string
		wantErr string
	}{
		{
			name:    "bad_duration",
			environ: map[string]string{env.RefreshInterval: "soon"},
			args:    []string{"engines"},
			wantErr: env.RefreshInterval,
		},
		{
			name:    "bad_window",
			environ: map[string]string{env.PossibleClickWindow: "-1s"},
			args:    []string{"engines"},
			wantErr: "possible click window",
		},
		{
			name:    "bad_level",
			args:    []string{"engines", "--log-level", "loud"},
			wantErr: "loud",
		},
		{
			name:    "missing_env_file",
			args:    []string{"engines", "--env-file", "/nonexistent/serp.env"},
			wantErr: "env file",
		},
		{
			name:    "no_cdp_url",
			args:    []string{"run"},
			wantErr: "no browser",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ts := newTestState(t, tt.environ)
			assert.Equal(t, 1, execute(ts.globalState, tt.args))
			assert.Contains(t, ts.stderr.String(), tt.wantErr)
		})
	}
}

// fakeBrowser is a DevTools endpoint that acknowledges every command.
type fakeBrowser struct {
	srv *httptest.Server

	mu      sync.Mutex
	methods []string
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()

	b := &fakeBrowser{}
	var wg sync.WaitGroup
	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wg.Add(1)
		defer wg.Done()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close() //nolint:errcheck
		for {
			_, buf, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg cdproto.Message
			if err := json.Unmarshal(buf, &msg); err != nil {
				return
			}
			b.mu.Lock()
			b.methods = append(b.methods, string(msg.Method))
			b.mu.Unlock()

			result := `{}`
			switch msg.Method {
			case "Browser.getVersion":
				result = `{"protocolVersion":"1.3","product":"Chrome/120.0.0.0","revision":"","userAgent":"","jsVersion":""}`
			case "Target.createTarget":
				result = `{"targetId":"T9"}`
			}
			reply, err := json.Marshal(&cdproto.Message{ID: msg.ID, Result: jsontext.Value(result)})
			if err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}))
	t.Cleanup(func() {
		b.srv.Close()
		wg.Wait()
	})
	return b
}

func (b *fakeBrowser) received(method string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.methods {
		if m == method {
			return true
		}
	}
	return false
}

func TestRunCommand(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := newTestState(t, map[string]string{
		env.CDPURL:     "ws" + strings.TrimPrefix(b.srv.URL, "http"),
		env.BridgeAddr: "127.0.0.1:0",
		env.ReportDir:  t.TempDir(),
	})
	ts.ctx = ctx

	code := make(chan int, 1)
	go func() {
		code <- execute(ts.globalState, []string{"run", "--open", "https://www.google.com/"})
	}()

	require.Eventually(t, func() bool {
		return b.received("Target.createTarget")
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, b.received("Target.setDiscoverTargets"))
	assert.True(t, b.received("Target.setAutoAttach"))

	cancel()
	select {
	case c := <-code:
		assert.Equal(t, 0, c, ts.stderr.String())
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}
	ts.outMu.Lock()
	defer ts.outMu.Unlock()
	assert.Contains(t, ts.stdout.String(), "Chrome/120.0.0.0")
	assert.Contains(t, ts.stdout.String(), "page bridge on ws://127.0.0.1:")
}
