package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/sparkbridge/pkg/auth"
	"github.com/odvcencio/sparkbridge/pkg/browser"
	"github.com/odvcencio/sparkbridge/pkg/browser/browsertest"
	"github.com/odvcencio/sparkbridge/pkg/chat"
	"github.com/odvcencio/sparkbridge/pkg/config"
	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
	"github.com/odvcencio/sparkbridge/pkg/exchange"
	"github.com/odvcencio/sparkbridge/pkg/service"
	"github.com/odvcencio/sparkbridge/pkg/session"
	"github.com/odvcencio/sparkbridge/pkg/storage"
	"github.com/odvcencio/sparkbridge/pkg/telemetry"
	"github.com/odvcencio/sparkbridge/pkg/terminal"
)

// isolate points HOME and the data directory at temp dirs and clears the
// variables the config loader reads.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, key := range []string{
		"SPARKAI_CHAT_ID", "SPARKAI_CHROME_PROFILE", "SPARKAI_TIMEOUT", "SPARKAI_RESPONSE_TIMEOUT",
		"SPARKAI_USERNAME", "SPARKAI_PASSWORD", "SPARK_USERNAME", "SPARK_PASSWORD",
		"SPARKAI_COOKIE_FILE", "SPARKAI_HEADLESS", "SPARKAI_NO_PERSISTENT_PROFILE",
		"SPARKAI_BROWSER_ID", "SPARKAI_NO_AUTO_LOGIN", "SPARKAI_KEEP_BROWSER", "SPARKAI_ATTACH_ONLY",
		"SPARKAI_DEBUGGER_ADDRESS", "SPARKAI_DRIVER", "SPARKAI_SERVICE_PORT", "SPARKAI_SERVICE_HOST",
		"SPARKAI_INPUT_FILE", "SPARKAI_OUTPUT_FILE", "SPARKAI_LOG_DIR",
		"SPARKAI_LOG_LEVEL", "SPARKAI_BASE_URL", "SPARKAI_TRACING",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Setenv("SPARKAI_DATA_DIR", filepath.Join(home, "data"))

	wd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(wd) })
	require.NoError(t, os.Chdir(t.TempDir()))
	return home
}

func testStreams(stdin string) (streams, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return streams{in: strings.NewReader(stdin), out: &out, err: &errOut}, &out, &errOut
}

// chatPage is an authenticated chat page that answers on thread "abc".
func chatPage() *browsertest.Handle {
	sel := exchange.DefaultSelectors()
	h := browsertest.NewHandle("about:blank")
	h.Set(sel.Prompt, browsertest.NewElement("prompt"))
	send := browsertest.NewElement("send").OnClick(func() {
		h.SetURL(exchange.DefaultChatURL + "/threads/abc")
		h.Set(sel.CopyButton, browsertest.NewElement("copy"))
		h.Set(sel.ResponseMessage, browsertest.NewElement("message").WithText("The answer"))
	})
	h.Set(sel.SendButton, send)
	return h
}

// stubApp replaces buildApp with a graph driven by fake browsers and a fake
// clock. It returns the launcher so tests can inspect launches.
func stubApp(t *testing.T) *browsertest.Launcher {
	t.Helper()
	launcher := &browsertest.Launcher{Factory: chatPage}
	prev := buildAppFn
	t.Cleanup(func() { buildAppFn = prev })
	buildAppFn = func(cfg *config.Config, _ appDeps) (*app, error) {
		clock := browsertest.NewClock()
		hub := telemetry.NewHub()
		pool := session.NewPool(launcher, session.DefaultConfig(), session.WithClock(clock))
		machine := auth.NewMachine(auth.DefaultConfig(), auth.WithClock(clock))
		protocol := exchange.NewProtocol(exchange.DefaultConfig(),
			exchange.WithClock(clock),
			exchange.WithStrategies(exchange.RawText{}),
			exchange.WithTelemetry(hub),
		)
		client := chat.New(pool, machine, protocol, chat.Config{}, chat.WithClock(clock), chat.WithTelemetry(hub))
		return &app{
			cfg:    cfg,
			logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
			hub:    hub,
			client: client,
		}, nil
	}
	return launcher
}

func TestExitCodeForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"plain", errors.New("boom"), exitRuntime},
		{"usage", usageError(errors.New("bad flag")), exitUsage},
		{"auth", apperrors.Authentication("failed", errors.New("denied")), exitAuth},
		{"timeout", apperrors.Timeout("response", time.Minute), exitTimeout},
		{"extraction", apperrors.Extraction([]string{"raw_text"}), exitExtraction},
		{"invalid input", apperrors.InvalidInput("no message"), exitUsage},
		{"config", apperrors.New(apperrors.ErrCodeConfigInvalid, "bad port"), exitUsage},
		{"explicit", withExitCode(errors.New("x"), 7), 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCodeForError(tt.err))
		})
	}
}

func TestParseInterspersed(t *testing.T) {
	fs, f := newSendFlagSet(io.Discard)
	words, err := f.parse(fs, []string{"what", "--new-thread", "is", "-o", "out.txt", "this", "--", "--literal"})
	require.NoError(t, err)
	assert.Equal(t, []string{"what", "is", "this", "--literal"}, words)
	assert.True(t, f.newThread)
	assert.Equal(t, "out.txt", f.outputFile)
	assert.True(t, f.isSet("o"))
	assert.False(t, f.isSet("output-file"))
}

func TestSendFlagsApply(t *testing.T) {
	fs, f := newSendFlagSet(io.Discard)
	_, err := f.parse(fs, []string{
		"--headless", "--no-headless", "--timeout", "12", "--response-timeout", "300",
		"--chat-id", "None", "--no-persistent-profile", "--browser-id", "work", "-v",
	})
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Chat.ThreadID = "from-env"
	cfg.Browser.Headless = true
	f.apply(cfg)

	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, 12*time.Second, cfg.Exchange.Timeout)
	assert.Equal(t, 300*time.Second, cfg.Exchange.ResponseTimeout)
	assert.Empty(t, cfg.Chat.ThreadID)
	assert.False(t, cfg.Browser.PersistentProfile)
	assert.Equal(t, "work", cfg.Browser.ID)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestSendFlagsLeaveUnsetValues(t *testing.T) {
	fs, f := newSendFlagSet(io.Discard)
	_, err := f.parse(fs, []string{"hello"})
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Chat.ThreadID = "from-env"
	cfg.Browser.Headless = true
	f.apply(cfg)

	assert.Equal(t, "from-env", cfg.Chat.ThreadID)
	assert.True(t, cfg.Browser.Headless)
}

func TestComposeMessage(t *testing.T) {
	file := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(file, []byte("file body\n"), 0o644))

	msg, err := composeMessage([]string{"Summarize", "this:"}, file, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "Summarize this: file body", msg)

	msg, err = composeMessage(nil, "", strings.NewReader("  piped question \n"), false)
	require.NoError(t, err)
	assert.Equal(t, "piped question", msg)

	msg, err = composeMessage([]string{"words"}, "", strings.NewReader("ignored"), false)
	require.NoError(t, err)
	assert.Equal(t, "words", msg)

	_, err = composeMessage(nil, filepath.Join(t.TempDir(), "missing"), nil, true)
	require.Error(t, err)
	assert.Equal(t, exitRuntime, exitCodeForError(err))
}

func TestRunVersion(t *testing.T) {
	std, out, _ := testStreams("")
	assert.Equal(t, exitOK, run(context.Background(), []string{"version"}, std))
	assert.Contains(t, out.String(), "sparkbridge "+version)
}

func TestRunHelpListsSendFlags(t *testing.T) {
	std, out, _ := testStreams("")
	assert.Equal(t, exitOK, run(context.Background(), []string{"--help"}, std))
	assert.Contains(t, out.String(), "Send flags:")
	assert.Contains(t, out.String(), "-no-headless")
}

func TestRunUnknownFlagIsUsageError(t *testing.T) {
	isolate(t)
	std, _, _ := testStreams("")
	assert.Equal(t, exitUsage, run(context.Background(), []string{"--bogus"}, std))
}

func TestRunEmptyStdinIsUsageError(t *testing.T) {
	isolate(t)
	stubApp(t)
	std, _, errOut := testStreams("   \n")
	assert.Equal(t, exitUsage, run(context.Background(), nil, std))
	assert.Contains(t, errOut.String(), "no message provided")
}

func TestRunSendPrintsResponse(t *testing.T) {
	isolate(t)
	launcher := stubApp(t)
	output := filepath.Join(t.TempDir(), "answer.txt")

	std, out, errOut := testStreams("")
	code := run(context.Background(), []string{"What", "is", "Spark?", "--output-file", output}, std)
	require.Equal(t, exitOK, code, errOut.String())

	assert.Equal(t, "The answer\n", out.String())
	assert.Contains(t, errOut.String(), "thread: abc")
	written, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "The answer\n", string(written))
	assert.Len(t, launcher.Launches(), 1)
}

func TestRunSendReadsStdin(t *testing.T) {
	isolate(t)
	stubApp(t)
	std, out, errOut := testStreams("piped question\n")
	require.Equal(t, exitOK, run(context.Background(), nil, std), errOut.String())
	assert.Equal(t, "The answer\n", out.String())
}

func TestCallOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Auth.Username = "user"
	cfg.Auth.Password = "secret"
	cfg.Chat.ThreadID = "null"
	cfg.Browser.AttachOnly = true
	cfg.Browser.DebuggerAddress = "localhost:9333"

	opts := callOptions(cfg)
	assert.Equal(t, "user", opts.Auth.Username)
	assert.Empty(t, opts.ThreadID)
	assert.Equal(t, "localhost:9333", opts.AttachAddress)
}

func TestURLMarker(t *testing.T) {
	assert.Equal(t, "spark.unimelb.edu.au/securechat", urlMarker("https://spark.unimelb.edu.au/securechat/"))
	assert.Empty(t, urlMarker("not a url"))
}

func TestNewLauncherRejectsUnknownDriver(t *testing.T) {
	_, err := newLauncher("netscape", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCodeForError(err))
}

func TestBrowserRequiresAction(t *testing.T) {
	std, _, _ := testStreams("")
	assert.Equal(t, exitUsage, run(context.Background(), []string{"browser"}, std))
	assert.Equal(t, exitUsage, run(context.Background(), []string{"browser", "explode"}, std))
}

func TestBrowserLaunchPrintsAddress(t *testing.T) {
	isolate(t)
	var gotOpts browser.LaunchOptions
	var gotPort int
	prev := launchDebuggableFn
	t.Cleanup(func() { launchDebuggableFn = prev })
	launchDebuggableFn = func(opts browser.LaunchOptions, port int) (string, int, error) {
		gotOpts, gotPort = opts, port
		return "ws://127.0.0.1:9333/devtools/browser/x", 4242, nil
	}

	std, out, errOut := testStreams("")
	require.Equal(t, exitOK, run(context.Background(), []string{"browser", "launch", "--port", "9333"}, std))
	assert.Equal(t, 9333, gotPort)
	assert.False(t, gotOpts.Headless)
	assert.Equal(t, "localhost:9333\n", out.String())
	assert.Contains(t, errOut.String(), "pid 4242")
}

func TestHistoryListsExchanges(t *testing.T) {
	isolate(t)
	cfg, err := config.Load()
	require.NoError(t, err)
	store, err := storage.New(cfg.StoragePath())
	require.NoError(t, err)
	_, err = store.RecordExchange(context.Background(), storage.ExchangeRecord{
		SessionID: "spark-ai-chat",
		ThreadID:  "abc",
		StartedAt: time.Now(),
		Duration:  3 * time.Second,
		Status:    storage.StatusSuccess,
		Method:    "raw_text",
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	std, out, errOut := testStreams("")
	require.Equal(t, exitOK, run(context.Background(), []string{"history", "--limit", "5"}, std), errOut.String())
	assert.Contains(t, out.String(), "THREAD")
	assert.Contains(t, out.String(), "abc")
	assert.Contains(t, out.String(), "raw_text")
}

func TestHistoryRejectsBadLimit(t *testing.T) {
	std, _, _ := testStreams("")
	assert.Equal(t, exitUsage, run(context.Background(), []string{"history", "--limit", "0"}, std))
}

func TestServeRefusesBusyPort(t *testing.T) {
	isolate(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	std, _, errOut := testStreams("")
	code := run(context.Background(), []string{"serve", "--host", "127.0.0.1", "--port", strconv.Itoa(port)}, std)
	assert.Equal(t, exitRuntime, code)
	assert.Contains(t, errOut.String(), "already in use")
}

func TestServeWiresService(t *testing.T) {
	isolate(t)
	stubApp(t)
	var handler http.Handler
	prev := serveFn
	t.Cleanup(func() { serveFn = prev })
	serveFn = func(_ context.Context, srv *service.Server, _ string) error {
		handler = srv.Handler()
		return nil
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	std, _, errOut := testStreams("")
	args := []string{"serve", "--host", "127.0.0.1", "--port", strconv.Itoa(port)}
	require.Equal(t, exitOK, run(context.Background(), args, std), errOut.String())
	require.NotNil(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(`{"message":"hi"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "The answer")
}

func TestDescribeErrorIncludesRemediation(t *testing.T) {
	err := apperrors.New(apperrors.ErrCodeAuthentication, "login failed").
		WithUserMessage("Sign-in did not complete").
		WithRemediation("Check SPARKAI_USERNAME")
	got := describeError(err)
	assert.Contains(t, got, "Sign-in did not complete")
	assert.Contains(t, got, "\n  Check SPARKAI_USERNAME")
}

func TestInteractiveGetsLineAfterAbandonedLoginWait(t *testing.T) {
	isolate(t)
	stubApp(t)
	cfg := config.DefaultConfig()
	a, err := buildAppFn(cfg, appDeps{})
	require.NoError(t, err)
	defer a.Close()

	pr, pw := io.Pipe()
	lines := terminal.NewLineReader(pr)
	defer lines.Close()

	// A login wait that gives up before the operator types anything.
	operator := auth.TerminalOperator{Lines: lines, Out: io.Discard}
	waitCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, operator.WaitForOperator(waitCtx, "Complete the login"), context.DeadlineExceeded)

	go func() {
		_, _ = io.WriteString(pw, "Question\nexit\n")
		_ = pw.Close()
	}()
	var out, errOut bytes.Buffer
	err = interactive(context.Background(), a, cfg, callOptions(cfg), lines, &errOut,
		terminal.NewWithOutput(&out, terminal.Options{}),
		terminal.NewWithOutput(&errOut, terminal.Options{}))
	require.NoError(t, err)
	assert.Equal(t, "The answer\n", out.String())
}
