package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/smartylighting/lightbus/internal/streetlight"
)

// freeAddr returns a loopback address nothing is listening on.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// startBroker runs an in-process broker and returns its tcp:// address.
// The socket is bound before Serve, so clients can connect at once.
func startBroker(t *testing.T) (*mochi.Server, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := mochi.New(&mochi.Options{InlineClient: true})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("AddHook: %v", err)
	}
	if err := server.AddListener(listeners.NewNet("main", ln)); err != nil {
		t.Fatalf("AddListener: %v", err)
	}
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})

	return server, "tcp://" + ln.Addr().String()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

// testConfig renders a config. Empty dbPath or apiPort disable those
// sections; bindings is appended to the mqtt section.
func testConfig(broker, dbPath, apiPort, bindings string) string {
	return fmt.Sprintf(`
site:
  id: test-site
mqtt:
  broker:
    address: %q
    client_id: lightbus-test
  timeouts:
    connection: 2s
    disconnection: 1s
    completion: 2s
  reconnect:
    initial_delay: 100ms
    max_delay: 500ms%s
database:
  enabled: %t
  path: %q
logging:
  level: error
  format: text
  output: stderr
api:
  enabled: %t
  host: 127.0.0.1
  port: %s
`, broker, bindings, dbPath != "", dbPath, apiPort != "", orZero(apiPort))
}

func orZero(s string) string {
	if s == "" {
		return "8090"
	}
	return s
}

// ─── Config path ───────────────────────────────────────────────────

func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv(configEnv, "")

	if path := getConfigPath(""); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv(configEnv, expected)

	if path := getConfigPath(""); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

func TestGetConfigPath_FlagWins(t *testing.T) {
	t.Setenv(configEnv, "/from/env.yaml")

	if path := getConfigPath("/from/flag.yaml"); path != "/from/flag.yaml" {
		t.Errorf("getConfigPath() = %q, want the flag value", path)
	}
}

// ─── run ───────────────────────────────────────────────────────────

func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, "/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestRun_BrokerUnreachable(t *testing.T) {
	path := writeConfig(t, testConfig("tcp://"+freeAddr(t), "", "", ""))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := run(ctx, path)
	if err == nil {
		t.Fatal("run() should fail when the broker refuses connections")
	}
	if !strings.Contains(err.Error(), "starting MQTT runtime") {
		t.Errorf("error = %v, want a runtime start failure", err)
	}
}

func TestRun_InvalidBindings(t *testing.T) {
	_, broker := startBroker(t)
	path := writeConfig(t, testConfig(broker, "", "", `
  bindings:
    - name: blink
      topic: lights/+/blink
      direction: inbound
      qos: 1`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, path)
	if err == nil {
		t.Fatal("run() should fail when an inbound binding has no handler")
	}
	if !strings.Contains(err.Error(), "blink") {
		t.Errorf("error = %v, want it to name the binding", err)
	}
}

func TestRun_StartupAndShutdown(t *testing.T) {
	broker, address := startBroker(t)
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	_, port, _ := net.SplitHostPort(freeAddr(t))
	path := writeConfig(t, testConfig(address, dbPath, port, ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- run(ctx, path) }()

	base := "http://127.0.0.1:" + port + "/api/v1"
	waitFor(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	var topics streetlight.Topics
	if err := broker.Publish(topics.TurnOn("7"), []byte(`{"id":"7","command":"on"}`), false, 1); err != nil {
		t.Fatalf("broker publish: %v", err)
	}

	waitFor(t, func() bool {
		resp, err := http.Get(base + "/lamps/7")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var lamp streetlight.Lamp
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&lamp) != nil {
			return false
		}
		return lamp.On && lamp.Percentage == 100
	})

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("run() returned error on shutdown: %v", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("run() did not return after cancel")
	}

	// The journal was drained before the database closed.
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM runtime_events WHERE kind = 'state_change'`).Scan(&n); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if n < 2 {
		t.Errorf("state_change events = %d, want at least connecting and connected", n)
	}
}

// ─── Commands ──────────────────────────────────────────────────────

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestValidateCmd(t *testing.T) {
	path := writeConfig(t, testConfig("tcp://broker.local:1883", "", "", ""))

	out, err := execute(t, "validate", "--config", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, want := range []string{"ok", streetlight.BindingTurnOn, streetlight.BindingLightMeasurement, "tcp://broker.local:1883"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestValidateCmd_BadConfig(t *testing.T) {
	path := writeConfig(t, "site:\n  id: \"\"\n")

	if _, err := execute(t, "validate", "--config", path); err == nil {
		t.Error("validate should fail for a config without a site id")
	}
}

func TestPublishCmd(t *testing.T) {
	broker, address := startBroker(t)
	path := writeConfig(t, testConfig(address, "", "", ""))

	var (
		mu       sync.Mutex
		received = map[string]string{}
	)
	if err := broker.Subscribe("#", 1, func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
		mu.Lock()
		received[pk.TopicName] = string(pk.Payload)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("broker subscribe: %v", err)
	}

	var topics streetlight.Topics
	tests := []struct {
		name  string
		args  []string
		topic string
		body  string
	}{
		{
			name:  "binding",
			args:  []string{"--binding", streetlight.BindingLightMeasurement, "--param", "streetlightId=7", "--payload", `{"id":"7","lumens":120}`},
			topic: topics.Measured("7"),
			body:  `{"id":"7","lumens":120}`,
		},
		{
			name:  "topic",
			args:  []string{"--topic", "lights/raw", "--payload", "hello", "--qos", "2"},
			topic: "lights/raw",
			body:  "hello",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"publish", "--config", path}, tt.args...)
			out, err := execute(t, args...)
			if err != nil {
				t.Fatalf("publish: %v", err)
			}
			if !strings.Contains(out, tt.topic) {
				t.Errorf("output = %q, want topic %q", out, tt.topic)
			}

			waitFor(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return received[tt.topic] == tt.body
			})
		})
	}
}

func TestPublishCmd_Flags(t *testing.T) {
	path := writeConfig(t, testConfig("tcp://"+freeAddr(t), "", "", ""))

	tests := []struct {
		name string
		args []string
	}{
		{"no target", []string{"--payload", "x"}},
		{"both targets", []string{"--topic", "a", "--binding", "b"}},
		{"bad qos", []string{"--topic", "a", "--qos", "3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"publish", "--config", path}, tt.args...)
			if _, err := execute(t, args...); err == nil {
				t.Error("publish should reject these flags")
			}
		})
	}
}
