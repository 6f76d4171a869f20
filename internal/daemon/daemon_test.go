package daemon_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loom-ai/loom/internal/config"
	"github.com/loom-ai/loom/internal/daemon"
)

func newTestDaemon(t *testing.T) (*daemon.Daemon, chan error) {
	t.Helper()
	t.Setenv("LOOM_HOME", t.TempDir())

	d, err := daemon.New(daemon.Options{
		Settings: config.Settings{
			Binding:         "127.0.0.1",
			Port:            0,
			KnowledgeDBPath: ":memory:",
		},
	})
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- d.Start() }()
	t.Cleanup(func() {
		d.Shutdown()
		select {
		case <-runErr:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for d.APIServer().Port() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("daemon never bound a port")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return d, runErr
}

func baseURL(d *daemon.Daemon) string {
	return fmt.Sprintf("http://127.0.0.1:%d", d.APIServer().Port())
}

func TestDaemonServesStatus(t *testing.T) {
	d, _ := newTestDaemon(t)

	resp, err := http.Get(baseURL(d) + "/daemon/status")
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	var body struct {
		Version  string   `json:"version"`
		Services []string `json:"services"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if body.Version == "" {
		t.Fatal("status missing version")
	}
}

func TestDaemonWritesAndRemovesPIDFile(t *testing.T) {
	d, runErr := newTestDaemon(t)

	lock := config.GetInstancePaths("").Lock
	if _, err := os.Stat(lock); err != nil {
		t.Fatalf("pid file not written: %v", err)
	}
	if filepath.Dir(lock) == "" {
		t.Fatal("unexpected lock path")
	}

	d.Shutdown()
	select {
	case err := <-runErr:
		runErr <- err // refill so the shared cleanup's wait on the same channel can observe the stop
		if err != nil {
			t.Fatalf("run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	if _, err := os.Stat(lock); !os.IsNotExist(err) {
		t.Fatal("pid file not removed on shutdown")
	}
}

func TestDaemonAcceptsRegistrations(t *testing.T) {
	d, _ := newTestDaemon(t)

	payload, _ := json.Marshal(map[string]any{"id": "panel"})
	resp, err := http.Post(baseURL(d)+"/register/device", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("register device: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register device: status %d", resp.StatusCode)
	}
}
