package cli

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/strongdm/berth/internal/orchestrator"
)

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestServeControlAPI(t *testing.T) {
	t.Parallel()

	tc := newTestCLI(t, "", "")
	scriptDocker(tc.fake, time.Now())
	addr := freePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root := newRootCommand(tc.env)
	root.SetArgs([]string{"--config", tc.config, "serve", "--listen", addr})
	errc := make(chan error, 1)
	go func() { errc <- root.ExecuteContext(ctx) }()

	base := "http://" + addr
	var snap orchestrator.Snapshot
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/api/state")
		if err == nil {
			err = json.NewDecoder(resp.Body).Decode(&snap)
			resp.Body.Close()
			if err == nil {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("control API never answered: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if snap.State != orchestrator.Idle {
		t.Fatalf("initial state %q want idle", snap.State)
	}

	resp, err := http.Post(base+"/api/stop?wait=1", "application/json", nil)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode stop response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || snap.State != orchestrator.Stopped {
		t.Fatalf("stop: status %d state %q", resp.StatusCode, snap.State)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("serve did not shut down")
	}
	if !strings.Contains(tc.out.String(), "Control API listening on http://"+addr) {
		t.Fatalf("listen banner missing: %q", tc.out.String())
	}
}

func TestServeRejectsDisabledListen(t *testing.T) {
	t.Parallel()

	tc := newTestCLI(t, "", "\n[server]\nlisten = \"\"\n")
	if err := tc.run("serve"); err == nil || !strings.Contains(err.Error(), "listen address") {
		t.Fatalf("expected listen error, got %v", err)
	}
}
