//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/farmsync/testutil"
)

type drainReport struct {
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason"`
	Completed  int    `json:"completed"`
	Retried    int    `json:"retried"`
	Conflicts  int    `json:"conflicts"`
}

type statusReport struct {
	Pending   int  `json:"pending"`
	Failed    int  `json:"failed"`
	Conflicts int  `json:"conflicts"`
	Daemon    bool `json:"daemon"`
}

func TestE2E_OfflineQueueThenSync(t *testing.T) {
	backend := testutil.NewBackend()
	defer backend.Close()

	env := newEnv(t, backend.URL, "")

	env.run(t, "enqueue", "farmers", "insert", "--payload", `{"firstName":"Juan","village":"Kisumu"}`)
	env.run(t, "enqueue", "crops", "insert", "--payload", `{"name":"maize"}`)

	var st statusReport

	stdout, _ := env.run(t, "--json", "status")
	require.NoError(t, json.Unmarshal([]byte(stdout), &st))
	assert.Equal(t, 2, st.Pending)
	assert.Empty(t, backend.Rows("farmers"))

	stdout, _ = env.run(t, "--json", "sync")

	var report drainReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, 2, report.Completed)

	require.Len(t, backend.Rows("farmers"), 1)
	require.Len(t, backend.Rows("crops"), 1)

	stdout, _ = env.run(t, "--json", "status")
	require.NoError(t, json.Unmarshal([]byte(stdout), &st))
	assert.Zero(t, st.Pending)
}

func TestE2E_TransientFailureKeepsOperation(t *testing.T) {
	backend := testutil.NewBackend()
	defer backend.Close()

	// No HTTP-level retries, so the 503 reaches the engine at once.
	env := newEnv(t, "", fmt.Sprintf("[remote]\nurl = %q\nmax_http_retries = 0\n", backend.URL))

	env.run(t, "enqueue", "transactions", "insert", "--payload", `{"amount":120}`)

	backend.SetOffline(true)

	stdout, _ := env.run(t, "--json", "sync")

	var report drainReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, 1, report.Retried)

	var st statusReport

	stdout, _ = env.run(t, "--json", "status")
	require.NoError(t, json.Unmarshal([]byte(stdout), &st))
	assert.Equal(t, 1, st.Pending)
	assert.Empty(t, backend.Rows("transactions"))

	// A manual sync retries at once instead of waiting out the backoff.
	backend.SetOffline(false)

	stdout, _ = env.run(t, "--json", "sync")
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, 1, report.Completed)
	assert.Len(t, backend.Rows("transactions"), 1)
}

func TestE2E_DaemonServesAPIAndStopsOnSignal(t *testing.T) {
	backend := testutil.NewBackend()
	defer backend.Close()

	listen := freeAddr(t)
	env := newEnv(t, backend.URL, "[sync]\nconnectivity = \"probe\"\nheartbeat_interval = \"1s\"\n")

	daemon := env.command("sync", "--watch", "--listen", listen)

	var daemonErr bytes.Buffer
	daemon.Stderr = &daemonErr

	require.NoError(t, daemon.Start())

	t.Cleanup(func() {
		if daemon.ProcessState == nil {
			_ = daemon.Process.Kill()
			_ = daemon.Wait()
		}
	})

	base := "http://" + listen

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()

		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond, "daemon API never came up: %s", daemonErr.String())

	// A second daemon on the same data dir is refused.
	_, _, err := env.try("sync", "--watch")
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)

	// Through the local API.
	resp, err := http.Post(base+"/api/v1/operations", "application/json",
		bytes.NewBufferString(`{"collection":"farmers","kind":"insert","payload":{"firstName":"Ana"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// Through the inbox.
	stdout, _ := env.run(t, "--json", "enqueue", "crops", "insert", "--payload", `{"name":"beans"}`)
	assert.Contains(t, stdout, `"via": "inbox"`)

	require.Eventually(t, func() bool {
		return len(backend.Rows("farmers")) == 1 && len(backend.Rows("crops")) == 1
	}, 10*time.Second, 50*time.Millisecond)

	var st statusReport

	stdout, _ = env.run(t, "--json", "status")
	require.NoError(t, json.Unmarshal([]byte(stdout), &st))
	assert.True(t, st.Daemon)

	require.NoError(t, daemon.Process.Signal(syscall.SIGTERM))

	done := make(chan error, 1)
	go func() { done <- daemon.Wait() }()

	select {
	case err := <-done:
		require.NoError(t, err, "daemon stderr: %s", daemonErr.String())
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not stop after SIGTERM")
	}

	stdout, _ = env.run(t, "--json", "status")
	require.NoError(t, json.Unmarshal([]byte(stdout), &st))
	assert.False(t, st.Daemon)
}

// freeAddr returns a loopback address with a port that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	return fmt.Sprintf("127.0.0.1:%d", addr.Port)
}
