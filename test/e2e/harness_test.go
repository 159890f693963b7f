package e2e

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 50 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// proc is a running subprocess and its combined output.
type proc struct {
	cmd    *exec.Cmd
	output *lockedBuffer
	addr   string
}

// stop kills the process and waits for it to exit. Safe to call twice.
func (p *proc) stop() {
	if p.cmd.ProcessState != nil {
		return
	}
	_ = p.cmd.Process.Kill()
	_ = p.cmd.Wait()
}

func (p *proc) url() string {
	return "http://" + p.addr
}

type binaries struct {
	gateway string
	engine  string
}

var (
	built     binaries
	buildOnce sync.Once
	buildErr  error
)

func getBinaries(t *testing.T) binaries {
	t.Helper()
	if testing.Short() {
		t.Skip("e2e tests build binaries; skipped in short mode")
	}
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "voxgate-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		root := findRepoRoot(t)
		for _, target := range []struct{ out, pkg string }{
			{filepath.Join(dir, "voxgate"), "./cmd/voxgate"},
			{filepath.Join(dir, "enginesim"), "./cmd/enginesim"},
		} {
			cmd := exec.Command("go", "build", "-o", target.out, target.pkg)
			cmd.Dir = root
			if out, err := cmd.CombinedOutput(); err != nil {
				buildErr = fmt.Errorf("go build %s failed: %w\n%s", target.pkg, err, out)
				return
			}
		}
		built = binaries{
			gateway: filepath.Join(dir, "voxgate"),
			engine:  filepath.Join(dir, "enginesim"),
		}
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return built
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func launch(t *testing.T, binary string, env []string, args ...string) *proc {
	t.Helper()
	output := &lockedBuffer{}
	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		t.Fatalf("start %s: %v", filepath.Base(binary), err)
	}
	p := &proc{cmd: cmd, output: output}
	t.Cleanup(p.stop)
	return p
}

// startEngine runs the simulated engine on addr, or a free address when addr
// is empty, and waits until it accepts connections.
func startEngine(t *testing.T, addr string, args ...string) *proc {
	t.Helper()
	bins := getBinaries(t)
	if addr == "" {
		addr = freeAddr(t)
	}

	p := launch(t, bins.engine, nil, append([]string{"-network", "tcp", "-addr", addr}, args...)...)
	p.addr = addr

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		if conn, err := net.DialTimeout("tcp", addr, pollInterval); err == nil {
			conn.Close()
			return p
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("engine did not listen within %v\noutput:\n%s", startupTimeout, p.output.String())
	return nil
}

// startGateway runs voxgate against engineAddr and waits for /healthz.
func startGateway(t *testing.T, engineAddr string, env ...string) *proc {
	t.Helper()
	bins := getBinaries(t)
	addr := freeAddr(t)

	p := launch(t, bins.gateway, append([]string{
		"VOXGATE_LISTEN_ADDR=" + addr,
		"VOXGATE_DB_PATH=" + filepath.Join(t.TempDir(), "voxgate.db"),
		"VOXGATE_ENGINE_URL=tcp://" + engineAddr,
		"VOXGATE_LOG_LEVEL=debug",
		"VOXGATE_RECONNECT_BACKOFF_INITIAL_MS=50",
		"VOXGATE_RECONNECT_BACKOFF_MAX_MS=200",
		"VOXGATE_RATE_LIMIT_RPS=0",
	}, env...))
	p.addr = addr

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(p.url() + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return p
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("gateway did not become ready within %v\noutput:\n%s", startupTimeout, p.output.String())
	return nil
}

// eventually polls cond until it holds or timeout passes.
func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}
