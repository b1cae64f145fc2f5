package integration

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"TrustLinks/client"
)

// safeBuffer wraps bytes.Buffer with a mutex for concurrent read/write.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write appends data to the buffer (implements io.Writer).
func (sb *safeBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.Write(p)
}

// String returns the buffer contents as a string.
func (sb *safeBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.String()
}

// Node represents a running trustnode process.
type Node struct {
	cmd      *exec.Cmd          // cmd is the running process
	httpAddr string             // httpAddr is the HTTP API address
	dataDir  string             // dataDir is the node's data directory
	keyDir   string             // keyDir holds the proving keys
	stdout   *safeBuffer        // stdout captures process output
	stderr   *safeBuffer        // stderr captures process errors
	cancel   context.CancelFunc // cancel stops the process
	done     chan struct{}      // done is closed when the process exits
}

// HTTPAddr returns the node's HTTP address.
func (n *Node) HTTPAddr() string { return n.httpAddr }

// KeyDir returns the directory of the node's proving keys.
func (n *Node) KeyDir() string { return n.keyDir }

// Logs returns the node's output.
func (n *Node) Logs() string { return n.stdout.String() + n.stderr.String() }

// LogContains checks if the node's logs contain a substring.
func (n *Node) LogContains(s string) bool {
	return strings.Contains(n.Logs(), s)
}

// Client returns an API client for the node.
func (n *Node) Client() *client.Client {
	return client.NewClient(n.httpAddr)
}

// Stop terminates the node process.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}

	select {
	case <-n.done:
	case <-time.After(5 * time.Second):
	}
}

// startNode launches the binary with a fresh data directory and waits until
// the API answers.
func startNode(t *testing.T, binary string, extra ...string) *Node {
	t.Helper()

	dataDir := t.TempDir()

	n := &Node{
		httpAddr: fmt.Sprintf("127.0.0.1:%d", freePort(t)),
		dataDir:  dataDir,
		keyDir:   filepath.Join(dataDir, "keys"),
		stdout:   &safeBuffer{},
		stderr:   &safeBuffer{},
		done:     make(chan struct{}),
	}

	args := append([]string{
		"-data", n.dataDir,
		"-http", n.httpAddr,
		"-key-dir", n.keyDir,
		"-log-level", "debug",
	}, extra...)

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.cmd = exec.CommandContext(ctx, binary, args...)
	n.cmd.Stdout = n.stdout
	n.cmd.Stderr = n.stderr

	if err := n.cmd.Start(); err != nil {
		cancel()
		t.Fatalf("start node: %v", err)
	}

	go func() {
		n.cmd.Wait()
		close(n.done)
	}()

	t.Cleanup(n.Stop)

	waitHealthy(t, n, 3*time.Minute)

	return n
}

// waitHealthy polls /health until it answers or the node exits.
func waitHealthy(t *testing.T, n *Node, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	c := n.Client()

	for time.Now().Before(deadline) {
		select {
		case <-n.done:
			t.Fatalf("node exited during startup:\n%s", n.Logs())
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := c.Health(ctx)
		cancel()

		if err == nil {
			return
		}

		time.Sleep(200 * time.Millisecond)
	}

	t.Fatalf("node not healthy after %s:\n%s", timeout, n.Logs())
}

// freePort asks the kernel for an unused TCP port.
func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()

	return l.Addr().(*net.TCPAddr).Port
}

// buildBinary compiles the trustnode binary for the test.
func buildBinary(t *testing.T) string {
	t.Helper()

	binary := filepath.Join(t.TempDir(), "trustnode")

	cmd := exec.Command("go", "build", "-o", binary, "./cmd/trustnode")
	cmd.Dir = getProjectRoot(t)

	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build failed: %v\n%s", err, output)
	}

	return binary
}

// getProjectRoot returns the project root directory (containing go.mod).
func getProjectRoot(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("get working dir: %v", err)
	}

	dir := wd
	for i := 0; i < 5; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		dir = filepath.Dir(dir)
	}

	t.Fatalf("could not find project root from %s", wd)

	return ""
}
