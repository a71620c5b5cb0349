//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

const apiKey = "e2e-test-api-key"

// formsyncServer manages a running `formsync serve` process.
type formsyncServer struct {
	cmd     *exec.Cmd
	dataDir string
	port    int
	logFile *os.File
}

// startServer launches the document service on a fresh data directory.
func startServer(t *testing.T) *formsyncServer {
	t.Helper()
	requireFormsync(t)

	s := &formsyncServer{dataDir: t.TempDir(), port: freePort(t)}
	s.start(t)
	t.Cleanup(s.stop)
	return s
}

// start runs the server process against s.dataDir and waits for health.
// Calling it after stop restarts the same service.
func (s *formsyncServer) start(t *testing.T) {
	t.Helper()

	lf, err := os.OpenFile(filepath.Join(s.dataDir, "formsync.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}

	cmd := exec.Command(formsyncBin, "serve")
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("FORMSYNC_SERVER_PORT=%d", s.port),
		"FORMSYNC_DATABASE_DRIVER=sqlite",
		"FORMSYNC_DATABASE_DSN="+filepath.Join(s.dataDir, "docs.db"),
		"FORMSYNC_AUTH_API_KEY="+apiKey,
		"FORMSYNC_CONFIG_PATH="+filepath.Join(s.dataDir, "nonexistent.yaml"),
		"FORMSYNC_ENV_FILE="+filepath.Join(s.dataDir, "nonexistent.env"),
		"FORMSYNC_LOG_FORMAT=text",
	)
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start formsync serve: %v", err)
	}
	s.cmd, s.logFile = cmd, lf

	if err := s.waitHealthy(10 * time.Second); err != nil {
		s.dumpLog(t)
		t.Fatalf("formsync not healthy: %v", err)
	}
}

func (s *formsyncServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
		s.cmd = nil
	}
	if s.logFile != nil {
		s.logFile.Close()
		s.logFile = nil
	}
}

func (s *formsyncServer) baseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.port)
}

func (s *formsyncServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := s.baseURL() + "/api/v1/health"

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("not healthy after %s", timeout)
}

func (s *formsyncServer) dumpLog(t *testing.T) {
	t.Helper()
	if b, err := os.ReadFile(filepath.Join(s.dataDir, "formsync.log")); err == nil {
		t.Logf("server log:\n%s", b)
	}
}

// document mirrors the service's document representation.
type document struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	ModifiedAt time.Time       `json:"modified_at"`
	Payload    json.RawMessage `json:"payload"`
}

// listDocuments reads a collection straight from the service.
func (s *formsyncServer) listDocuments(t *testing.T, collection string) []document {
	t.Helper()
	var out struct {
		Documents []document `json:"documents"`
	}
	s.request(t, http.MethodGet, "/api/v1/collections/"+collection+"/documents", http.StatusOK, &out)
	return out.Documents
}

// deleteDocument removes a document behind the clients' backs.
func (s *formsyncServer) deleteDocument(t *testing.T, collection, id string) {
	t.Helper()
	s.request(t, http.MethodDelete, "/api/v1/collections/"+collection+"/documents/"+id, http.StatusNoContent, nil)
}

func (s *formsyncServer) request(t *testing.T, method, path string, want int, out any) {
	t.Helper()
	req, _ := http.NewRequest(method, s.baseURL()+path, nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status %d: %s", method, path, resp.StatusCode, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

// formsyncClient runs client commands against one local cache.
type formsyncClient struct {
	dir    string
	config string
	user   string
}

func newClient(t *testing.T, srv *formsyncServer, user string) *formsyncClient {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`local:
  path: %s
remote:
  kind: http
  url: %s
connectivity:
  mode: online
sync:
  remote_timeout: 3s
log:
  level: warn
  format: text
`, filepath.Join(dir, "local.db"), srv.baseURL())

	path := filepath.Join(dir, "formsync.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write client config: %v", err)
	}
	return &formsyncClient{dir: dir, config: path, user: user}
}

// run executes a client command and returns stdout. It fails the test on
// a non-zero exit.
func (c *formsyncClient) run(t *testing.T, args ...string) string {
	t.Helper()
	stdout, stderr, err := c.exec(args...)
	if err != nil {
		t.Fatalf("formsync %v: %v\nstderr: %s", args, err, stderr)
	}
	return stdout
}

func (c *formsyncClient) exec(args ...string) (string, string, error) {
	full := append([]string{"--config", c.config, "--user", c.user}, args...)
	cmd := exec.Command(formsyncBin, full...)
	cmd.Env = append(os.Environ(),
		"FORMSYNC_REMOTE_API_KEY="+apiKey,
		"FORMSYNC_ENV_FILE="+filepath.Join(c.dir, "nonexistent.env"),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// runJSON executes a client command with --json and decodes the result.
func (c *formsyncClient) runJSON(t *testing.T, out any, args ...string) {
	t.Helper()
	raw := c.run(t, append([]string{"--json"}, args...)...)
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		t.Fatalf("decode %v output %q: %v", args, raw, err)
	}
}

type savedForm struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Payload struct {
		Kind      string `json:"kind"`
		OrderCode string `json:"order_code"`
	} `json:"payload"`
}

func (c *formsyncClient) save(t *testing.T, kind, code string, extra ...string) savedForm {
	t.Helper()
	var f savedForm
	c.runJSON(t, &f, append([]string{"forms", "save", "--kind", kind, "--code", code}, extra...)...)
	return f
}

func (c *formsyncClient) list(t *testing.T, extra ...string) []savedForm {
	t.Helper()
	var out struct {
		Forms []savedForm `json:"forms"`
	}
	c.runJSON(t, &out, append([]string{"forms", "list"}, extra...)...)
	return out.Forms
}

type statusReport struct {
	Online      bool `json:"online"`
	Collections map[string]struct {
		Pending  bool `json:"pending_writes"`
		Rejected []struct {
			Kind     string `json:"kind"`
			TargetID string `json:"target_id"`
			Reason   string `json:"reason"`
		} `json:"rejected"`
	} `json:"collections"`
}

func (c *formsyncClient) status(t *testing.T, extra ...string) statusReport {
	t.Helper()
	var r statusReport
	c.runJSON(t, &r, append([]string{"status"}, extra...)...)
	return r
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func codes(forms []savedForm) map[string]bool {
	m := make(map[string]bool, len(forms))
	for _, f := range forms {
		m[f.Payload.OrderCode] = true
	}
	return m
}
