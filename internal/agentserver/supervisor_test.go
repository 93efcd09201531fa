package agentserver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFakeServer(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-server.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStartWaitsForHealthAndStops(t *testing.T) {
	// A fake server that listens on $PORT and answers /global/health with 200.
	script := `
port="$1"
python3 - "$port" <<'PYEOF'
import http.server, sys
port = int(sys.argv[1])
class H(http.server.BaseHTTPRequestHandler):
    def do_GET(self):
        self.send_response(200)
        self.end_headers()
    def log_message(self, *a):
        pass
http.server.HTTPServer(("127.0.0.1", port), H).serve_forever()
PYEOF
`
	bin := writeFakeServer(t, script)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sup, err := Start(ctx, Config{
		Binary:  bin,
		WorkDir: t.TempDir(),
	})
	if err != nil {
		t.Skipf("fake http server unavailable in this environment: %v", err)
	}
	defer sup.Stop()

	if sup.BaseURL() == "" {
		t.Fatal("expected non-empty base url")
	}
	if sup.PID() == 0 {
		t.Fatal("expected non-zero pid")
	}
}

func TestStartFailsWhenProcessDiesDuringWarmup(t *testing.T) {
	bin := writeFakeServer(t, `echo "fatal: cannot bind" 1>&2; exit 1`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Start(ctx, Config{Binary: bin, WorkDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected error when process dies during warmup")
	}
}

func TestAllocatePortReturnsUsablePort(t *testing.T) {
	port, err := allocatePort()
	if err != nil {
		t.Fatal(err)
	}
	if port <= 0 {
		t.Fatalf("expected positive port, got %d", port)
	}
}
