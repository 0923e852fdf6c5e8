package observ

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var (
	outMu sync.Mutex
	out   io.Writer = os.Stdout
)

// SetOutput redirects the event log, mainly for tests.
func SetOutput(w io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	out = w
}

// Log emits one structured JSON event line.
func Log(event string, kv map[string]any) {
	write(event, kv)
}

// Warn marks events worth a second look in the same stream.
func Warn(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["severity"] = "warning"
	write(event, kv)
}

// Alert marks events that should page a human: retry exhaustion,
// reconciliation conflicts, trading halts.
func Alert(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["severity"] = "alert"
	write(event, kv)
}

func write(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	kv["event"] = event
	b, _ := json.Marshal(kv)
	outMu.Lock()
	defer outMu.Unlock()
	fmt.Fprintln(out, string(b))
}
