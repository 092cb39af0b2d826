package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lydakis/ue5relay/internal/daemon"
	"github.com/lydakis/ue5relay/internal/ipc"
)

type fakeRequester struct {
	reqs  []ipc.Request
	reply func(req *ipc.Request) (*ipc.Response, error)
}

func (f *fakeRequester) SendContext(_ context.Context, req *ipc.Request) (*ipc.Response, error) {
	f.reqs = append(f.reqs, *req)
	return f.reply(req)
}

const connectedState = `{"cloud":"connected","ue5":"connected","mcp_host":"127.0.0.1","mcp_port":55557,"available_tools":3,"version":7}`

// withFakeDaemon swaps the daemon hooks and captures output.
func withFakeDaemon(t *testing.T, reply func(req *ipc.Request) (*ipc.Response, error)) (*fakeRequester, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	fake := &fakeRequester{reply: reply}
	var stdout, stderr bytes.Buffer

	oldOut, oldErr := rootStdout, rootStderr
	oldSpawn, oldExisting, oldReq := spawnOrConnectFn, existingDaemonFn, newRequesterFn
	rootStdout, rootStderr = &stdout, &stderr
	spawnOrConnectFn = func() (string, error) { return "nonce", nil }
	existingDaemonFn = func() (string, error) { return "nonce", nil }
	newRequesterFn = func(string) requester { return fake }
	t.Cleanup(func() {
		rootStdout, rootStderr = oldOut, oldErr
		spawnOrConnectFn, existingDaemonFn, newRequesterFn = oldSpawn, oldExisting, oldReq
	})
	return fake, &stdout, &stderr
}

func TestStatusPrintsHumanSummary(t *testing.T) {
	_, stdout, _ := withFakeDaemon(t, func(req *ipc.Request) (*ipc.Response, error) {
		return &ipc.Response{Content: []byte(connectedState)}, nil
	})

	if code := Run([]string{"status"}); code != ipc.ExitOK {
		t.Fatalf("Run(status) = %d, want 0", code)
	}
	want := "cloud:  connected\nue5:    connected (127.0.0.1:55557, 3 tools)\n"
	if stdout.String() != want {
		t.Fatalf("stdout = %q, want %q", stdout.String(), want)
	}
}

func TestStatusJSON(t *testing.T) {
	_, stdout, _ := withFakeDaemon(t, func(req *ipc.Request) (*ipc.Response, error) {
		return &ipc.Response{Content: []byte(connectedState)}, nil
	})

	if code := Run([]string{"status", "--json"}); code != ipc.ExitOK {
		t.Fatalf("Run(status --json) = %d, want 0", code)
	}
	if stdout.String() != connectedState {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestStatusShowsLastError(t *testing.T) {
	_, stdout, _ := withFakeDaemon(t, func(req *ipc.Request) (*ipc.Response, error) {
		return &ipc.Response{Content: []byte(`{"cloud":"disconnected","ue5":"disconnected","mcp_host":"127.0.0.1","mcp_port":55557,"last_error":"connection refused"}`)}, nil
	})

	Run([]string{"status"})
	if !strings.Contains(stdout.String(), "error:  connection refused\n") {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestConnectSendsOverrides(t *testing.T) {
	fake, _, _ := withFakeDaemon(t, func(req *ipc.Request) (*ipc.Response, error) {
		return &ipc.Response{Content: []byte(connectedState)}, nil
	})

	if code := Run([]string{"connect", "--host", "10.0.0.9", "--port", "6000"}); code != ipc.ExitOK {
		t.Fatalf("Run(connect) = %d, want 0", code)
	}
	if len(fake.reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(fake.reqs))
	}
	got := fake.reqs[0]
	if got.Type != ipc.TypeConnect || got.Host != "10.0.0.9" || got.Port != 6000 {
		t.Fatalf("request = %+v", got)
	}
}

func TestCloudSubcommands(t *testing.T) {
	fake, _, _ := withFakeDaemon(t, func(req *ipc.Request) (*ipc.Response, error) {
		return &ipc.Response{Content: []byte(connectedState)}, nil
	})

	Run([]string{"cloud", "connect"})
	Run([]string{"cloud", "disconnect"})
	if len(fake.reqs) != 2 || fake.reqs[0].Type != ipc.TypeCloudConnect || fake.reqs[1].Type != ipc.TypeCloudDisconnect {
		t.Fatalf("requests = %+v", fake.reqs)
	}
}

func TestCallPropagatesExitCodeAndContent(t *testing.T) {
	fake, stdout, stderr := withFakeDaemon(t, func(req *ipc.Request) (*ipc.Response, error) {
		return &ipc.Response{
			Content:  []byte("{\"isError\": true}\n"),
			ExitCode: ipc.ExitToolErr,
		}, nil
	})

	code := Run([]string{"call", "delete_actor", `{"name":"Cube_1"}`})
	if code != ipc.ExitToolErr {
		t.Fatalf("Run(call) = %d, want %d", code, ipc.ExitToolErr)
	}
	if stdout.String() != "{\"isError\": true}\n" {
		t.Fatalf("stdout = %q", stdout.String())
	}
	if stderr.Len() != 0 {
		t.Fatalf("stderr = %q, want empty", stderr.String())
	}
	var args map[string]any
	if err := json.Unmarshal(fake.reqs[0].Args, &args); err != nil || args["name"] != "Cube_1" {
		t.Fatalf("args = %s (%v)", fake.reqs[0].Args, err)
	}
}

func TestCallReadsArgsFromStdin(t *testing.T) {
	fake, _, _ := withFakeDaemon(t, func(req *ipc.Request) (*ipc.Response, error) {
		return &ipc.Response{Content: []byte("{}\n")}, nil
	})
	oldIn := rootStdin
	rootStdin = strings.NewReader(`{"filepath":"/tmp/shot.png"}`)
	defer func() { rootStdin = oldIn }()

	if code := Run([]string{"call", "take_screenshot", "-"}); code != ipc.ExitOK {
		t.Fatalf("Run(call -) = %d, want 0", code)
	}
	if string(fake.reqs[0].Args) != `{"filepath":"/tmp/shot.png"}` {
		t.Fatalf("args = %s", fake.reqs[0].Args)
	}
}

func TestCallRejectsInvalidArgsLocally(t *testing.T) {
	fake, _, stderr := withFakeDaemon(t, func(req *ipc.Request) (*ipc.Response, error) {
		t.Fatal("daemon should not be contacted")
		return nil, nil
	})

	if code := Run([]string{"call", "spawn_actor", "[1]"}); code != ipc.ExitUsageErr {
		t.Fatalf("Run(call) = %d, want %d", code, ipc.ExitUsageErr)
	}
	if len(fake.reqs) != 0 {
		t.Fatal("request sent for invalid args")
	}
	if !strings.Contains(stderr.String(), "JSON object") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestDaemonErrorGoesToStderr(t *testing.T) {
	_, _, stderr := withFakeDaemon(t, func(req *ipc.Request) (*ipc.Response, error) {
		return &ipc.Response{ExitCode: ipc.ExitUsageErr, Stderr: "listing tools: not connected"}, nil
	})

	if code := Run([]string{"tools"}); code != ipc.ExitUsageErr {
		t.Fatalf("Run(tools) = %d, want %d", code, ipc.ExitUsageErr)
	}
	if stderr.String() != "listing tools: not connected\n" {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestTransportErrorIsInternal(t *testing.T) {
	withFakeDaemon(t, func(req *ipc.Request) (*ipc.Response, error) {
		return nil, errors.New("connecting to daemon: connection refused")
	})
	if code := Run([]string{"status"}); code != ipc.ExitInternal {
		t.Fatalf("Run(status) = %d, want %d", code, ipc.ExitInternal)
	}
}

func TestStopWhenNotRunning(t *testing.T) {
	_, stdout, _ := withFakeDaemon(t, func(req *ipc.Request) (*ipc.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	})
	existingDaemonFn = func() (string, error) { return "", daemon.ErrNotRunning }
	spawnOrConnectFn = func() (string, error) {
		t.Fatal("stop must not spawn a daemon")
		return "", nil
	}

	if code := Run([]string{"stop"}); code != ipc.ExitOK {
		t.Fatalf("Run(stop) = %d, want 0", code)
	}
	if stdout.String() != "relay daemon is not running\n" {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestStopSendsShutdown(t *testing.T) {
	fake, stdout, _ := withFakeDaemon(t, func(req *ipc.Request) (*ipc.Response, error) {
		return &ipc.Response{Content: []byte("shutting down\n")}, nil
	})
	if code := Run([]string{"stop"}); code != ipc.ExitOK {
		t.Fatalf("Run(stop) = %d, want 0", code)
	}
	if fake.reqs[0].Type != ipc.TypeShutdown || stdout.String() != "shutting down\n" {
		t.Fatalf("requests = %+v stdout = %q", fake.reqs, stdout.String())
	}
}

func TestVersionFlag(t *testing.T) {
	_, stdout, _ := withFakeDaemon(t, nil)
	if code := Run([]string{"--version"}); code != ipc.ExitOK {
		t.Fatalf("Run(--version) = %d, want 0", code)
	}
	if stdout.String() != "ue5relay "+buildVersion+"\n" {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestUnknownCommandIsUsageError(t *testing.T) {
	withFakeDaemon(t, nil)
	if code := Run([]string{"teleport"}); code != ipc.ExitUsageErr {
		t.Fatalf("Run(teleport) = %d, want %d", code, ipc.ExitUsageErr)
	}
}

func TestConfigSetGetRoundTrip(t *testing.T) {
	_, stdout, _ := withFakeDaemon(t, nil)
	path := filepath.Join(t.TempDir(), "ue5relay", "config.toml")
	oldPath := configFileFn
	configFileFn = func() string { return path }
	defer func() { configFileFn = oldPath }()

	if code := Run([]string{"config", "set", "engine.port", "6001"}); code != ipc.ExitOK {
		t.Fatalf("Run(config set) = %d, want 0", code)
	}
	stdout.Reset()
	if code := Run([]string{"config", "get", "engine.port"}); code != ipc.ExitOK {
		t.Fatalf("Run(config get) = %d, want 0", code)
	}
	if stdout.String() != "6001\n" {
		t.Fatalf("engine.port = %q, want 6001", stdout.String())
	}

	if code := Run([]string{"config", "set", "engine.port", "not-a-port"}); code != ipc.ExitUsageErr {
		t.Fatalf("Run(config set bad) = %d, want %d", code, ipc.ExitUsageErr)
	}
	if code := Run([]string{"config", "get", "engine.nope"}); code != ipc.ExitUsageErr {
		t.Fatalf("Run(config get unknown) = %d, want %d", code, ipc.ExitUsageErr)
	}
}

func TestConfigGetMasksToken(t *testing.T) {
	_, stdout, _ := withFakeDaemon(t, nil)
	path := filepath.Join(t.TempDir(), "config.toml")
	oldPath := configFileFn
	configFileFn = func() string { return path }
	defer func() { configFileFn = oldPath }()

	Run([]string{"config", "set", "cloud.token", "eyJhbGciOi.secret-1234"})
	stdout.Reset()
	Run([]string{"config", "get", "cloud.token"})
	if got := strings.TrimSpace(stdout.String()); got != strings.Repeat("*", 18)+"1234" {
		t.Fatalf("masked token = %q", got)
	}
	stdout.Reset()
	Run([]string{"config", "get", "cloud.token", "--reveal"})
	if got := strings.TrimSpace(stdout.String()); got != "eyJhbGciOi.secret-1234" {
		t.Fatalf("revealed token = %q", got)
	}
}

func TestReadCallArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{name: "none", args: nil, want: ""},
		{name: "inline", args: []string{` {"a":1} `}, want: `{"a":1}`},
		{name: "blank", args: []string{"  "}, want: ""},
		{name: "array", args: []string{`[1]`}, wantErr: true},
		{name: "garbage", args: []string{`{`}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readCallArgs(strings.NewReader(""), tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("readCallArgs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if string(got) != tt.want {
				t.Fatalf("readCallArgs() = %q, want %q", got, tt.want)
			}
		})
	}
}
