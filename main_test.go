package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/3leaps/apkfetch/internal/apk/apktest"
	"github.com/3leaps/apkfetch/internal/cache"
	"github.com/3leaps/apkfetch/internal/cli"
	"github.com/3leaps/apkfetch/internal/kvstore"
	"github.com/3leaps/apkfetch/internal/model"
	"github.com/3leaps/apkfetch/internal/shell"
)

// fakeDevice answers the getprop, pm and dumpsys commands the CLI issues and
// installs committed sessions into dir.
type fakeDevice struct {
	mu        sync.Mutex
	dir       string
	commands  []string
	staged    []byte
	installed string
	version   string

	// replace, when set, is installed instead of the committed bytes.
	replace []byte
}

func (d *fakeDevice) Run(ctx context.Context, command string) (shell.Result, error) {
	return d.RunInput(ctx, command, nil)
}

func (d *fakeDevice) RunInput(_ context.Context, command string, stdin io.Reader) (shell.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, command)
	switch {
	case command == "getprop ro.product.cpu.abilist":
		return shell.Result{Stdout: "arm64-v8a,armeabi-v7a\n"}, nil
	case command == "getprop ro.build.version.sdk":
		return shell.Result{Stdout: "34\n"}, nil
	case command == "getprop ro.product.manufacturer":
		return shell.Result{Stdout: "Google\n"}, nil
	case strings.HasPrefix(command, "pm path "):
		if d.installed == "" {
			return shell.Result{ExitCode: 1}, nil
		}
		return shell.Result{Stdout: "package:" + d.installed + "\n"}, nil
	case strings.HasPrefix(command, "dumpsys package "):
		return shell.Result{Stdout: "    versionCode=1 minSdk=26\n    versionName=" + d.version + "\n"}, nil
	case strings.HasPrefix(command, "pm install-create"):
		return shell.Result{Stdout: "Success: created install session [77]\n"}, nil
	case strings.HasPrefix(command, "pm install-write"):
		b, err := io.ReadAll(stdin)
		if err != nil {
			return shell.Result{}, err
		}
		d.staged = b
		return shell.Result{Stdout: fmt.Sprintf("Success: streamed %d bytes\n", len(b))}, nil
	case strings.HasPrefix(command, "pm install-commit"):
		body := d.staged
		if d.replace != nil {
			body = d.replace
		}
		p := filepath.Join(d.dir, "base.apk")
		if err := os.WriteFile(p, body, 0o600); err != nil {
			return shell.Result{}, err
		}
		d.installed, d.version = p, "1.2.3"
		return shell.Result{Stdout: "Success\n"}, nil
	case strings.HasPrefix(command, "pm install-abandon"):
		return shell.Result{Stdout: "Success\n"}, nil
	}
	return shell.Result{ExitCode: 127, Stderr: "not found"}, nil
}

func (d *fakeDevice) ran(prefix string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

type env struct {
	dir     string
	config  string
	device  *fakeDevice
	good    []byte
	evil    []byte
	latest  atomic.Int32
	payload []byte

	hostDown atomic.Bool // release endpoint answers 503
}

// newEnv starts a TLS release host serving tag v1.2.3 of acme/app with an APK
// signed by signer, and writes a config that trusts it.
func newEnv(t *testing.T, signedByGood bool) *env {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("APKFETCH_GITHUB_TOKEN", "")

	e := &env{dir: t.TempDir()}
	e.good = apktest.Certificate(t, "acme")
	e.evil = apktest.Certificate(t, "mallory")
	signer := e.evil
	if signedByGood {
		signer = e.good
	}
	apkFile := apktest.WriteV1(t, t.TempDir(), "app.apk", signer)
	payload, err := os.ReadFile(apkFile)
	if err != nil {
		t.Fatalf("read apk: %v", err)
	}
	e.payload = payload
	sum := sha256.Sum256(payload)

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/app/releases/latest", func(w http.ResponseWriter, _ *http.Request) {
		e.latest.Add(1)
		if e.hostDown.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"tag_name":"v1.2.3","name":"App 1.2.3","prerelease":false,"published_at":"2024-05-01T10:00:00Z",`+
			`"assets":[{"name":"app-arm64.apk","size":%d,"digest":"sha256:%s","browser_download_url":"%s/download/app-arm64.apk"}]}`,
			len(payload), hex.EncodeToString(sum[:]), srv.URL)
	})
	mux.HandleFunc("/download/app-arm64.apk", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		_, _ = w.Write(payload)
	})
	srv = httptest.NewTLSServer(mux)
	t.Cleanup(srv.Close)

	ca := filepath.Join(e.dir, "ca.pem")
	writeFile(t, ca, string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})))

	catalogFile := filepath.Join(e.dir, "catalog.json")
	writeFile(t, catalogFile, fmt.Sprintf(`{"version":1,"packages":[{
		"name":"example",
		"packageName":"org.example.app",
		"signatureHash":%q,
		"supportedAbis":["arm64-v8a"],
		"source":{"type":"github","owner":"acme","repo":"app"},
		"assetPatterns":{"*":"app-{{abi}}.apk"},
		"abiTokens":{"arm64-v8a":"arm64"},
		"versionPrefix":"v"
	}]}`, apktest.Fingerprint(e.good)))

	e.config = filepath.Join(e.dir, "apkfetch.yaml")
	writeFile(t, e.config, fmt.Sprintf(`data-dir: %s
catalog: %s
log:
  level: warn
github:
  api: %s
network:
  trust-user-cas: true
  user-ca-file: %s
  retries: 0
`, filepath.Join(e.dir, "data"), catalogFile, srv.URL, ca))

	e.device = &fakeDevice{dir: t.TempDir()}
	swapShells(t, e.device)
	return e
}

func swapShells(t *testing.T, d *fakeDevice) {
	t.Helper()
	prevHost, prevRoot := hostShell, rootShell
	hostShell = func() shell.InputRunner { return d }
	rootShell = func() shell.Runner { return d }
	t.Cleanup(func() { hostShell, rootShell = prevHost, prevRoot })
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func (e *env) run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := cli.Run(append([]string{"--config", e.config}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersionAndUsage(t *testing.T) {
	e := newEnv(t, true)

	code, out, _ := e.run("version")
	if code != exitOK || !strings.Contains(out, "apkfetch "+version) {
		t.Fatalf("version: code %d output %q", code, out)
	}

	tests := [][]string{
		{"frobnicate"},
		{"check", "--no-such-flag"},
		{"download"},
		{"check"},
		{"check", "--all", "example"},
		{"download", "no-such-package"},
		{"install", "--backend", "adb", "example"},
	}
	for _, args := range tests {
		t.Run(strings.Join(args, "_"), func(t *testing.T) {
			if code, _, stderr := e.run(args...); code != exitUsage {
				t.Fatalf("%v: got exit code %d want %d (stderr %q)", args, code, exitUsage, stderr)
			}
		})
	}
}

func TestList(t *testing.T) {
	e := newEnv(t, true)

	code, out, stderr := e.run("list")
	if code != exitOK {
		t.Fatalf("list: exit code %d, stderr %q", code, stderr)
	}
	for _, want := range []string{"example", "org.example.app", "github:acme/app", "bromite"} {
		if !strings.Contains(out, want) {
			t.Fatalf("list output misses %q:\n%s", want, out)
		}
	}
}

func TestCheckUsesPersistedCache(t *testing.T) {
	e := newEnv(t, true)

	for i := 0; i < 2; i++ {
		code, out, stderr := e.run("check", "example")
		if code != exitOK {
			t.Fatalf("check: exit code %d, stderr %q", code, stderr)
		}
		if !strings.Contains(out, "1.2.3") || !strings.Contains(out, "Not installed") {
			t.Fatalf("check output:\n%s", out)
		}
	}
	if n := e.latest.Load(); n != 1 {
		t.Fatalf("release host queried %d times, want 1", n)
	}

	if code, out, _ := e.run("cache", "clear"); code != exitOK || !strings.Contains(out, "removed 1 cached releases") {
		t.Fatalf("cache clear: code %d output %q", code, out)
	}
	if code, _, _ := e.run("check", "example"); code != exitOK {
		t.Fatalf("check after clear: exit code %d", code)
	}
	if n := e.latest.Load(); n != 2 {
		t.Fatalf("release host queried %d times after clear, want 2", n)
	}
}

// ageCache moves the cached release of the example package age into the past.
func (e *env) ageCache(t *testing.T, age time.Duration) {
	t.Helper()
	store := kvstore.NewFileStore(filepath.Join(e.dir, "data", "metadata.json"))
	key := cache.Key(model.PackageIdentity{PackageName: "org.example.app"})
	raw, ok, err := store.Get(key)
	if err != nil || !ok {
		t.Fatalf("cache entry %s: ok %v err %v", key, ok, err)
	}
	var entry model.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		t.Fatalf("decode cache entry: %v", err)
	}
	entry.CreatedAt = time.Now().Add(-age)
	bs, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("encode cache entry: %v", err)
	}
	if err := store.Set(key, string(bs)); err != nil {
		t.Fatalf("store cache entry: %v", err)
	}
}

func TestCheckFallsBackToOldCacheWhenHostIsDown(t *testing.T) {
	tests := []struct {
		name     string
		age      time.Duration
		wantCode int
	}{
		{name: "entry three hours old", age: 3 * time.Hour, wantCode: exitOK},
		{name: "entry older than two days", age: 49 * time.Hour, wantCode: exitFailure},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, true)
			if code, _, stderr := e.run("check", "example"); code != exitOK {
				t.Fatalf("check: exit code %d, stderr %q", code, stderr)
			}
			e.ageCache(t, tc.age)
			e.hostDown.Store(true)

			code, out, stderr := e.run("check", "example")
			if code != tc.wantCode {
				t.Fatalf("check with host down: exit code %d want %d, stderr %q", code, tc.wantCode, stderr)
			}
			if n := e.latest.Load(); n != 2 {
				t.Fatalf("release host queried %d times, want 2", n)
			}
			if tc.wantCode != exitOK {
				if !strings.Contains(out, "error:") {
					t.Fatalf("check output:\n%s", out)
				}
				return
			}
			if !strings.Contains(out, "1.2.3") || !strings.Contains(out, "(cached)") {
				t.Fatalf("check output:\n%s", out)
			}
		})
	}
}

func TestDownloadUsesOldCacheWhenHostIsDown(t *testing.T) {
	e := newEnv(t, true)
	if code, _, stderr := e.run("check", "example"); code != exitOK {
		t.Fatalf("check: exit code %d, stderr %q", code, stderr)
	}
	e.ageCache(t, 3*time.Hour)
	e.hostDown.Store(true)

	code, out, stderr := e.run("download", "-q", "example")
	if code != exitOK {
		t.Fatalf("download: exit code %d, stderr %q", code, stderr)
	}
	want := filepath.Join(e.dir, "data", "downloads", "org_example_app_1_2_3.apk")
	if !strings.Contains(out, want) {
		t.Fatalf("download output:\n%s", out)
	}
}

func TestDownload(t *testing.T) {
	e := newEnv(t, true)

	code, out, stderr := e.run("download", "-q", "example")
	if code != exitOK {
		t.Fatalf("download: exit code %d, stderr %q", code, stderr)
	}
	want := filepath.Join(e.dir, "data", "downloads", "org_example_app_1_2_3.apk")
	if !strings.Contains(out, want) || !strings.Contains(out, apktest.Fingerprint(e.good)) {
		t.Fatalf("download output:\n%s", out)
	}
	got, err := os.ReadFile(want)
	if err != nil || !bytes.Equal(got, e.payload) {
		t.Fatalf("downloaded file differs from the served apk (err %v)", err)
	}

	code, out, _ = e.run("fingerprint", want)
	if code != exitOK || strings.TrimSpace(out) != apktest.Fingerprint(e.good) {
		t.Fatalf("fingerprint: code %d output %q", code, out)
	}
}

func TestDownloadUntrustedArtifact(t *testing.T) {
	e := newEnv(t, false)

	code, _, stderr := e.run("download", "-q", "example")
	if code != exitSecurity {
		t.Fatalf("download: got exit code %d want %d (stderr %q)", code, exitSecurity, stderr)
	}
	if _, err := os.Stat(filepath.Join(e.dir, "data", "downloads", "org_example_app_1_2_3.apk")); !os.IsNotExist(err) {
		t.Fatalf("untrusted apk kept on disk: %v", err)
	}
}

func TestInstall(t *testing.T) {
	e := newEnv(t, true)

	code, out, stderr := e.run("install", "-q", "example")
	if code != exitOK {
		t.Fatalf("install: exit code %d, stderr %q", code, stderr)
	}
	if !strings.Contains(out, "installed example 1.2.3") {
		t.Fatalf("install output:\n%s", out)
	}
	if !e.device.ran("pm install-commit 77") {
		t.Fatalf("session was not committed: %v", e.device.commands)
	}

	code, out, _ = e.run("install", "-q", "example")
	if code != exitOK || !strings.Contains(out, "Already at latest version") {
		t.Fatalf("second install: code %d output %q", code, out)
	}
}

func TestInstallUntrustedArtifactNeverReachesDevice(t *testing.T) {
	e := newEnv(t, false)

	code, _, stderr := e.run("install", "-q", "example")
	if code != exitSecurity {
		t.Fatalf("install: got exit code %d want %d (stderr %q)", code, exitSecurity, stderr)
	}
	if e.device.ran("pm install-create") {
		t.Fatalf("untrusted artifact reached the installer: %v", e.device.commands)
	}
}

func TestInstallPostInstallMismatch(t *testing.T) {
	e := newEnv(t, true)
	evil := apktest.WriteV1(t, t.TempDir(), "evil.apk", e.evil)
	body, err := os.ReadFile(evil)
	if err != nil {
		t.Fatalf("read apk: %v", err)
	}
	e.device.replace = body

	code, _, stderr := e.run("install", "-q", "example")
	if code != exitSecurity {
		t.Fatalf("install: got exit code %d want %d (stderr %q)", code, exitSecurity, stderr)
	}
	if !strings.Contains(stderr, "Installed app is NOT verified") {
		t.Fatalf("stderr: %q", stderr)
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{err: nil, want: exitOK},
		{err: usageErrorf("bad flag"), want: exitUsage},
		{err: fmt.Errorf("wrapped: %w", usageErrorf("bad")), want: exitUsage},
		{err: fmt.Errorf("network down"), want: exitFailure},
	}
	for _, tc := range tests {
		if got := exitCode(tc.err); got != tc.want {
			t.Fatalf("exitCode(%v): got %d want %d", tc.err, got, tc.want)
		}
	}
}
