package e2e_test

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rogpeppe/go-internal/testscript"
)

var (
	binaryDir string
	buildOnce sync.Once
	buildErr  error
)

// buildBinary builds the wirestub binary once for all e2e tests.
func buildBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		binaryDir, buildErr = os.MkdirTemp("", "wirestub-e2e-")
		if buildErr != nil {
			return
		}
		bin := filepath.Join(binaryDir, "wirestub")
		buildCmd := exec.Command("go", "build", "-o", bin, "../../cmd/wirestub")
		if out, err := buildCmd.CombinedOutput(); err != nil {
			buildErr = err
			t.Logf("Failed to build CLI: %v\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return filepath.Join(binaryDir, "wirestub")
}

func TestCLIScripts(t *testing.T) {
	// Build the wirestub binary the scripts will be invoking.
	bin := buildBinary(t)

	testscript.Run(t, testscript.Params{
		Dir: "testdata",
		Setup: func(env *testscript.Env) error {
			binDir := filepath.Dir(bin)
			env.Setenv("PATH", binDir+string(os.PathListSeparator)+env.Getenv("PATH"))

			// Each script gets its own port so they can run in parallel.
			port, err := freePort()
			if err != nil {
				return err
			}
			env.Setenv("PORT", strconv.Itoa(port))
			env.Setenv("ADDR", "127.0.0.1:"+strconv.Itoa(port))
			return nil
		},
		Cmds: map[string]func(ts *testscript.TestScript, neg bool, args []string){
			"waiton":  cmdWaiton,
			"httpget": cmdHTTPGet,
		},
	})
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// cmdWaiton blocks until a TCP address accepts connections, so scripts
// can start a server in the background and wait for it to come up.
// With ! it asserts the address refuses connections right now.
func cmdWaiton(ts *testscript.TestScript, neg bool, args []string) {
	if len(args) != 1 {
		ts.Fatalf("usage: waiton host:port")
	}
	if neg {
		conn, err := net.DialTimeout("tcp", args[0], 100*time.Millisecond)
		if err == nil {
			conn.Close()
			ts.Fatalf("%s is accepting connections", args[0])
		}
		return
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", args[0], time.Second)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	ts.Fatalf("%s never accepted a connection", args[0])
}

// cmdHTTPGet performs a GET request and writes the status line, headers,
// and body to a file in the work directory for grep checks. Certificate
// verification is skipped because the server generates its own. With !
// it asserts the request fails outright.
func cmdHTTPGet(ts *testscript.TestScript, neg bool, args []string) {
	if len(args) != 2 {
		ts.Fatalf("usage: httpget url file")
	}
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	resp, err := client.Get(args[0])
	if neg {
		if err == nil {
			resp.Body.Close()
			ts.Fatalf("GET %s succeeded unexpectedly", args[0])
		}
		return
	}
	if err != nil {
		ts.Fatalf("GET %s: %v", args[0], err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s\n", resp.Proto, resp.Status)
	if err := resp.Header.Write(&buf); err != nil {
		ts.Fatalf("writing headers: %v", err)
	}
	buf.WriteString("\n")
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		ts.Fatalf("reading body: %v", err)
	}
	if err := os.WriteFile(ts.MkAbs(args[1]), buf.Bytes(), 0o644); err != nil {
		ts.Fatalf("writing %s: %v", args[1], err)
	}
}

// TestMain acts as the main entrypoint. Testscript requires its own Main
// wrapper. We rely on compiling the real binary and adding it to PATH
// rather than wiring commands here.
func TestMain(m *testing.M) {
	code := testscript.RunMain(m, nil)
	if binaryDir != "" {
		os.RemoveAll(binaryDir)
	}
	os.Exit(code)
}
