package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func stateCmd(args []string) {
	remoteCmd("state", http.MethodGet, "/v1/status", 5*time.Second, args)
}

// postCmd triggers a server-side pass and prints its report. Maintenance can
// archive many worlds, hence the long default timeout.
func postCmd(name, path string, args []string) {
	remoteCmd(name, http.MethodPost, path, 10*time.Minute, args)
}

func remoteCmd(name, method, path string, timeout time.Duration, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	wait := fs.Duration("timeout", timeout, "request timeout")
	_ = fs.Parse(args)

	status, body, err := callAdmin(*baseURL, method, path, *wait)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		body = pretty.Bytes()
	}
	fmt.Println(strings.TrimSpace(string(body)))
	if status/100 != 2 {
		os.Exit(1)
	}
}

func callAdmin(baseURL, method, path string, timeout time.Duration) (int, []byte, error) {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, b, err
}
