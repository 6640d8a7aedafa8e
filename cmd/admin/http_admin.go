package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	os.Exit(get(*baseURL, "/admin/v1/state", nil))
}

func slotCmd(args []string) {
	fs := flag.NewFlagSet("slot", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	frame := fs.Uint64("frame", 0, "frame to dump (optional; defaults to newest)")
	_ = fs.Parse(args)

	q := url.Values{}
	if *frame != 0 {
		q.Set("frame", strconv.FormatUint(*frame, 10))
	}
	os.Exit(get(*baseURL, "/admin/v1/slot", q))
}

func dropsCmd(args []string) {
	fs := flag.NewFlagSet("drops", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	after := fs.Int64("after", 0, "only drops with seq > after")
	limit := fs.Int("limit", 100, "result limit")
	_ = fs.Parse(args)

	q := url.Values{}
	q.Set("after", strconv.FormatInt(*after, 10))
	q.Set("limit", strconv.Itoa(*limit))
	os.Exit(get(*baseURL, "/admin/v1/drops", q))
}

// get prints the response body and returns the process exit code.
func get(baseURL, path string, q url.Values) int {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		return 1
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimRight(string(b), "\n"))
	if resp.StatusCode/100 != 2 {
		return 1
	}
	return 0
}
