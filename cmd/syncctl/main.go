// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// syncctl — operator CLI for the syncd control API
//
// Usage:
//
//	syncctl [--full] sync <user-id> <provider>
//	syncctl status <user-id>
//	syncctl job <job-id>
//	syncctl cancel <job-id>
//	syncctl undo <batch-id>
//
// Flags precede the command. The API address defaults to
// http://localhost:8080 and can be overridden with SYNCD_ADDR or --addr.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", envOrDefault("SYNCD_ADDR", "http://localhost:8080"), "control API base URL")
	full := flag.Bool("full", false, "force a full sync (sync command only)")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	client := &http.Client{Timeout: 30 * time.Second}

	var err error
	switch args[0] {
	case "sync":
		if len(args) != 3 {
			fatalf("usage: syncctl [--full] sync <user-id> <provider>")
		}
		body, _ := json.Marshal(map[string]bool{"full": *full})
		err = do(client, http.MethodPost,
			fmt.Sprintf("%s/sync/%s/%s", *addr, args[1], args[2]), body)

	case "status":
		if len(args) != 2 {
			fatalf("usage: syncctl status <user-id>")
		}
		err = do(client, http.MethodGet, fmt.Sprintf("%s/sync/%s/status", *addr, args[1]), nil)

	case "job":
		if len(args) != 2 {
			fatalf("usage: syncctl job <job-id>")
		}
		err = do(client, http.MethodGet, fmt.Sprintf("%s/jobs/%s", *addr, args[1]), nil)

	case "cancel":
		if len(args) != 2 {
			fatalf("usage: syncctl cancel <job-id>")
		}
		err = do(client, http.MethodPost, fmt.Sprintf("%s/jobs/%s/cancel", *addr, args[1]), nil)

	case "undo":
		if len(args) != 2 {
			fatalf("usage: syncctl undo <batch-id>")
		}
		err = do(client, http.MethodPost, fmt.Sprintf("%s/undo/%s", *addr, args[1]), nil)

	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fatalf("%v", err)
	}
}

// do performs one API call and pretty-prints the JSON response.
func do(client *http.Client, method, url string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `syncctl — operator CLI for syncd

Commands:
  sync <user-id> <provider>   enqueue a sync job (--full forces a full sync)
  status <user-id>            show sync watermarks and queue state
  job <job-id>                show one job
  cancel <job-id>             cancel a queued or running job
  undo <batch-id>             revert a committed sync batch

Flags (before the command):
`)
	flag.PrintDefaults()
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
