// Command escrowctl drives an escrowd instance over its HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"p2pescrow/cmd/internal/prompt"
)

const (
	defaultEndpoint = "http://localhost:8085"
	endpointEnv     = "ESCROWCTL_URL"
	tokenEnv        = "ESCROWCTL_TOKEN"
)

var (
	tokenSource = prompt.NewSource(tokenEnv, "escrowd API token")
	httpClient  = &http.Client{Timeout: 3 * time.Minute}
	apiCall     = callAPI
)

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("escrowd returned %d: %s", e.Status, e.Message)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "create":
		return runCreate(args[1:], stdout, stderr)
	case "show":
		return runShow(args[1:], stdout, stderr)
	case "list":
		return runList(args[1:], stdout, stderr)
	case "join", "release", "refund", "lock", "unlock":
		return runTransition(args[0], args[1:], stdout, stderr)
	case "withdraw":
		return runWithdraw(args[1:], stdout, stderr)
	case "fee":
		return runFee(args[1:], stdout, stderr)
	case "export":
		return runExport(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func endpoint() string {
	if v := strings.TrimSpace(os.Getenv(endpointEnv)); v != "" {
		return strings.TrimRight(v, "/")
	}
	return defaultEndpoint
}

func callAPI(method, path string, body interface{}) (json.RawMessage, error) {
	token, err := tokenSource.Get()
	if err != nil {
		return nil, err
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, endpoint()+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return nil, &apiError{Status: resp.StatusCode, Message: msg}
	}
	return data, nil
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleCallError(w io.Writer, err error) int {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		fmt.Fprintf(w, "API error %d: %s\n", apiErr.Status, apiErr.Message)
		return 1
	}
	fmt.Fprintf(w, "API call failed: %v\n", err)
	return 1
}

func writeResult(w io.Writer, result json.RawMessage) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		_, _ = w.Write(result)
		fmt.Fprintln(w)
		return
	}
	fmt.Fprintln(w, pretty.String())
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrowctl <command> [flags]

Commands:
  create    --coin --recipient --value [--contract]   open an escrow as the token subject
  show      --id                                      display one escrow
  list      [--window 24h]                            list recently active escrows (admin)
  join      --id                                      accept an escrow and print deposit instructions
  release   --id                                      release funds to the recipient
  refund    --id                                      refund funds to the sender
  lock      --id                                      freeze an escrow (admin)
  unlock    --id                                      restore a locked escrow (admin)
  withdraw  --id --address [--fee-rate]               pay out a settled escrow
  fee       --coin                                    show the current network fee estimate
  export    --out file.parquet [--window 24h]         write recent escrows to parquet (admin)

Environment:
  ESCROWCTL_URL    escrowd base URL (default http://localhost:8085)
  ESCROWCTL_TOKEN  bearer token; prompted for when unset`)
}
