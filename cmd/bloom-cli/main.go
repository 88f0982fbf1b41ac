package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	gatewayURL = defaultGatewayURL()
	authToken  = os.Getenv("BLOOM_GATEWAY_TOKEN")
)

func defaultGatewayURL() string {
	if url := strings.TrimSpace(os.Getenv("BLOOM_GATEWAY_URL")); url != "" {
		return url
	}
	return "http://127.0.0.1:8648"
}

func main() {
	args := os.Args[1:]
	args = applyGlobalFlags(args)

	if len(args) < 1 {
		printUsage()
		return
	}

	var err error
	switch command := args[0]; command {
	case "status":
		err = getStatus()
	case "refresh":
		err = postEmpty("/v1/refresh")
	case "decrypt":
		err = postEmpty("/v1/decrypt")
	case "log":
		err = withMinutes(args, func(minutes uint64) error {
			return postMinutes(http.MethodPost, "/v1/sessions", minutes)
		})
	case "add":
		err = withMinutes(args, func(minutes uint64) error {
			return postMinutes(http.MethodPost, "/v1/minutes", minutes)
		})
	case "goal":
		err = withMinutes(args, func(minutes uint64) error {
			return postMinutes(http.MethodPut, "/v1/goal", minutes)
		})
	case "reset":
		err = postEmpty("/v1/reset")
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func applyGlobalFlags(args []string) []string {
	rest := args[:0:0]
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--gateway" && i+1 < len(args):
			i++
			gatewayURL = args[i]
		case strings.HasPrefix(args[i], "--gateway="):
			gatewayURL = strings.TrimPrefix(args[i], "--gateway=")
		default:
			rest = append(rest, args[i])
		}
	}
	return rest
}

func withMinutes(args []string, run func(minutes uint64) error) error {
	if len(args) < 2 {
		return fmt.Errorf("please provide a minute count")
	}
	minutes, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil || minutes == 0 {
		return fmt.Errorf("invalid minute count %q", args[1])
	}
	return run(minutes)
}

func getStatus() error {
	return do(http.MethodGet, "/v1/status", nil)
}

func postEmpty(path string) error {
	return do(http.MethodPost, path, nil)
}

func postMinutes(method, path string, minutes uint64) error {
	body, err := json.Marshal(map[string]uint64{"minutes": minutes})
	if err != nil {
		return err
	}
	return do(method, path, body)
}

func do(method, path string, body []byte) error {
	req, err := http.NewRequest(method, strings.TrimRight(gatewayURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	var pretty bytes.Buffer
	decoder := json.NewDecoder(resp.Body)
	var payload any
	if err := decoder.Decode(&payload); err != nil {
		return fmt.Errorf("gateway returned status %d with an unreadable body", resp.StatusCode)
	}
	encoder := json.NewEncoder(&pretty)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(payload)
	fmt.Print(pretty.String())

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return nil
}

func printUsage() {
	fmt.Println(`Usage: bloom-cli [--gateway URL] <command> [args]

Commands:
  status           Print the engine snapshot
  refresh          Pull the latest encrypted handles
  decrypt          Decrypt stale counters (may prompt for authorization)
  log <minutes>    Record a completed focus session
  add <minutes>    Add focused minutes without logging a session
  goal <minutes>   Set the weekly goal
  reset            Zero all counters

Environment:
  BLOOM_GATEWAY_URL    Gateway base URL (default http://127.0.0.1:8648)
  BLOOM_GATEWAY_TOKEN  Bearer token when gateway auth is enabled`)
}
