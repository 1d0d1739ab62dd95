// taskctl is a small operator CLI against the engine API: submit a task from
// a JSON payload file, inspect one, or cancel one.
//
//	taskctl create -workspace <uuid> -kind PROCESS_UPLOAD -payload payload.json
//	taskctl get <task-id>
//	taskctl cancel <task-id>
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

	"github.com/google/uuid"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "create":
		err = runCreate(os.Args[2:])
	case "get":
		err = runGet(os.Args[2:])
	case "cancel":
		err = runCancel(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: taskctl <create|get|cancel> [flags]")
}

func client() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func baseURL(fs *flag.FlagSet) *string {
	def := os.Getenv("ENGINE_ADDR")
	if def == "" {
		def = "http://localhost:8080"
	}
	return fs.String("addr", def, "engine API base URL")
}

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	addr := baseURL(fs)
	workspace := fs.String("workspace", "", "workspace id (uuid)")
	kind := fs.String("kind", "", "task kind (PROCESS_UPLOAD, DETECT_LABELS, RENDER_TIMELINE, FULL_INGEST)")
	payloadPath := fs.String("payload", "", "path to JSON payload file, or - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	wsID, err := uuid.Parse(*workspace)
	if err != nil {
		return fmt.Errorf("invalid -workspace: %w", err)
	}
	if *kind == "" {
		return fmt.Errorf("-kind is required")
	}

	var payload []byte
	if *payloadPath == "-" {
		payload, err = io.ReadAll(os.Stdin)
	} else if *payloadPath != "" {
		payload, err = os.ReadFile(*payloadPath)
	} else {
		return fmt.Errorf("-payload is required")
	}
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("payload is not valid JSON")
	}

	body, err := json.Marshal(map[string]any{
		"workspaceId": wsID,
		"kind":        *kind,
		"payload":     json.RawMessage(payload),
	})
	if err != nil {
		return err
	}

	resp, err := client().Post(*addr+"/api/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	return printResponse(resp, http.StatusCreated)
}

func runGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	addr := baseURL(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	taskID, err := taskIDArg(fs)
	if err != nil {
		return err
	}

	resp, err := client().Get(*addr + "/api/tasks/" + taskID)
	if err != nil {
		return err
	}
	return printResponse(resp, http.StatusOK)
}

func runCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	addr := baseURL(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	taskID, err := taskIDArg(fs)
	if err != nil {
		return err
	}

	resp, err := client().Post(*addr+"/api/tasks/"+taskID+"/cancel", "application/json", nil)
	if err != nil {
		return err
	}
	return printResponse(resp, http.StatusOK)
}

func taskIDArg(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one task id argument")
	}
	id, err := uuid.Parse(fs.Arg(0))
	if err != nil {
		return "", fmt.Errorf("invalid task id: %w", err)
	}
	return id.String(), nil
}

func printResponse(resp *http.Response, wantStatus int) error {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		raw = pretty.Bytes()
	}
	fmt.Println(string(raw))

	if resp.StatusCode != wantStatus {
		return fmt.Errorf("engine returned %s", resp.Status)
	}
	return nil
}
