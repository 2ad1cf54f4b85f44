package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type taskView struct {
	TaskID         string   `json:"task_id"`
	Status         string   `json:"status"`
	CurrentStep    string   `json:"current_step"`
	StepsCompleted []string `json:"steps_completed"`
	Progress       struct {
		Completed  int `json:"completed"`
		Total      int `json:"total"`
		Percentage int `json:"percentage"`
	} `json:"progress"`
	Logs []struct {
		Time    time.Time `json:"time"`
		Step    string    `json:"step,omitempty"`
		Level   string    `json:"level"`
		Message string    `json:"message"`
	} `json:"logs"`
	AgentConfig  map[string]interface{} `json:"agent_config,omitempty"`
	Error        string                 `json:"error,omitempty"`
	DocumentName string                 `json:"document_name"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

func main() {
	server := flag.String("server", "http://localhost:8080", "AgentForge server URL")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	switch args[0] {
	case "submit":
		cmdSubmit(*server, args[1:])
	case "status":
		cmdStatus(*server, args[1:])
	case "list":
		cmdList(*server)
	case "watch":
		cmdWatch(*server, args[1:])
	case "cancel":
		cmdCancel(*server, args[1:])
	case "export":
		cmdExport(*server, args[1:])
	default:
		printError("Unknown command: %s", args[0])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "forgectl - AgentForge task CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  forgectl [-server URL] submit -doc FILE INSTRUCTIONS...")
	fmt.Fprintln(os.Stderr, "  forgectl [-server URL] status TASK_ID")
	fmt.Fprintln(os.Stderr, "  forgectl [-server URL] list")
	fmt.Fprintln(os.Stderr, "  forgectl [-server URL] watch TASK_ID")
	fmt.Fprintln(os.Stderr, "  forgectl [-server URL] cancel TASK_ID")
	fmt.Fprintln(os.Stderr, "  forgectl [-server URL] export TASK_ID [-format json|workflow-graph|structured-config] [-o FILE]")
}

func cmdSubmit(server string, args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	doc := fs.String("doc", "", "Document file to upload")
	fs.Parse(args)

	if *doc == "" || fs.NArg() == 0 {
		printError("submit needs -doc FILE and instructions")
		os.Exit(1)
	}
	instructions := strings.Join(fs.Args(), " ")

	f, err := os.Open(*doc)
	if err != nil {
		printError("Cannot open document: %v", err)
		os.Exit(1)
	}
	defer f.Close()

	var body strings.Builder
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("document", filepath.Base(*doc))
	if err != nil {
		printError("Failed to build request: %v", err)
		os.Exit(1)
	}
	if _, err := io.Copy(part, f); err != nil {
		printError("Failed to read document: %v", err)
		os.Exit(1)
	}
	writer.WriteField("instructions", instructions)
	writer.Close()

	client := &http.Client{Timeout: 120 * time.Second}
	resp, err := client.Post(server+"/api/v1/tasks", writer.FormDataContentType(), strings.NewReader(body.String()))
	if err != nil {
		printError("Request failed: %v", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		os.Exit(1)
	}

	var submitted struct {
		TaskID    string `json:"task_id"`
		Status    string `json:"status"`
		Poll      string `json:"poll"`
		Subscribe string `json:"subscribe"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		printError("Failed to parse response: %v", err)
		os.Exit(1)
	}

	fmt.Printf("Task accepted: \033[36m%s\033[0m\n", submitted.TaskID)
	fmt.Printf("  poll:      %s%s\n", server, submitted.Poll)
	fmt.Printf("  subscribe: %s\n", submitted.Subscribe)
	fmt.Printf("\nRun 'forgectl watch %s' to follow progress.\n", submitted.TaskID)
}

func cmdStatus(server string, args []string) {
	if len(args) == 0 {
		printError("status needs TASK_ID")
		os.Exit(1)
	}
	v, ok := fetchTask(server, args[0])
	if !ok {
		os.Exit(1)
	}
	printTask(v)
}

func cmdList(server string) {
	resp, err := http.Get(server + "/api/v1/tasks")
	if err != nil {
		printError("Request failed: %v", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var tasks []taskView
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		printError("Failed to parse response: %v", err)
		os.Exit(1)
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks yet.")
		return
	}
	for _, v := range tasks {
		fmt.Printf("%s  %s  %3d%%  %s\n",
			v.TaskID, statusLabel(v.Status), v.Progress.Percentage, v.DocumentName)
	}
}

func cmdWatch(server string, args []string) {
	if len(args) == 0 {
		printError("watch needs TASK_ID")
		os.Exit(1)
	}
	id := args[0]

	wsURL := strings.Replace(server, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"/ws/tasks/"+id, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			printError("No task with id %s", id)
		} else {
			printError("Cannot connect: %v", err)
		}
		os.Exit(1)
	}
	defer conn.Close()

	for {
		var v taskView
		if err := conn.ReadJSON(&v); err != nil {
			// Server closes the stream after the terminal view.
			return
		}
		step := v.CurrentStep
		if step == "" {
			step = "-"
		}
		fmt.Printf("%s  %s  %3d%%  step=%s\n",
			v.UpdatedAt.Format("15:04:05"), statusLabel(v.Status), v.Progress.Percentage, step)
		if v.Status == "complete" || v.Status == "failed" || v.Status == "cancelled" {
			fmt.Println()
			printTask(v)
		}
	}
}

func cmdCancel(server string, args []string) {
	if len(args) == 0 {
		printError("cancel needs TASK_ID")
		os.Exit(1)
	}
	resp, err := http.Post(server+"/api/v1/tasks/"+args[0]+"/cancel", "application/json", nil)
	if err != nil {
		printError("Request failed: %v", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		os.Exit(1)
	}
	var v taskView
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		printError("Failed to parse response: %v", err)
		os.Exit(1)
	}
	fmt.Printf("Task %s is now %s\n", v.TaskID, statusLabel(v.Status))
}

func cmdExport(server string, args []string) {
	if len(args) == 0 {
		printError("export needs TASK_ID")
		os.Exit(1)
	}
	id := args[0]
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	format := fs.String("format", "json", "Export format")
	out := fs.String("o", "", "Write to file instead of stdout")
	fs.Parse(args[1:])

	resp, err := http.Get(server + "/api/v1/tasks/" + id + "/export?format=" + *format)
	if err != nil {
		printError("Request failed: %v", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		os.Exit(1)
	}

	dest := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			printError("Cannot create %s: %v", *out, err)
			os.Exit(1)
		}
		defer f.Close()
		dest = f
	}
	if _, err := io.Copy(dest, resp.Body); err != nil {
		printError("Download failed: %v", err)
		os.Exit(1)
	}
	if *out != "" {
		fmt.Printf("Wrote %s\n", *out)
	}
}

func fetchTask(server, id string) (taskView, bool) {
	var v taskView
	resp, err := http.Get(server + "/api/v1/tasks/" + id)
	if err != nil {
		printError("Request failed: %v", err)
		return v, false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		printError("No task with id %s", id)
		return v, false
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return v, false
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		printError("Failed to parse response: %v", err)
		return v, false
	}
	return v, true
}

func printTask(v taskView) {
	fmt.Printf("Task:      %s\n", v.TaskID)
	fmt.Printf("Document:  %s\n", v.DocumentName)
	fmt.Printf("Status:    %s\n", statusLabel(v.Status))
	if v.CurrentStep != "" {
		fmt.Printf("Step:      %s\n", v.CurrentStep)
	}
	fmt.Printf("Progress:  %d/%d (%d%%)\n", v.Progress.Completed, v.Progress.Total, v.Progress.Percentage)
	if len(v.StepsCompleted) > 0 {
		fmt.Printf("Completed: %s\n", strings.Join(v.StepsCompleted, ", "))
	}
	if v.Error != "" {
		fmt.Printf("Error:     \033[31m%s\033[0m\n", v.Error)
	}
	if len(v.Logs) > 0 {
		fmt.Println("Recent activity:")
		start := len(v.Logs) - 5
		if start < 0 {
			start = 0
		}
		for _, entry := range v.Logs[start:] {
			prefix := entry.Level
			if entry.Step != "" {
				prefix = entry.Step + "/" + entry.Level
			}
			fmt.Printf("  [%s] %s: %s\n", entry.Time.Format("15:04:05"), prefix, entry.Message)
		}
	}
	if agentID, ok := v.AgentConfig["agent_id"].(string); ok {
		fmt.Printf("Agent:     \033[32m%s\033[0m\n", agentID)
	}
}

func statusLabel(status string) string {
	switch status {
	case "complete":
		return "\033[32m" + status + "\033[0m"
	case "failed", "cancelled":
		return "\033[31m" + status + "\033[0m"
	case "awaiting_fallback":
		return "\033[33m" + status + "\033[0m"
	case "running":
		return "\033[36m" + status + "\033[0m"
	default:
		return status
	}
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
