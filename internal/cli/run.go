package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	runCmd.Flags().StringVar(&runMode, "mode", "", "Routing mode: fast, reliable, or async")
	runCmd.Flags().IntVar(&runPriority, "priority", 5, "Request priority (0-10)")
	runCmd.Flags().StringVar(&runPin, "pin", "", "Pin the request to one node ID")
	runCmd.Flags().StringVar(&runTask, "task", "", "Task kind for fallback-chain lookup")
	rootCmd.AddCommand(runCmd)
}

var (
	runMode     string
	runPriority int
	runPin      string
	runTask     string
)

var runCmd = &cobra.Command{
	Use:   "run <model> [prompt]",
	Short: "Run a prompt through the fleet router",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	model := args[0]
	prompt := strings.Join(args[1:], " ")
	if prompt == "" {
		// Read the prompt from stdin when not given inline.
		data, err := bufio.NewReader(os.Stdin).ReadString(0)
		if err != nil && len(data) == 0 {
			return fmt.Errorf("no prompt given")
		}
		prompt = strings.TrimSpace(data)
	}

	body := map[string]any{
		"model":  model,
		"prompt": prompt,
		"stream": true,
	}
	if runMode != "" {
		body["mode"] = runMode
	}
	if runPriority != 5 {
		body["priority"] = runPriority
	}
	if runPin != "" {
		body["pin_node_id"] = runPin
	}
	if runTask != "" {
		body["task_kind"] = runTask
	}

	base, err := apiBase()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	resp, err := http.Post(base+"/api/generate", "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("is the fleet daemon running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error.Message != "" {
			return fmt.Errorf("%s", apiErr.Error.Message)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	if node := resp.Header.Get("X-Fleet-Node"); node != "" {
		fmt.Fprintf(os.Stderr, "[%s via %s]\n", resp.Header.Get("X-Fleet-Model"), node)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk struct {
			Response string `json:"response"`
			Done     bool   `json:"done"`
		}
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		fmt.Print(chunk.Response)
		if chunk.Done {
			break
		}
	}
	fmt.Println()
	return scanner.Err()
}
