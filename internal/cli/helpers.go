package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fleetllm/fleet/internal/daemon"
)

// apiBase resolves the daemon's HTTP address from config.
func apiBase() (string, error) {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%d", cfg.API.Host, cfg.API.Port), nil
}

// getJSON fetches one API endpoint into out.
func getJSON(path string, out any) error {
	base, err := apiBase()
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(base + path)
	if err != nil {
		return fmt.Errorf("is the fleet daemon running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// humanSize renders bytes in binary units.
func humanSize(b int64) string {
	const unit = 1024
	if b <= 0 {
		return "-"
	}
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
