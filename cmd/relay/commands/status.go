package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/relay/config"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/run"
)

// StatusCmd queries a running relay server for its engine status
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status of a running relay server",
	RunE:  runStatus,
}

var statusPort int

func init() {
	StatusCmd.Flags().IntVar(&statusPort, "port", 0, "Server port (defaults to configured port)")
}

// statusResponse mirrors the /api/status payload
type statusResponse struct {
	Version struct {
		Version    string `json:"version"`
		CommitHash string `json:"commit_hash"`
	} `json:"version"`
	Engine    run.Stats         `json:"engine"`
	System    run.SystemMetrics `json:"system"`
	WSClients int               `json:"ws_clients"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	port := statusPort
	if port == 0 {
		cfg, err := config.Load()
		if err == nil && cfg.Server.Port != 0 {
			port = cfg.Server.Port
		} else {
			port = config.DefaultServerPort
		}
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/api/status", port))
	if err != nil {
		return errors.Wrapf(err, "no relay server reachable on port %d", port)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("status request failed: %s", resp.Status)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return errors.Wrap(err, "failed to decode status response")
	}

	pterm.DefaultSection.Println("Engine")
	engineData := pterm.TableData{
		{"In-flight executions", fmt.Sprintf("%d / %d", status.Engine.InFlight, status.Engine.MaxConcurrent)},
		{"Live streams", fmt.Sprintf("%d", status.Engine.LiveStreams)},
		{"Streaming clients", fmt.Sprintf("%d", status.WSClients)},
	}
	for st, count := range status.Engine.ByStatus {
		engineData = append(engineData, []string{string(st), fmt.Sprintf("%d", count)})
	}
	pterm.DefaultTable.WithData(engineData).Render()

	pterm.DefaultSection.Println("System")
	pterm.DefaultTable.WithData(pterm.TableData{
		{"Goroutines", fmt.Sprintf("%d", status.System.Goroutines)},
		{"Heap alloc", fmt.Sprintf("%.1f MB", status.System.HeapAllocMB)},
		{"System memory", fmt.Sprintf("%.1f%% of %.0f MB", status.System.SysMemUsedPct, status.System.SysMemTotalMB)},
	}).Render()

	return nil
}
