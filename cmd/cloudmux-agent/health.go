package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check CloudMux service health and provider status (exits 1 if degraded)",
	RunE:  runHealth,
}

var flagHealthWorkspace string

func init() {
	healthCmd.Flags().StringVar(&flagHealthWorkspace, "workspace", os.Getenv("CLOUDMUX_WORKSPACE"), "Also probe this workspace's providers (needs --token)")
	rootCmd.AddCommand(healthCmd)
}

type healthResponse struct {
	Status        string             `json:"status"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Dependencies  []dependencyStatus `json:"dependencies"`
}

type dependencyStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

type providerStatus struct {
	ProviderID string `json:"provider_id"`
	Alias      string `json:"alias"`
	Type       string `json:"type"`
	Healthy    bool   `json:"healthy"`
	LatencyMs  int64  `json:"latency_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	req, err := newRequest(http.MethodGet, "/v1/health", nil)
	if err != nil {
		return err
	}
	var h healthResponse
	if err := do(req, &h); err != nil {
		fmt.Fprintf(os.Stderr, "cloudmux-agent: cannot reach cloudmux: %v\n", err)
		return err
	}

	status := h.Status
	fmt.Printf("status: %s  uptime: %ds\n", h.Status, h.UptimeSeconds)
	for _, d := range h.Dependencies {
		fmt.Println(statusLine(d.Name, "", d.Status, d.LatencyMs, d.Error))
	}

	if flagHealthWorkspace != "" {
		req, err := newRequest(http.MethodGet, "/v1/workspaces/"+url.PathEscape(flagHealthWorkspace)+"/providers/health", nil)
		if err != nil {
			return err
		}
		var ph struct {
			Providers []providerStatus `json:"providers"`
		}
		if err := do(req, &ph); err != nil {
			return err
		}
		for _, p := range ph.Providers {
			ps := "ok"
			if !p.Healthy {
				ps = "unhealthy"
				status = "degraded"
			}
			fmt.Println(statusLine(p.Alias, p.Type, ps, p.LatencyMs, p.Error))
		}
	}

	if status != "ok" {
		return fmt.Errorf("cloudmux status: %s", status)
	}
	return nil
}

func statusLine(name, kind, status string, latencyMs int64, errMsg string) string {
	line := fmt.Sprintf("  %-24s  %-12s  %s", name, kind, status)
	if latencyMs > 0 {
		line += fmt.Sprintf("  (%dms)", latencyMs)
	}
	if errMsg != "" {
		line += "  error: " + errMsg
	}
	return line
}
