package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagURL   string
	flagToken string
)

var rootCmd = &cobra.Command{
	Use:   "cloudmux-agent",
	Short: "CloudMux agent: upload files and manage placement rules",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagURL, "url", envOrDefault("CLOUDMUX_URL", "http://cloudmux:8780"), "CloudMux service URL")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("CLOUDMUX_API_TOKEN"), "CloudMux API bearer token")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
