package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/elabx-org/cloudmux/internal/domain"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List or reorder a workspace's placement rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active rules in evaluation order",
	Args:  cobra.NoArgs,
	RunE:  runRulesList,
}

var rulesReorderCmd = &cobra.Command{
	Use:   "reorder RULE_ID...",
	Short: "Set rule priority to the order given",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRulesReorder,
}

func init() {
	rulesCmd.PersistentFlags().StringVar(&flagWorkspace, "workspace", os.Getenv("CLOUDMUX_WORKSPACE"), "Workspace ID (required)")
	rulesCmd.AddCommand(rulesListCmd, rulesReorderCmd)
	rootCmd.AddCommand(rulesCmd)
}

type rulesResponse struct {
	Rules []domain.Rule `json:"rules"`
}

func runRulesList(cmd *cobra.Command, args []string) error {
	if flagWorkspace == "" {
		return errors.New("--workspace is required")
	}
	req, err := newRequest(http.MethodGet, "/v1/workspaces/"+flagWorkspace+"/rules", nil)
	if err != nil {
		return err
	}
	var resp rulesResponse
	if err := do(req, &resp); err != nil {
		return err
	}
	printRules(resp.Rules)
	return nil
}

func runRulesReorder(cmd *cobra.Command, args []string) error {
	if flagWorkspace == "" {
		return errors.New("--workspace is required")
	}
	body, err := json.Marshal(map[string][]string{"rule_ids": args})
	if err != nil {
		return err
	}
	req, err := newRequest(http.MethodPut, "/v1/workspaces/"+flagWorkspace+"/rules/order", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	var resp rulesResponse
	if err := do(req, &resp); err != nil {
		return err
	}
	printRules(resp.Rules)
	return nil
}

func printRules(rs []domain.Rule) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tID\tNAME\tENABLED\tTARGET\tFOLDER")
	for _, r := range rs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\t%s\n", r.Priority, r.ID, r.Name, r.Enabled, r.TargetProviderID, r.TargetFolderPath)
	}
	tw.Flush()
}
