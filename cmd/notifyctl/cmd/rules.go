package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-research/remote-api-notifier/internal/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List the rules configured in the rules file",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := rules.LoadFile(rulesFile)
		if err != nil {
			return err
		}

		type ruleRow struct {
			EntityType string `json:"entity_type"`
			Endpoint   string `json:"endpoint"`
			Method     string `json:"method"`
			HTTPMethod string `json:"http_method"`
			Timing     string `json:"timing_field,omitempty"`
			Callback   string `json:"callback,omitempty"`
		}
		var records []ruleRow
		for _, et := range registry.EntityTypes() {
			for _, ep := range registry.Endpoints(et) {
				for _, m := range registry.Methods(et, ep) {
					rule, _ := registry.Lookup(et, ep, m)
					records = append(records, ruleRow{
						EntityType: et,
						Endpoint:   ep,
						Method:     m,
						HTTPMethod: rule.HTTPMethod,
						Timing:     rule.TimingField,
						Callback:   rule.CallbackKey,
					})
				}
			}
		}

		if outputJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}

		if len(records) == 0 {
			fmt.Println("no rules configured")
			return nil
		}
		for _, r := range records {
			fmt.Printf("%-12s %-8s %-6s %s", r.EntityType, r.Method, r.HTTPMethod, r.Endpoint)
			if r.Timing != "" {
				fmt.Printf("  debounce=%s", r.Timing)
			}
			if r.Callback != "" {
				fmt.Printf("  callback=%s", r.Callback)
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rulesCmd)
}
