package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-research/remote-api-notifier/internal/entity"
	"github.com/mesh-research/remote-api-notifier/internal/guard"
	"github.com/mesh-research/remote-api-notifier/internal/logging"
	"github.com/mesh-research/remote-api-notifier/internal/rules"
)

var (
	checkEntityType string
	checkMethod     string
	checkEntityFile string
	checkPriorFile  string
	checkWindow     time.Duration
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Dry-run the dispatch guard against an entity snapshot",
	Long: `Check evaluates the given snapshot against the loaded rules and prints
the dispatch events that would fire, without performing any delivery.
Suppressions (visibility, debounce) show up as an empty result.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if checkEntityType == "" || checkMethod == "" || checkEntityFile == "" {
			return fmt.Errorf("--entity-type, --method and --entity-file are required")
		}

		registry, err := rules.LoadFile(rulesFile)
		if err != nil {
			return err
		}

		rec, err := readSnapshot(checkEntityFile)
		if err != nil {
			return err
		}
		var prior entity.Snapshot
		if checkPriorFile != "" {
			if prior, err = readSnapshot(checkPriorFile); err != nil {
				return err
			}
		}

		g := guard.New(registry, checkWindow, logging.New("notifyctl"))
		events := g.Evaluate(cmd.Context(), checkEntityType, checkMethod, entity.System, rec, prior, nil)

		if outputJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(events)
		}

		if len(events) == 0 {
			fmt.Println("no dispatch: no rule matched or the guard suppressed it")
			return nil
		}
		for _, ev := range events {
			fmt.Printf("would dispatch %s %s -> %s (event %s)\n", ev.EntityType, ev.Method, ev.Endpoint, ev.EventID)
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkEntityType, "entity-type", "", "entity type of the snapshot")
	checkCmd.Flags().StringVar(&checkMethod, "method", "", "lifecycle method to evaluate")
	checkCmd.Flags().StringVar(&checkEntityFile, "entity-file", "", "path to a JSON entity snapshot")
	checkCmd.Flags().StringVar(&checkPriorFile, "prior-file", "", "path to a JSON snapshot of the prior state")
	checkCmd.Flags().DurationVar(&checkWindow, "debounce-window", 5*time.Second, "suppression window for the timing field")
	rootCmd.AddCommand(checkCmd)
}
