package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-research/remote-api-notifier/internal/config"
	"github.com/mesh-research/remote-api-notifier/internal/delivery"
	"github.com/mesh-research/remote-api-notifier/internal/directory"
	"github.com/mesh-research/remote-api-notifier/internal/entity"
	"github.com/mesh-research/remote-api-notifier/internal/guard"
	"github.com/mesh-research/remote-api-notifier/internal/logging"
	"github.com/mesh-research/remote-api-notifier/internal/notifier"
	"github.com/mesh-research/remote-api-notifier/internal/request"
	"github.com/mesh-research/remote-api-notifier/internal/router"
	"github.com/mesh-research/remote-api-notifier/internal/rules"
)

var (
	fireEntityType string
	fireMethod     string
	fireEntityFile string
	firePriorFile  string
	fireIdentity   string
)

// syncScheduler delivers inline on the calling goroutine so a one-off
// invocation finishes before the command returns.
type syncScheduler struct {
	d *delivery.Deliverer
}

func (s syncScheduler) Submit(ctx context.Context, ev delivery.DispatchEvent) {
	s.d.Deliver(ctx, ev)
}

var fireCmd = &cobra.Command{
	Use:   "fire",
	Short: "Run a single entity event through the full delivery pipeline",
	Long: `Fire loads the rules file, evaluates the given entity snapshot against
the configured rules, and performs any matched deliveries synchronously.
Successful responses are printed to stdout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if fireEntityType == "" || fireMethod == "" || fireEntityFile == "" {
			return fmt.Errorf("--entity-type, --method and --entity-file are required")
		}

		registry, err := rules.LoadFile(rulesFile)
		if err != nil {
			return err
		}

		rec, err := readSnapshot(fireEntityFile)
		if err != nil {
			return err
		}
		var prior entity.Snapshot
		if firePriorFile != "" {
			if prior, err = readSnapshot(firePriorFile); err != nil {
				return err
			}
		}

		// Every configured callback prints the response it receives, so a
		// one-off run shows what the host application would have seen.
		for _, et := range registry.EntityTypes() {
			for _, ep := range registry.Endpoints(et) {
				for _, m := range registry.Methods(et, ep) {
					rule, _ := registry.Lookup(et, ep, m)
					if rule.CallbackKey != "" {
						registry.RegisterCallback(rule.CallbackKey, printCallback)
					}
				}
			}
		}

		cfg := config.FromEnv()
		logger := logging.New("notifyctl")

		dir := directory.NewHTTPClient(cfg.Directory.BaseURL, cfg.Directory.Timeout)

		rt := router.New(registry, logger)
		builder := request.NewBuilder(dir)
		deliverer := delivery.NewDeliverer(registry, builder, dir, rt, nil, logger, cfg.Delivery)

		g := guard.New(registry, cfg.Guard.DebounceWindow, logger)
		n := notifier.New(g, syncScheduler{d: deliverer}, logger, false, nil)

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		id := entity.System
		if fireIdentity != "" && fireIdentity != entity.SystemID {
			id = entity.Identity{ID: fireIdentity}
		}

		n.Dispatch(ctx, notifier.Immediate{}, fireEntityType, fireMethod, id, rec, prior, nil)
		handled := rt.Drain(ctx)
		fmt.Fprintf(os.Stderr, "processed %d callback(s)\n", handled)
		return nil
	},
}

func printCallback(_ context.Context, cc rules.CallbackContext) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"entity_type": cc.EntityType,
		"method":      cc.Method,
		"request_url": cc.RequestURL,
		"status":      cc.Status,
		"response":    cc.Response,
	})
}

func readSnapshot(path string) (entity.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap entity.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return snap, nil
}

func init() {
	fireCmd.Flags().StringVar(&fireEntityType, "entity-type", "", "entity type of the snapshot")
	fireCmd.Flags().StringVar(&fireMethod, "method", "", "lifecycle method to fire (create, update, publish, ...)")
	fireCmd.Flags().StringVar(&fireEntityFile, "entity-file", "", "path to a JSON entity snapshot")
	fireCmd.Flags().StringVar(&firePriorFile, "prior-file", "", "path to a JSON snapshot of the prior state")
	fireCmd.Flags().StringVar(&fireIdentity, "identity", entity.SystemID, "identity id performing the operation")
	rootCmd.AddCommand(fireCmd)
}
