package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	yaml "go.yaml.in/yaml/v3"

	"github.com/nimburion/findings-scheduler/pkg/config"
	"github.com/nimburion/findings-scheduler/pkg/lockstore"
	"github.com/nimburion/findings-scheduler/pkg/observability/logger"
	"github.com/nimburion/findings-scheduler/pkg/scheduler"
	"github.com/nimburion/findings-scheduler/pkg/timewindow"
)

type storeOpener func(cmd *cobra.Command) (*config.Config, lockstore.Store, logger.Logger, error)

// tableCreator is implemented by stores that can provision their backing table.
type tableCreator interface {
	CreateTable(ctx context.Context) error
}

// lockRow is the operator view of a lock row.
type lockRow struct {
	ProviderID      string `json:"product_arn" yaml:"product_arn"`
	Locked          bool   `json:"is_locked" yaml:"is_locked"`
	LastLockedAt    string `json:"last_locked_date" yaml:"last_locked_date"`
	LastProcessedAt string `json:"last_event_date" yaml:"last_event_date"`
	Stale           bool   `json:"stale" yaml:"stale"`
}

func newLocksCommand(open storeOpener) *cobra.Command {
	locksCmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and provision the lock table",
	}
	SetCommandPolicies(locksCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})

	var output string
	var staleOnly bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every lock row",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, log, err := open(cmd)
			if err != nil {
				return err
			}
			defer closeStore(store, log)

			lister, ok := store.(lockstore.Lister)
			if !ok {
				return fmt.Errorf("lock store %q cannot list rows", cfg.LockStore.Type)
			}
			records, err := lister.ListRecords(cmd.Context())
			if err != nil {
				return fmt.Errorf("list lock rows: %w", err)
			}
			reconciler := scheduler.NewReconciler(timewindow.SystemClock{}, scheduler.ReconcilerConfig{
				StaleLockThresholdDays: cfg.Window.StaleLockThresholdDays,
			})
			return writeLockRows(cmd.OutOrStdout(), output, toLockRows(records, reconciler, staleOnly))
		},
	}
	listCmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json or yaml")
	listCmd.Flags().BoolVar(&staleOnly, "stale-only", false, "only show locks the next cycle will release")
	SetCommandPolicies(listCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})
	locksCmd.AddCommand(listCmd)

	createCmd := &cobra.Command{
		Use:   "create-table",
		Short: "Create the DynamoDB lock table (hash key product_arn)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, log, err := open(cmd)
			if err != nil {
				return err
			}
			defer closeStore(store, log)

			creator, ok := store.(tableCreator)
			if !ok {
				return fmt.Errorf("lock store %q does not support table creation", cfg.LockStore.Type)
			}
			if err := creator.CreateTable(cmd.Context()); err != nil {
				return fmt.Errorf("create lock table: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lock table %s is ready\n", cfg.LockStore.Table)
			return nil
		},
	}
	SetCommandPolicies(createCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyManual})
	locksCmd.AddCommand(createCmd)

	return locksCmd
}

func toLockRows(records []lockstore.Record, reconciler *scheduler.Reconciler, staleOnly bool) []lockRow {
	rows := make([]lockRow, 0, len(records))
	for _, record := range records {
		stale := reconciler.IsStale(record)
		if staleOnly && !stale {
			continue
		}
		rows = append(rows, lockRow{
			ProviderID:      record.ProviderID,
			Locked:          record.Locked,
			LastLockedAt:    timewindow.Format(record.LastLockedAt),
			LastProcessedAt: timewindow.Format(record.LastProcessedAt),
			Stale:           stale,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ProviderID < rows[j].ProviderID })
	return rows
}

func writeLockRows(w io.Writer, format string, rows []lockRow) error {
	switch format {
	case "json":
		return writeJSON(w, rows)
	case "yaml":
		data, err := yaml.Marshal(rows)
		if err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
		_, err = w.Write(data)
		return err
	case "table", "":
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"product_arn", "locked", "last_locked_date", "last_event_date", "stale"})
		table.SetAutoWrapText(false)
		table.SetAutoFormatHeaders(false)
		for _, row := range rows {
			table.Append([]string{
				row.ProviderID,
				strconv.FormatBool(row.Locked),
				row.LastLockedAt,
				row.LastProcessedAt,
				strconv.FormatBool(row.Stale),
			})
		}
		table.Render()
		return nil
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

func closeStore(store lockstore.Store, log logger.Logger) {
	if err := store.Close(); err != nil {
		log.Warn("failed to close lock store", "error", err)
	}
}
