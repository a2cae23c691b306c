package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/api"
	"github.com/warp/allocation-engine/store/sqlite"
)

var (
	seedScenario string

	tableWorkspace string
	tableYears     int
	tableFrom      string
	tableTo        string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		version, dirty, err := store.SchemaVersion()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t) at %s\n", version, dirty, cfg.Database.Path)
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Reset the database and load a demo scenario",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		a := newApp(store, cfg, logger)
		if err := a.handler.LoadScenarioByID(cmd.Context(), seedScenario); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "loaded scenario %q into %s\n", seedScenario, cfg.Database.Path)
		return nil
	},
}

var workspacesCmd = &cobra.Command{
	Use:   "workspaces",
	Short: "List workspaces in the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		all, err := store.ListWorkspaces(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCURRENCY\tMIN WC\t")
		for _, ws := range all {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n",
				ws.ID, ws.Name, ws.BaseCurrency, api.DisplayAmount(ws.MinWCBalance, ws.BaseCurrency))
		}
		return w.Flush()
	},
}

var tableCmd = &cobra.Command{
	Use:   "table",
	Short: "Print a workspace's allocation table",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		engine := newApp(store, cfg, logger).engine
		ws := allocation.WorkspaceID(tableWorkspace)

		var table *allocation.AllocationTable
		if tableFrom != "" {
			from, err := allocation.ParseMonthKey(tableFrom)
			if err != nil {
				return err
			}
			to := from
			if tableTo != "" {
				if to, err = allocation.ParseMonthKey(tableTo); err != nil {
					return err
				}
			}
			table, err = engine.Table(cmd.Context(), ws, from, to)
			if err != nil {
				return err
			}
		} else {
			table, err = engine.TableForYears(cmd.Context(), ws, tableYears)
			if err != nil {
				return err
			}
		}
		return printTable(cmd.OutOrStdout(), table)
	},
}

// printTable renders one line per month with every fund's allocated amount.
func printTable(out io.Writer, t *allocation.AllocationTable) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)

	header := []string{"MONTH", "", "INCOME", "MODE", "WC", "SAVINGS"}
	for _, f := range t.Funds {
		if !f.IsWorkingCapital {
			header = append(header, strings.ToUpper(f.Name))
		}
	}
	fmt.Fprintln(w, strings.Join(header, "\t")+"\t")

	for _, r := range t.Rows {
		lock := ""
		if r.IsLocked {
			lock = "locked"
		}
		cols := []string{
			r.Month.String(),
			lock,
			api.DisplayAmount(r.NetIncome, t.BaseCurrency),
			r.Mode.String(),
			api.DisplayAmount(r.AllocatedFixedCost, t.BaseCurrency),
			api.DisplayAmount(r.SavingsRemainder, t.BaseCurrency),
		}
		for _, f := range r.Funds {
			if f.IsWorkingCapital {
				continue
			}
			cell := api.DisplayAmount(f.AllocatedAmount, t.BaseCurrency)
			if f.IsOverridden {
				cell += "*"
			}
			cols = append(cols, cell)
		}
		fmt.Fprintln(w, strings.Join(cols, "\t")+"\t")

		for _, warning := range r.Warnings {
			fmt.Fprintf(w, "\t\t! %s\n", warning)
		}
	}
	return w.Flush()
}
