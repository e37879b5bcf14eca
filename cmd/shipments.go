package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/shipdoc-cli/internal/model"
	"github.com/sells-group/shipdoc-cli/internal/store"
)

var shipmentsCmd = &cobra.Command{
	Use:   "shipments",
	Short: "Inspect shipments and move their status",
}

var shipmentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List shipments",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		list, err := st.ListShipments(ctx, store.ShipmentFilter{
			Status: model.Status(strings.ToUpper(status)),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "shipments list")
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No shipments found.")
			return nil
		}

		formatShipments(os.Stdout, list)
		return nil
	},
}

var shipmentsShowCmd = &cobra.Command{
	Use:   "show <shipment-id>",
	Short: "Show a shipment with its event history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sh, err := st.GetShipment(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "shipments show")
		}
		events, err := st.ListEvents(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "shipments show events")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*model.Shipment
			Events []model.ShipmentEvent `json:"events"`
		}{sh, events})
	},
}

var shipmentsStatusCmd = &cobra.Command{
	Use:   "status <shipment-id> <status>",
	Short: "Move a shipment forward to a new status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status := model.Status(strings.ToUpper(args[1]))
		if !status.Valid() {
			return eris.Errorf("unknown status %q", args[1])
		}
		note, _ := cmd.Flags().GetString("note")

		ctx := cmd.Context()
		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Service.ChangeStatus(ctx, args[0], status, note); err != nil {
			return eris.Wrap(err, "shipments status")
		}
		fmt.Fprintf(os.Stdout, "Shipment %s is now %s.\n", truncateID(args[0]), status)
		return nil
	},
}

func init() {
	shipmentsListCmd.Flags().String("status", "", "filter by status (e.g. IN_TRANSIT)")
	shipmentsListCmd.Flags().Int("limit", 50, "max number of shipments to display")
	shipmentsStatusCmd.Flags().String("note", "", "note recorded on the status event")

	shipmentsCmd.AddCommand(shipmentsListCmd)
	shipmentsCmd.AddCommand(shipmentsShowCmd)
	shipmentsCmd.AddCommand(shipmentsStatusCmd)
	rootCmd.AddCommand(shipmentsCmd)
}

// formatShipments writes a tabular list of shipments to w.
func formatShipments(out io.Writer, list []model.Shipment) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNUMBER\tBOOKING\tB/L\tSTATUS\tCONTAINERS\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t------\t-------\t---\t------\t----------\t-------")

	for _, s := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			truncateID(s.ID),
			s.ShipmentNumber,
			dash(s.BookingNumber),
			dash(s.BillOfLading),
			s.Status,
			len(s.Containers),
			s.UpdatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
