package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/shipdoc-cli/internal/ingest"
	"github.com/sells-group/shipdoc-cli/internal/model"
	"github.com/sells-group/shipdoc-cli/internal/pending"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Inspect and resolve documents awaiting review",
}

// -- pending list --

var pendingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending documents",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		docType, _ := cmd.Flags().GetString("type")
		page, _ := cmd.Flags().GetInt("page")
		size, _ := cmd.Flags().GetInt("size")

		filter := pending.Filter{Status: model.PendingStatus(status)}
		if docType != "" {
			filter.DocumentType = model.ParseDocumentType(docType)
		}

		p, err := env.Service.Queue().List(ctx, filter, page, size)
		if err != nil {
			return eris.Wrap(err, "pending list")
		}
		if len(p.Items) == 0 {
			fmt.Fprintln(os.Stderr, "No pending documents found.")
			return nil
		}

		formatPendingList(os.Stdout, p)
		return nil
	},
}

// -- pending show --

var pendingShowCmd = &cobra.Command{
	Use:   "show <pending-id>",
	Short: "Show a pending document with its parsed fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Service.Queue().Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "pending show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	},
}

// -- pending resolve --

var pendingResolveCmd = &cobra.Command{
	Use:   "resolve <pending-id> <assign|create|discard>",
	Short: "Resolve a pending document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, ok := model.ParseResolvedAction(args[1])
		if !ok {
			return eris.Errorf("unknown action %q: want assign, create or discard", args[1])
		}
		target, _ := cmd.Flags().GetString("target")

		ctx := cmd.Context()
		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Service.ResolvePending(ctx, args[0], action, target)
		if err != nil {
			return eris.Wrap(err, "pending resolve")
		}

		if res == nil {
			fmt.Fprintf(os.Stdout, "Pending %s %s.\n", truncateID(args[0]), action)
			return nil
		}
		fmt.Fprintf(os.Stdout, "Pending %s %s: shipment %s (%s)\n",
			truncateID(args[0]), action, res.ShipmentNumber, res.Status)
		return nil
	},
}

// -- pending confirm --

var pendingConfirmCmd = &cobra.Command{
	Use:   "confirm <pending-id>",
	Short: "Apply a previewed or queued document after corrections",
	Long:  "Re-runs matching and the action decision on the queued document with the given corrections, then applies it. Fields are set with --set name=value (booking, primary_id, vessel, etd, ...).",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := confirmRequest(cmd)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Service.Confirm(ctx, args[0], req)
		if err != nil {
			return eris.Wrap(err, "pending confirm")
		}
		fmt.Fprintf(os.Stdout, "Pending %s confirmed: shipment %s %s (%s)\n",
			truncateID(args[0]), res.ShipmentNumber, res.Action, res.Status)
		return nil
	},
}

// confirmRequest builds the corrections from the confirm flags.
func confirmRequest(cmd *cobra.Command) (ingest.ConfirmRequest, error) {
	target, _ := cmd.Flags().GetString("target")
	docType, _ := cmd.Flags().GetString("type")
	fields, _ := cmd.Flags().GetStringToString("set")

	req := ingest.ConfirmRequest{TargetID: target, Fields: fields}
	if docType != "" {
		req.DocumentType = model.ParseDocumentType(docType)
		if req.DocumentType == model.DocUnknown {
			return req, eris.Errorf("unknown document type %q", docType)
		}
	}
	if cmd.Flags().Changed("containers") {
		containers, _ := cmd.Flags().GetStringSlice("containers")
		req.Containers = append([]string{}, containers...)
	}
	return req, nil
}

// -- pending candidates --

var pendingCandidatesCmd = &cobra.Command{
	Use:   "candidates <pending-id>",
	Short: "List shipments a pending document could be assigned to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		list, err := env.Service.Candidates(ctx, args[0], env.Store, limit)
		if err != nil {
			return eris.Wrap(err, "pending candidates")
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No candidate shipments found.")
			return nil
		}
		formatShipments(os.Stdout, list)
		return nil
	},
}

// -- pending count --

var pendingCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of documents awaiting resolution",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Service.Queue().Count(ctx)
		if err != nil {
			return eris.Wrap(err, "pending count")
		}
		fmt.Fprintln(os.Stdout, n)
		return nil
	},
}

// -- pending expire --

var pendingExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire pending documents past their deadline",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Service.ExpirePending(ctx)
		if err != nil {
			return eris.Wrap(err, "pending expire")
		}
		fmt.Fprintf(os.Stdout, "Expired %d pending document(s).\n", n)
		return nil
	},
}

// -- pending url --

var pendingURLCmd = &cobra.Command{
	Use:   "url <pending-id>",
	Short: "Print a signed download URL for the original document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		ttl, _ := cmd.Flags().GetDuration("ttl")
		u, err := env.Service.Queue().SignedURL(ctx, args[0], ttl)
		if err != nil {
			return eris.Wrap(err, "pending url")
		}
		fmt.Fprintln(os.Stdout, u)
		return nil
	},
}

func init() {
	pendingListCmd.Flags().String("status", string(model.PendingOpen), "filter by status (pending, resolving, resolved, expired)")
	pendingListCmd.Flags().String("type", "", "filter by document type (booking, hbl, mbl, departure, arrival)")
	pendingListCmd.Flags().Int("page", 1, "page number")
	pendingListCmd.Flags().Int("size", 20, "page size (max 100)")

	pendingResolveCmd.Flags().String("target", "", "shipment id for assign")

	pendingURLCmd.Flags().Duration("ttl", 0, "URL lifetime (default from config)")

	pendingConfirmCmd.Flags().String("target", "", "shipment id to update")
	pendingConfirmCmd.Flags().String("type", "", "override the detected document type")
	pendingConfirmCmd.Flags().StringToString("set", nil, "field correction as name=value (repeatable)")
	pendingConfirmCmd.Flags().StringSlice("containers", nil, "replace the container list")

	pendingCandidatesCmd.Flags().Int("limit", 10, "maximum shipments to list (max 50)")

	pendingCmd.AddCommand(pendingListCmd)
	pendingCmd.AddCommand(pendingShowCmd)
	pendingCmd.AddCommand(pendingResolveCmd)
	pendingCmd.AddCommand(pendingExpireCmd)
	pendingCmd.AddCommand(pendingURLCmd)
	pendingCmd.AddCommand(pendingConfirmCmd)
	pendingCmd.AddCommand(pendingCandidatesCmd)
	pendingCmd.AddCommand(pendingCountCmd)
	rootCmd.AddCommand(pendingCmd)
}

// formatPendingList writes a tabular page of pending documents to w.
func formatPendingList(out io.Writer, p *pending.Page) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tFILE\tSOURCE\tSTATUS\tEXPIRES\tREASON")
	_, _ = fmt.Fprintln(w, "--\t----\t----\t------\t------\t-------\t------")

	for _, d := range p.Items {
		file := d.Filename
		if len(file) > 30 {
			file = file[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(d.ID),
			d.DocumentType,
			file,
			d.Source,
			d.Status,
			d.ExpiresAt.Local().Format("2006-01-02 15:04"),
			d.Reason,
		)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "Page %d, %d of %d shown\n", p.Page, len(p.Items), p.Total)
}
