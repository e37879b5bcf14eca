package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/shipdoc-cli/internal/extract"
	"github.com/sells-group/shipdoc-cli/internal/ingest"
	"github.com/sells-group/shipdoc-cli/internal/model"
)

var (
	ingestTarget  string
	ingestEmail   string
	ingestPreview bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file-or-dir>...",
	Short: "Ingest PDF documents or a forwarded email payload",
	Long:  "Runs each PDF through extraction, classification and matching. Directories are scanned for *.pdf files. With --email, reads an email webhook JSON payload instead. With --preview, nothing is applied: each result is held for 'pending confirm'.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ingestEmail == "" && len(args) == 0 {
			return eris.New("at least one file or --email is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		if ingestEmail != "" && ingestPreview {
			return eris.New("--preview does not apply to --email")
		}
		if ingestEmail != "" {
			return ingestEmailFile(ctx, env.Service, ingestEmail, os.Stdout)
		}

		files, err := collectPDFs(args)
		if err != nil {
			return err
		}
		if ingestTarget != "" && len(files) != 1 {
			return eris.New("--target applies to a single file")
		}

		run := env.Service.Ingest
		if ingestPreview {
			run = env.Service.Preview
		}
		return processFiles(ctx, files, cfg.Ingest.Concurrency, os.Stdout, func(ctx context.Context, path string, data []byte) (*ingest.Outcome, error) {
			return run(ctx, ingest.Request{
				Data:     data,
				Filename: filepath.Base(path),
				Source:   model.SourceManual,
				TargetID: ingestTarget,
			})
		})
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestTarget, "target", "", "shipment id the document belongs to")
	ingestCmd.Flags().StringVar(&ingestEmail, "email", "", "path to an email webhook JSON payload")
	ingestCmd.Flags().BoolVar(&ingestPreview, "preview", false, "hold results for confirmation instead of applying them")
	rootCmd.AddCommand(ingestCmd)
}

// ingestFunc is the callback that runs one document through the pipeline.
type ingestFunc func(ctx context.Context, path string, data []byte) (*ingest.Outcome, error)

// fileResult is one row of the ingest summary.
type fileResult struct {
	Path    string
	Outcome *ingest.Outcome
	Err     error
}

// collectPDFs expands directories into their *.pdf files, sorted by name.
func collectPDFs(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "stat %s", arg)
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "read dir %s", arg)
		}
		for _, e := range entries {
			if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
				files = append(files, filepath.Join(arg, e.Name()))
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// processFiles ingests files concurrently and writes a summary table to out.
// Individual failures are reported but do not abort the batch.
func processFiles(ctx context.Context, files []string, concurrency int, out io.Writer, run ingestFunc) error {
	if len(files) == 0 {
		zap.L().Info("no documents to ingest")
		return nil
	}
	if concurrency < 1 {
		concurrency = 1
	}

	zap.L().Info("processing documents",
		zap.Int("files", len(files)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var applied, queued, failed atomic.Int64
	var mu sync.Mutex
	results := make([]fileResult, 0, len(files))

	for _, path := range files {
		g.Go(func() error {
			log := zap.L().With(zap.String("file", path))

			res := fileResult{Path: path}
			data, err := os.ReadFile(path)
			if err != nil {
				res.Err = eris.Wrapf(err, "read %s", path)
			} else {
				res.Outcome, res.Err = run(gctx, path, data)
			}

			switch {
			case res.Err != nil && !queuedUnreadable(res):
				failed.Add(1)
				log.Error("ingest failed", zap.Error(res.Err))
			case res.Outcome.Pending != nil:
				queued.Add(1)
			default:
				applied.Add(1)
			}

			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil // don't abort batch on individual failure
		})
	}

	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "ingest batch")
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	formatResults(out, results)

	zap.L().Info("ingest complete",
		zap.Int64("applied", applied.Load()),
		zap.Int64("queued", queued.Load()),
		zap.Int64("failed", failed.Load()),
	)
	if n := failed.Load(); n > 0 {
		return eris.Errorf("%d of %d documents failed", n, len(files))
	}
	return nil
}

// queuedUnreadable reports whether res failed extraction but was still
// queued for manual entry.
func queuedUnreadable(res fileResult) bool {
	return errors.Is(res.Err, extract.ErrExtractionFailed) && res.Outcome != nil && res.Outcome.Pending != nil
}

// formatResults writes one line per document to w.
func formatResults(out io.Writer, results []fileResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FILE\tTYPE\tACTION\tRECORD\tDETAIL")
	_, _ = fmt.Fprintln(w, "----\t----\t------\t------\t------")

	for _, r := range results {
		name := filepath.Base(r.Path)
		if r.Err != nil && !queuedUnreadable(r) {
			_, _ = fmt.Fprintf(w, "%s\t-\tERROR\t-\t%s\n", name, r.Err)
			continue
		}
		o := r.Outcome
		docType := string(model.DocUnknown)
		if o.Document != nil {
			docType = string(o.Document.DocumentType)
		}
		switch {
		case o.Pending != nil && o.Pending.Source == model.SourcePreview:
			_, _ = fmt.Fprintf(w, "%s\t%s\tPREVIEW %s\t%s\t%s\n", name, docType, o.Decision.Action, truncateID(o.Pending.ID), o.Decision.Reason)
		case o.Pending != nil:
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, docType, model.ActionNeedsReview, truncateID(o.Pending.ID), o.Decision.Reason)
		case o.Merge != nil:
			detail := string(o.Merge.Status)
			if o.LowConfidence {
				detail += fmt.Sprintf(" (low confidence %.2f)", o.OverallConfidence)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, docType, o.Merge.Action, o.Merge.ShipmentNumber, detail)
		}
	}
	_ = w.Flush()
}

// ingestEmailFile reads an email webhook payload from path and ingests its
// first PDF attachment.
func ingestEmailFile(ctx context.Context, svc *ingest.Service, path string, out io.Writer) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "read %s", path)
	}
	var payload ingest.EmailPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return eris.Wrap(err, "decode email payload")
	}
	o, err := svc.IngestEmail(ctx, payload)
	res := fileResult{Path: path, Outcome: o, Err: err}
	formatResults(out, []fileResult{res})
	if err != nil && !queuedUnreadable(res) {
		return err
	}
	return nil
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
