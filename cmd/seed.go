package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/se7ensam/orion-AI/internal/config"
	"github.com/se7ensam/orion-AI/internal/ingest"
	pubpubsub "github.com/se7ensam/orion-AI/internal/publisher/pubsub"
)

var seedColumns = []string{"cik", "accession_number", "url", "form_type", "date"}

// newJobPublisher is a variable so tests can swap the Pub/Sub topic out.
var newJobPublisher = func(ctx context.Context, cfg config.PubSubConfig) (ingest.Publisher, func() error, error) {
	if cfg.JobsTopic == "" {
		return nil, nil, errors.New("pubsub.jobs_topic is required to seed jobs")
	}
	client, err := gpubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := pubpubsub.New(client.Topic(cfg.JobsTopic))
	closeFn := func() error {
		pub.Stop()
		return client.Close()
	}
	return pub, closeFn, nil
}

func newSeedCmd() *cobra.Command {
	var (
		file   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Publish filing jobs from a CSV file to the jobs topic",
		Long: `Reads a CSV with the header cik,accession_number,url,form_type,date and
publishes one JSON job per row. The url and form_type columns may be empty;
the worker derives the EDGAR archive URL and assumes 6-K. Rows that fail
validation are reported and skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}

			var in io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open seed file: %w", err)
				}
				defer f.Close()
				in = f
			}

			jobs, rowErrs := parseSeedCSV(in)
			for _, rerr := range rowErrs {
				rt.logger.Warn("skipping seed row", zap.Error(rerr))
			}
			if dryRun {
				return printJobs(cmd.OutOrStdout(), jobs)
			}
			if rt.cfg.Queue.Driver != "pubsub" {
				return fmt.Errorf("seed requires queue.driver=pubsub, got %q", rt.cfg.Queue.Driver)
			}

			pub, closeFn, err := newJobPublisher(cmd.Context(), rt.cfg.PubSub)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := closeFn(); cerr != nil {
					rt.logger.Warn("close jobs publisher", zap.Error(cerr))
				}
			}()

			published, err := publishJobs(cmd.Context(), pub, jobs, rt.logger)
			fmt.Fprintf(cmd.OutOrStdout(), "published %d/%d jobs (%d rows skipped)\n", published, len(jobs), len(rowErrs))
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "CSV file to read (default stdin)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the parsed jobs as JSON lines instead of publishing")
	return cmd
}

// parseSeedCSV reads jobs from r. Row-level problems are collected and the
// row skipped; a malformed header fails the whole file.
func parseSeedCSV(r io.Reader) ([]ingest.Job, []error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("read header: %w", err)}
	}
	index, err := seedHeaderIndex(header)
	if err != nil {
		return nil, []error{err}
	}

	var (
		jobs []ingest.Job
		errs []error
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		line, _ := reader.FieldPos(0)
		field := func(name string) string {
			i, ok := index[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		body, err := json.Marshal(ingest.Job{
			CIK:             field("cik"),
			AccessionNumber: field("accession_number"),
			URL:             field("url"),
			FormType:        field("form_type"),
			Date:            field("date"),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", line, err))
			continue
		}
		job, err := ingest.ParseJob(body)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", line, err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, errs
}

func seedHeaderIndex(header []string) (map[string]int, error) {
	index := make(map[string]int, len(header))
	for i, col := range header {
		index[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"cik", "accession_number"} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("header missing %q column (want %s)", required, strings.Join(seedColumns, ","))
		}
	}
	return index, nil
}

// publishJobs publishes every job and returns how many were accepted. It stops
// at the first publish error.
func publishJobs(ctx context.Context, pub ingest.Publisher, jobs []ingest.Job, logger *zap.Logger) (int, error) {
	for i, job := range jobs {
		id, err := pub.Publish(ctx, job, map[string]string{
			"cik":       job.CIK,
			"form_type": job.FormType,
		})
		if err != nil {
			return i, fmt.Errorf("publish %s: %w", job.Key(), err)
		}
		logger.Debug("job published",
			zap.String("message_id", id),
			zap.String("cik", job.CIK),
			zap.String("accession_number", job.AccessionNumber),
		)
	}
	return len(jobs), nil
}

func printJobs(w io.Writer, jobs []ingest.Job) error {
	enc := json.NewEncoder(w)
	for _, job := range jobs {
		if err := enc.Encode(job); err != nil {
			return err
		}
	}
	return nil
}
