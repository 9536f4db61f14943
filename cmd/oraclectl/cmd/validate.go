package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_oracle/internal/validation"
)

type jobReport struct {
	JobID       int64   `json:"job_id"`
	Score       float64 `json:"score"`
	Samples     int     `json:"samples"`
	NeedsReview bool    `json:"needs_review,omitempty"`
}

type validationReport struct {
	Accepted       bool        `json:"accepted"`
	RejectedJobIDs []int64     `json:"rejected_job_ids,omitempty"`
	Jobs           []jobReport `json:"jobs"`
}

// jobFile is a "<job_id>=<path>" argument
type jobFile struct {
	id   int64
	path string
}

func parseJobFile(arg string) (jobFile, error) {
	id, path, ok := strings.Cut(arg, "=")
	if !ok || path == "" {
		return jobFile{}, fmt.Errorf("expected <job_id>=<file>, got %q", arg)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return jobFile{}, fmt.Errorf("invalid job id %q: %w", id, err)
	}
	return jobFile{id: n, path: path}, nil
}

// scoreJobs compares every job dataset against gt and decides the task
func scoreJobs(gt *validation.Dataset, jobs map[int64]*validation.Dataset, minSimilarity, minQuality float64) validationReport {
	cmp := validation.Comparator{MinSimilarity: minSimilarity}

	ids := make([]int64, 0, len(jobs))
	for id := range jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var (
		report validationReport
		scores []validation.JobScore
	)
	for _, id := range ids {
		s := cmp.Compare(gt, jobs[id])
		scores = append(scores, validation.JobScore{JobID: id, Score: s.Value, NeedsReview: s.NeedsReview()})
		report.Jobs = append(report.Jobs, jobReport{JobID: id, Score: s.Value, Samples: s.Samples, NeedsReview: s.NeedsReview()})
	}

	d := validation.Decide(minQuality, scores)
	report.Accepted = d.Accepted
	report.RejectedJobIDs = d.RejectedJobIDs
	return report
}

var validateCmd = &cobra.Command{
	Use:   "validate [job_id=annotations.json ...]",
	Short: "Score COCO annotation files against ground truth",
	Long: `Score job annotations offline, the way the recording oracle does, and print
the accept/reject decision. Files may be COCO instances JSON or zip archives
containing it.

Example:
  oraclectl validate --gt gt.json --labels cat,dog 1=job1.zip 2=job2.zip`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gtPath, _ := cmd.Flags().GetString("gt")
		labels, _ := cmd.Flags().GetStringSlice("labels")
		minSimilarity, _ := cmd.Flags().GetFloat64("min-similarity")
		minQuality, _ := cmd.Flags().GetFloat64("min-quality")

		raw, err := readInput(cmd, gtPath)
		if err != nil {
			return fmt.Errorf("read ground truth: %w", err)
		}
		gt, err := validation.ParseCOCO(raw, labels)
		if err != nil {
			return fmt.Errorf("parse ground truth: %w", err)
		}

		jobs := make(map[int64]*validation.Dataset, len(args))
		for _, arg := range args {
			jf, err := parseJobFile(arg)
			if err != nil {
				return err
			}
			if _, dup := jobs[jf.id]; dup {
				return fmt.Errorf("job %d given twice", jf.id)
			}
			raw, err := readInput(cmd, jf.path)
			if err != nil {
				return fmt.Errorf("read job %d: %w", jf.id, err)
			}
			ds, err := validation.ParseCOCO(raw, labels)
			if err != nil {
				return fmt.Errorf("parse job %d: %w", jf.id, err)
			}
			jobs[jf.id] = ds
		}

		report := scoreJobs(gt, jobs, minSimilarity, minQuality)

		w := cmd.OutOrStdout()
		if outputJSON {
			printOutput(w, report)
			return nil
		}
		for _, j := range report.Jobs {
			line := fmt.Sprintf("job %d: score=%.4f samples=%d", j.JobID, j.Score, j.Samples)
			if j.NeedsReview {
				line += " (no overlap with ground truth, needs review)"
			}
			fmt.Fprintln(w, line)
		}
		if report.Accepted {
			fmt.Fprintln(w, "task accepted")
		} else {
			fmt.Fprintf(w, "task rejected, jobs %v\n", report.RejectedJobIDs)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().String("gt", "", "ground truth COCO file")
	validateCmd.Flags().StringSlice("labels", nil, "label names, in manifest order")
	validateCmd.Flags().Float64("min-similarity", 0.5, "IoU below which boxes are not matched")
	validateCmd.Flags().Float64("min-quality", 0.7, "minimum job score for acceptance")
	validateCmd.MarkFlagRequired("gt")
	validateCmd.MarkFlagRequired("labels")
}
