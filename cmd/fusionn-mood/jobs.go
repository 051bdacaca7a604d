package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/fusionn-mood/internal/projection"
	"github.com/fusionn-mood/internal/queue"
	"github.com/fusionn-mood/internal/service/intake"
	"github.com/fusionn-mood/internal/version"
)

const cliTimeout = 30 * time.Second

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <reference>...",
	Short: "Queue one or more video references",
	Long: `Queue video references: a bare video id or a URL. Nothing is queued
if any reference is malformed. A reference that already has an active job
returns that job instead of a new one.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		skip, _ := cmd.Flags().GetBool("skip-media")
		return withStore(func(ctx context.Context, store *queue.Store) error {
			results, err := intake.New(store, nil).Submit(ctx, args, skip)
			if err != nil {
				return err
			}
			for i, r := range results {
				if r.Existing {
					pterm.Warning.Printf("%s already queued as %s\n", args[i], r.ID)
					continue
				}
				pterm.Success.Printf("%s queued as %s\n", args[i], r.ID)
			}
			return nil
		})
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		var status queue.Status
		if raw != "" {
			var err error
			if status, err = queue.ParseStatus(raw); err != nil {
				return err
			}
		}
		return withStore(func(ctx context.Context, store *queue.Store) error {
			jobs, err := projection.New(store).ListJobs(ctx, status, limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				pterm.Info.Println("No jobs")
				return nil
			}

			data := pterm.TableData{{"ID", "Reference", "Status", "Title", "Segments", "Attempts", "Updated"}}
			for _, j := range jobs {
				state := string(j.Status)
				if j.ErrorMessage != "" {
					state += ": " + truncate(j.ErrorMessage, 40)
				}
				data = append(data, []string{
					j.ID, j.SourceReference, state, truncate(j.Title, 40),
					fmt.Sprint(j.SegmentCount), fmt.Sprint(j.Attempts),
					j.UpdatedAt.Local().Format(time.DateTime),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job with its sentiment timeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("segments")
		return withStore(func(ctx context.Context, store *queue.Store) error {
			d, err := projection.New(store).Detail(ctx, args[0])
			if err != nil {
				return err
			}
			printDetail(d, all)
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count jobs per status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *queue.Store) error {
			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}
			data := pterm.TableData{{"Status", "Jobs"}}
			for _, s := range queue.AllStatuses {
				data = append(data, []string{string(s), fmt.Sprint(stats[s])})
			}
			data = append(data, []string{"total", fmt.Sprint(stats.Total())})
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Release orphaned jobs now",
	Long: `Release every mid-pipeline job that has not been touched for longer
than the stale threshold, so a live worker can claim it. Workers also do
this on startup and periodically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		stale, _ := cmd.Flags().GetDuration("stale")
		mode, _ := cmd.Flags().GetString("mode")
		a, err := openApp(0)
		if err != nil {
			return err
		}
		defer a.Close()

		if stale <= 0 {
			stale = a.cfg.Worker.StaleThreshold
		}
		if mode == "" {
			mode = a.cfg.Worker.RecoveryMode
		}
		if m := queue.RecoveryMode(mode); m != queue.RecoverStage && m != queue.RecoverPending {
			return errors.Newf("--mode must be stage or pending, got %q", mode)
		}

		ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
		defer cancel()
		recovered, err := a.store.RecoverStale(ctx, stale, queue.RecoveryMode(mode))
		if err != nil {
			return err
		}
		if len(recovered) == 0 {
			pterm.Info.Printf("No jobs stale for more than %s\n", stale)
			return nil
		}
		for _, r := range recovered {
			pterm.Success.Printf("%s (%s): %s → %s, was held by %s for %s\n",
				r.JobID, r.Reference, r.From, r.To, r.ClaimedBy, r.StaleFor.Round(time.Second))
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(0)
		if err != nil {
			return err
		}
		defer a.Close()
		pterm.Success.Printf("Database %s is up to date\n", a.cfg.Database.Path)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String())
	},
}

func init() {
	enqueueCmd.Flags().Bool("skip-media", false, "Do not download the media file")

	jobsCmd.Flags().String("status", "", "Filter by status (pending, fetching_metadata, fetching_captions, analyzing, completed, failed)")
	jobsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display (0 = all)")

	showCmd.Flags().Bool("segments", false, "List every scored segment")

	recoverCmd.Flags().Duration("stale", 0, "Idle time before a job counts as orphaned (default worker.stale_threshold)")
	recoverCmd.Flags().String("mode", "", "stage keeps progress, pending restarts the job (default worker.recovery_mode)")
}

// withStore runs fn against the job store with a bounded context.
func withStore(fn func(ctx context.Context, store *queue.Store) error) error {
	a, err := openApp(0)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	return fn(ctx, a.store)
}

func printDetail(d *projection.JobDetail, allSegments bool) {
	j := d.Job
	title := j.SourceReference
	if d.Metadata != nil && d.Metadata.Title != "" {
		title = d.Metadata.Title
	}
	pterm.DefaultHeader.WithFullWidth().Println(title)
	pterm.Println()

	pterm.Info.Printf("Job:       %s\n", j.ID)
	pterm.Info.Printf("Reference: %s\n", j.SourceReference)
	pterm.Info.Printf("Status:    %s (attempts: %d)\n", j.Status, j.Attempts)
	if j.ErrorMessage != "" {
		pterm.Error.Printf("Error:     %s\n", j.ErrorMessage)
	}
	if d.Metadata != nil {
		pterm.Info.Printf("Channel:   %s\n", d.Metadata.Channel)
		pterm.Info.Printf("Duration:  %s\n", seconds(d.Metadata.DurationSeconds))
	}
	if j.MediaPath != "" {
		pterm.Info.Printf("Media:     %s\n", j.MediaPath)
	}
	if len(d.Segments) == 0 {
		return
	}

	s := d.Summary
	pterm.Println()
	pterm.Info.Printf("Segments: %d  average %.2f  positive %d  neutral %d  negative %d",
		s.Segments, s.Average, s.Positive, s.Neutral, s.Negative)
	if s.Fallback > 0 {
		pterm.Printf("  (%d unscored)", s.Fallback)
	}
	pterm.Println()
	pterm.Println()

	sections := pterm.TableData{{"From", "To", "Mood", "Average", "+", "=", "-"}}
	for _, sec := range d.Sections {
		mood := string(sec.Dominant)
		if mood == "" {
			mood = "-"
		}
		sections = append(sections, []string{
			seconds(sec.Start), seconds(sec.End), mood, fmt.Sprintf("%.2f", sec.Average),
			fmt.Sprint(sec.Positive), fmt.Sprint(sec.Neutral), fmt.Sprint(sec.Negative),
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(sections).Render()

	if !allSegments {
		return
	}
	pterm.Println()
	segs := pterm.TableData{{"#", "Start", "End", "Label", "Score", "Text"}}
	for _, seg := range d.Segments {
		label := string(seg.SentimentLabel)
		if seg.ScoreFallback {
			label += "*"
		}
		segs = append(segs, []string{
			fmt.Sprint(seg.SequenceIndex), seconds(seg.StartTime), seconds(seg.EndTime),
			label, fmt.Sprintf("%.2f", seg.SentimentScore), truncate(seg.Text, 60),
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(segs).Render()
}

func seconds(s float64) string {
	return (time.Duration(s * float64(time.Second))).Round(time.Second).String()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
