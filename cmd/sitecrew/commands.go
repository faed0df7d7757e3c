package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"sitecrew/internal/domain"
	"sitecrew/internal/planner"
	"sitecrew/internal/scheduler"
)

func newDispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Send today's task summaries once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.db.Close()

			report, err := a.dispatcher().Run(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("workers: %d, notified: %d, failed: %d\n", report.Workers, report.Notified, report.Failed)
			for _, f := range report.Failures {
				fmt.Printf("  %s: %s\n", f.Contact, f.Error)
			}
			if next, err := scheduler.NextRunTime(a.cfg.Dispatch.Cron, time.Now()); err == nil {
				fmt.Printf("next scheduled dispatch: %s\n", next.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newCheckConflictsCmd() *cobra.Command {
	var (
		projectID string
		taskID    string
		contact   string
		start     string
		duration  int
		deps      []string
	)
	cmd := &cobra.Command{
		Use:   "check-conflicts",
		Short: "Check a candidate schedule against existing tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			startDate, err := domain.ParseDay(start)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.db.Close()

			svc := planner.NewService(a.repo, a.cfg.Extraction.DefaultWindowDays)
			advisories, err := svc.Check(context.Background(), domain.Task{
				ID:              taskID,
				ProjectID:       projectID,
				AssigneeContact: contact,
				StartDate:       startDate,
				Duration:        duration,
				Dependencies:    deps,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(advisories)
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "Project ID used to resolve dependencies")
	cmd.Flags().StringVar(&taskID, "task", "", "ID of the task being rescheduled, excluded from the scan")
	cmd.Flags().StringVar(&contact, "contact", "", "Worker contact address")
	cmd.Flags().StringVar(&start, "start", "", "Candidate start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&duration, "duration", 0, "Candidate duration in days")
	cmd.Flags().StringSliceVar(&deps, "depends-on", nil, "Dependency task IDs, in order")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func newRetryExtractionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-extraction <request-id>",
		Short: "Clear the claim lease on a backlog extraction request so the worker picks it up again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.db.Close()

			ctx := context.Background()
			req, err := a.repo.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			if !req.AwaitingExtraction() {
				return fmt.Errorf("task %s is not a pending extraction request (status %s)", req.ID, req.Status)
			}
			if err := a.repo.ReleaseExtraction(ctx, req.ID); err != nil {
				return err
			}
			fmt.Printf("released %s\n", req.ID)
			return nil
		},
	}
}
