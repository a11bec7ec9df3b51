package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cliparr/internal/config"
)

type queueStatusResponse struct {
	Stages map[string]struct {
		Active  int64 `json:"active"`
		Waiting int64 `json:"waiting"`
	} `json:"stages"`
	Jobs    map[string]int `json:"jobs"`
	Workers map[string]int `json:"workers"`
}

type jobListResponse struct {
	Jobs []struct {
		ID              int64     `json:"id"`
		Status          string    `json:"status"`
		ConfidenceScore float64   `json:"confidence_score"`
		FailureReason   string    `json:"failure_reason"`
		ShowTitle       string    `json:"show_title"`
		SeasonNumber    int       `json:"season_number"`
		EpisodeNumber   int       `json:"episode_number"`
		UpdatedAt       time.Time `json:"updated_at"`
	} `json:"jobs"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health, worker pools, and queue depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var health struct {
				Status  string `json:"status"`
				Details string `json:"details"`
			}
			if err := client.get("/healthz", &health); err != nil {
				return err
			}
			var status queueStatusResponse
			if err := client.get("/processing/queue/status", &status); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Daemon: %s\n", health.Status)
			if health.Details != "" {
				fmt.Fprintf(out, "  %s\n", health.Details)
			}
			fmt.Fprintf(out, "Workers: cpu=%d gpu=%d\n\n", status.Workers["cpu"], status.Workers["gpu"])
			fmt.Fprintln(out, renderStages(status))
			return nil
		},
	}
}

func renderStages(status queueStatusResponse) string {
	stages := make([]string, 0, len(status.Stages))
	for stage := range status.Stages {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	rows := make([][]string, 0, len(stages))
	for _, stage := range stages {
		depth := status.Stages[stage]
		rows = append(rows, []string{
			stage,
			strconv.FormatInt(depth.Waiting, 10),
			strconv.FormatInt(depth.Active, 10),
		})
	}
	return renderTable(
		[]string{"STAGE", "WAITING", "ACTIVE"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight},
	)
}

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the processing queue",
	}

	var statusFilter string
	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List processing jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			path := "/processing/jobs?limit=" + strconv.Itoa(limit)
			if statusFilter != "" {
				path += "&status=" + statusFilter
			}
			var resp jobListResponse
			if err := client.get(path, &resp); err != nil {
				return err
			}
			if len(resp.Jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
				return nil
			}
			rows := make([][]string, 0, len(resp.Jobs))
			for _, job := range resp.Jobs {
				status := job.Status
				if job.FailureReason != "" {
					status += " (" + job.FailureReason + ")"
				}
				rows = append(rows, []string{
					strconv.FormatInt(job.ID, 10),
					job.ShowTitle,
					fmt.Sprintf("S%02dE%02d", job.SeasonNumber, job.EpisodeNumber),
					status,
					fmt.Sprintf("%.2f", job.ConfidenceScore),
					job.UpdatedAt.Local().Format("2006-01-02 15:04"),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "SHOW", "EPISODE", "STATUS", "CONF", "UPDATED"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
	listCmd.Flags().StringVar(&statusFilter, "status", "", "filter by job status")
	listCmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to list")
	queueCmd.AddCommand(listCmd)

	queueCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show per-stage queue depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var status queueStatusResponse
			if err := client.get("/processing/queue/status", &status); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStages(status))
			return nil
		},
	})

	queueCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every job and purge the stage queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var resp struct {
				Deleted int `json:"deleted"`
			}
			if err := client.post("/processing/jobs/bulk-delete", map[string]any{"all": true}, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d jobs.\n", resp.Deleted)
			return nil
		},
	})

	queueCmd.AddCommand(newJobActionCommand(ctx, "cancel", "Cancel a job and kill its subprocesses"))
	queueCmd.AddCommand(newJobActionCommand(ctx, "requeue", "Reset a job and run it again from the start"))

	deleteCmd := &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete one job and its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			jobID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("job id must be an integer: %q", args[0])
			}
			if err := client.delete("/processing/jobs/"+strconv.FormatInt(jobID, 10), nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %d deleted.\n", jobID)
			return nil
		},
	}
	queueCmd.AddCommand(deleteCmd)

	return queueCmd
}

func newJobActionCommand(ctx *commandContext, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			jobID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("job id must be an integer: %q", args[0])
			}
			path := fmt.Sprintf("/processing/jobs/%d/%s", jobID, action)
			if err := client.post(path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %d: %s requested.\n", jobID, action)
			return nil
		},
	}
}

func parseShowIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("show id must be an integer: %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func newScanCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <show-id>...",
		Short: "Create jobs for every episode file of the given shows",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(ctx, cmd, args, "/shows/scan")
		},
	}
}

func newRescanCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rescan <show-id>...",
		Short: "Invalidate fingerprints and detections, then scan again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(ctx, cmd, args, "/shows/rescan")
		},
	}
}

func runScan(ctx *commandContext, cmd *cobra.Command, args []string, path string) error {
	client, err := ctx.client()
	if err != nil {
		return err
	}
	ids, err := parseShowIDs(args)
	if err != nil {
		return err
	}
	var resp struct {
		Scanned  int `json:"scanned"`
		Enqueued int `json:"enqueued"`
	}
	if err := client.post(path, map[string]any{"showIds": ids}, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d files, enqueued %d jobs.\n", resp.Scanned, resp.Enqueued)
	return nil
}

func newSegmentsCommand(ctx *commandContext) *cobra.Command {
	var season int
	cmd := &cobra.Command{
		Use:   "segments <show-id>",
		Short: "Show detected intro and credits segments per episode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			showID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("show id must be an integer: %q", args[0])
			}
			path := fmt.Sprintf("/shows/%d/segments", showID)
			if season >= 0 {
				path += "?season=" + strconv.Itoa(season)
			}
			var resp struct {
				Episodes []struct {
					SeasonNumber  int `json:"season_number"`
					EpisodeNumber int `json:"episode_number"`
					Intro         *struct {
						Start float64 `json:"start"`
						End   float64 `json:"end"`
					} `json:"intro"`
					Credits *struct {
						Start float64 `json:"start"`
						End   float64 `json:"end"`
					} `json:"credits"`
					ConfidenceScore float64 `json:"confidence_score"`
					ApprovalStatus  string  `json:"approval_status"`
				} `json:"episodes"`
			}
			if err := client.get(path, &resp); err != nil {
				return err
			}
			if len(resp.Episodes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No detection results yet.")
				return nil
			}
			rows := make([][]string, 0, len(resp.Episodes))
			for _, episode := range resp.Episodes {
				intro := "-"
				if episode.Intro != nil {
					intro = fmt.Sprintf("%.0fs-%.0fs", episode.Intro.Start, episode.Intro.End)
				}
				credits := "-"
				if episode.Credits != nil {
					credits = fmt.Sprintf("%.0fs-%.0fs", episode.Credits.Start, episode.Credits.End)
				}
				rows = append(rows, []string{
					fmt.Sprintf("S%02dE%02d", episode.SeasonNumber, episode.EpisodeNumber),
					intro,
					credits,
					fmt.Sprintf("%.2f", episode.ConfidenceScore),
					episode.ApprovalStatus,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"EPISODE", "INTRO", "CREDITS", "CONF", "APPROVAL"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().IntVar(&season, "season", -1, "restrict to one season")
	return cmd
}

func newSettingsCommand(ctx *commandContext) *cobra.Command {
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change daemon settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var settings map[string]any
			if err := client.get("/settings", &settings); err != nil {
				return err
			}
			keys := make([]string, 0, len(settings))
			for key := range settings {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			rows := make([][]string, 0, len(keys))
			for _, key := range keys {
				rows = append(rows, []string{key, fmt.Sprint(settings[key])})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"SETTING", "VALUE"},
				rows,
				[]columnAlignment{alignLeft, alignLeft},
			))
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Update one setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			key, raw := args[0], args[1]
			var value any = raw
			// The API wants typed JSON; recognize numbers and booleans.
			if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
				value = parsed
			} else if parsed, err := strconv.ParseBool(raw); err == nil {
				value = parsed
			}
			var settings map[string]any
			if err := client.put("/settings", map[string]any{key: value}, &settings); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", key, settings[key])
			return nil
		},
	}
	settingsCmd.AddCommand(setCmd)

	pauseResume := func(action, lane string) *cobra.Command {
		return &cobra.Command{
			Use:   action + "-" + lane,
			Short: strings.ToUpper(action[:1]) + action[1:] + " the " + strings.ToUpper(lane) + " worker pool",
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := ctx.client()
				if err != nil {
					return err
				}
				var resp map[string]int
				path := "/settings/queue/" + action + "-" + lane
				if err := client.post(path, nil, &resp); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Workers: cpu=%d gpu=%d\n", resp["cpu_workers"], resp["gpu_workers"])
				return nil
			},
		}
	}
	settingsCmd.AddCommand(pauseResume("pause", "cpu"))
	settingsCmd.AddCommand(pauseResume("resume", "cpu"))
	settingsCmd.AddCommand(pauseResume("pause", "gpu"))
	settingsCmd.AddCommand(pauseResume("resume", "gpu"))

	return settingsCmd
}

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var initPath string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := initPath
			if path == "" {
				expanded, err := config.ExpandPath("~/.config/cliparr/config.toml")
				if err != nil {
					return err
				}
				path = expanded
			}
			if err := config.CreateSample(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sample configuration written to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&initPath, "path", "", "target path for the sample config")
	configCmd.AddCommand(initCmd)

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.config()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "data_dir:    %s\n", cfg.Paths.DataDir)
			fmt.Fprintf(out, "temp_dir:    %s\n", cfg.Paths.TempDir)
			fmt.Fprintf(out, "output_dir:  %s\n", cfg.Paths.OutputDir)
			fmt.Fprintf(out, "log_dir:     %s\n", cfg.Paths.LogDir)
			fmt.Fprintf(out, "api_bind:    %s\n", cfg.Paths.APIBind)
			fmt.Fprintf(out, "sonarr_url:  %s\n", cfg.Sonarr.URL)
			fmt.Fprintf(out, "import_mode: %s\n", cfg.Sonarr.ImportMode)
			fmt.Fprintf(out, "redis_addr:  %s\n", cfg.Redis.Addr)
			return nil
		},
	})

	return configCmd
}
