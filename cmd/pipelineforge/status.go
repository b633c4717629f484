package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	cfhttp "github.com/Strob0t/PipelineForge/internal/adapter/http"
	"github.com/Strob0t/PipelineForge/internal/config"
	"github.com/Strob0t/PipelineForge/internal/domain/snapshot"
	"github.com/Strob0t/PipelineForge/internal/port/checkpoint"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var (
		asJSON bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "status [session-id]",
		Short: "Show a run's checkpoint, or list recent runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Checkpoint.Backend == config.BackendMemory {
				return errors.New("status needs a persistent checkpoint backend (postgres or sqlite)")
			}

			in := &infra{checks: make(map[string]cfhttp.HealthCheck)}
			defer in.Close()
			if err := openStores(cmd.Context(), cfg, false, in); err != nil {
				return err
			}

			jsonOut := asJSON || !term.IsTerminal(int(os.Stdout.Fd()))
			if len(args) == 1 {
				return showRun(cmd, in.store, args[0], jsonOut)
			}
			return listRuns(cmd, in.store, limit, jsonOut)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON even on a terminal")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to list")
	return cmd
}

func showRun(cmd *cobra.Command, store checkpoint.Store, id string, jsonOut bool) error {
	snap, err := store.Load(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("load %s: %w", id, err)
	}
	if jsonOut {
		return writeJSON(cmd, snap)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), renderSnapshot(snap))
	return err
}

func listRuns(cmd *cobra.Command, store checkpoint.Store, limit int, jsonOut bool) error {
	lister, ok := store.(checkpoint.Lister)
	if !ok {
		return errors.New("checkpoint backend cannot list runs")
	}
	runs, err := lister.List(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if jsonOut {
		if runs == nil {
			runs = []snapshot.Summary{}
		}
		return writeJSON(cmd, runs)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), renderSummaries(runs))
	return err
}

func renderSummaries(runs []snapshot.Summary) string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.SessionID,
			string(r.Status),
			fmt.Sprintf("%d/%d", len(r.CompletedStages), r.TotalStages),
			strconv.Itoa(r.RevisionCount),
			strconv.Itoa(r.ErrorCount),
			r.CreatedAt.Local().Format(time.DateTime),
		})
	}
	return renderTable("Runs",
		[]string{"Session", "Status", "Stages", "Revisions", "Errors", "Created"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
	)
}

func renderSnapshot(s *snapshot.Snapshot) string {
	sum := s.Summarize()
	var b strings.Builder

	b.WriteString(renderTable("Run "+s.SessionID, []string{"Field", "Value"}, [][]string{
		{"Status", string(s.Status)},
		{"Goal", s.Request.Goal},
		{"Skill level", string(s.Request.SkillLevel)},
		{"Collaborative", strconv.FormatBool(s.Request.Collaborative)},
		{"Stages", fmt.Sprintf("%d/%d", len(sum.CompletedStages), sum.TotalStages)},
		{"Revisions", strconv.Itoa(s.RevisionCount)},
		{"Degraded", strconv.FormatBool(sum.Degraded)},
		{"Created", s.CreatedAt.Local().Format(time.DateTime)},
	}, nil))

	stages := make([][]string, 0, len(s.StageOrder))
	for _, name := range s.StageOrder {
		out, ok := s.Output(name)
		if !ok {
			stages = append(stages, []string{name, "pending", "", ""})
			continue
		}
		rev := ""
		for _, o := range s.StageOutputs {
			if o.Stage == name {
				rev = strconv.Itoa(o.Revision)
			}
		}
		stages = append(stages, []string{name, "done", rev, strconv.Itoa(len(out))})
	}
	b.WriteString("\n")
	b.WriteString(renderTable("Stages", []string{"Stage", "State", "Revision", "Bytes"}, stages,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight}))

	if len(s.Errors) > 0 {
		errs := make([][]string, 0, len(s.Errors))
		for _, e := range s.Errors {
			errs = append(errs, []string{
				e.Timestamp.Local().Format(time.TimeOnly),
				e.Stage,
				string(e.Kind),
				string(e.Classification),
				e.Message,
			})
		}
		b.WriteString("\n")
		b.WriteString(renderTable("Errors", []string{"Time", "Stage", "Kind", "Class", "Message"}, errs, nil))
	}
	return b.String()
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

