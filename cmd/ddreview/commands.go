package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lamim/ddreview/internal/orchestrator"
	"github.com/lamim/ddreview/internal/server"
	"github.com/lamim/ddreview/internal/util"
	"github.com/lamim/ddreview/pkg/models"
)

func newStagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List the pipeline stages and phases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := newClient().Stages(cmd.Context())
			if err != nil {
				return err
			}
			return show(meta, func() {
				fmt.Printf("%-6s %-22s %-34s %-16s %s\n", "ORDER", "ID", "LABEL", "PHASE", "CHECKPOINT")
				fmt.Println(strings.Repeat("-", 100))
				for _, s := range meta.Stages {
					fmt.Printf("%-6d %-22s %-34s %-16s %s\n", s.Order, s.ID, s.Label, s.Phase, s.CheckpointType)
				}
			})
		},
	}
}

func newStartCmd() *cobra.Command {
	var documents int
	cmd := &cobra.Command{
		Use:   "start <project>",
		Short: "Start a review pipeline for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newClient().StartReview(cmd.Context(), args[0], documents)
			if err != nil {
				return err
			}
			return show(p, func() { printPipeline(p) })
		},
	}
	cmd.Flags().IntVar(&documents, "documents", 0, "Number of uploaded documents")
	return cmd
}

func newProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <project>",
		Short: "Show the pipeline of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, interval, err := newClient().Progress(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return show(p, func() {
				printPipeline(p)
				if interval > 0 {
					fmt.Printf("Poll every:          %s\n", interval)
				}
			})
		},
	}
}

func newActCmd() *cobra.Command {
	var (
		stageID  string
		revision int64
		reason   string
	)
	cmd := &cobra.Command{
		Use:   "advance <project> [action]",
		Short: "Advance, resume or otherwise act on a pipeline",
		Long: `Apply a pipeline action. The action defaults to "advance" and may be one of:
advance, mark_complete, resume_from, pause, unpause, cancel, fail.

Without --revision the current revision is read first.`,
		Aliases: []string{"act"},
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			action := orchestrator.ActionAdvance
			if len(args) == 2 {
				action = args[1]
			}
			if revision == 0 {
				p, err := c.GetProgress(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				revision = p.Revision
			}
			p, err := c.Act(cmd.Context(), args[0], orchestrator.PipelineAction{
				Action:           action,
				Stage:            models.StageID(stageID),
				ExpectedRevision: revision,
				Reason:           reason,
			})
			if err != nil {
				return err
			}
			return show(p, func() { printPipeline(p) })
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "Target stage (advance, mark_complete, resume_from)")
	cmd.Flags().Int64Var(&revision, "revision", 0, "Expected pipeline revision")
	cmd.Flags().StringVar(&reason, "reason", "", "Failure reason (fail)")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project>",
		Short: "Archive a project with its checkpoints and report versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().DeleteProject(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Project %s deleted\n", args[0])
			return nil
		},
	}
}

func newCheckpointCmd() *cobra.Command {
	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage review checkpoints",
	}

	pendingCmd := &cobra.Command{
		Use:   "pending <project>",
		Short: "Show the checkpoint awaiting input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := newClient().GetPendingCheckpoint(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return show(server.PendingResponse{Checkpoint: cp}, func() {
				if cp == nil {
					fmt.Println("No checkpoint is awaiting input.")
					return
				}
				printCheckpoint(cp)
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list <project>",
		Short: "List every checkpoint of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cps, err := newClient().ListCheckpoints(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return show(server.CheckpointList{Checkpoints: cps}, func() {
				if len(cps) == 0 {
					fmt.Println("No checkpoints found.")
					return
				}
				fmt.Printf("%-38s %-22s %-22s %-6s %s\n", "ID", "TYPE", "STATUS", "EPOCH", "CREATED")
				fmt.Println(strings.Repeat("-", 110))
				for _, cp := range cps {
					fmt.Printf("%-38s %-22s %-22s %-6d %s\n", cp.ID, cp.Type, cp.Status, cp.Epoch, cp.CreatedAt.Format("2006-01-02 15:04:05"))
				}
			})
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <checkpoint-id>",
		Short: "Show one checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := newClient().GetCheckpoint(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return show(cp, func() { printCheckpoint(cp) })
		},
	}

	var responses string
	respondCmd := &cobra.Command{
		Use:   "respond <checkpoint-id>",
		Short: "Answer a checkpoint",
		Long: `Answer a checkpoint with a JSON object keyed by item id, given inline or
as @file. Example:

  ddreview checkpoint respond <id> --responses '{"ent_1":{"relationship":"Subsidiary"}}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := readItems(responses)
			if err != nil {
				return err
			}
			out, err := newClient().RespondToCheckpoint(cmd.Context(), args[0], items)
			if err != nil {
				return err
			}
			return show(out, func() { printOutcome(out) })
		},
	}
	respondCmd.Flags().StringVar(&responses, "responses", "", "Responses as JSON or @file")
	_ = respondCmd.MarkFlagRequired("responses")

	var reason string
	skipCmd := &cobra.Command{
		Use:   "skip <checkpoint-id>",
		Short: "Skip a checkpoint without answering",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newClient().SkipCheckpoint(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return show(out, func() { printOutcome(out) })
		},
	}
	skipCmd.Flags().StringVar(&reason, "reason", "", "Why the checkpoint was skipped")

	var corrections string
	regenerateCmd := &cobra.Command{
		Use:   "regenerate <checkpoint-id>",
		Short: "Apply corrections to a post-analysis summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := readItems(corrections)
			if err != nil {
				return err
			}
			out, err := newClient().RegenerateSummary(cmd.Context(), args[0], items)
			if err != nil {
				return err
			}
			return show(out, func() {
				fmt.Println(out.Message)
				fmt.Println()
				fmt.Println(out.UpdatedSummary)
			})
		},
	}
	regenerateCmd.Flags().StringVar(&corrections, "corrections", "", "Corrections as JSON or @file")
	_ = regenerateCmd.MarkFlagRequired("corrections")

	checkpointCmd.AddCommand(pendingCmd, listCmd, showCmd, respondCmd, skipCmd, regenerateCmd)
	return checkpointCmd
}

func printOutcome(out *orchestrator.CheckpointOutcome) {
	fmt.Printf("Checkpoint %s: %s\n", out.Checkpoint.ID, out.Status)
	fmt.Println(out.Message)
	if out.Pipeline != nil {
		fmt.Printf("Pipeline is %s at %s\n", out.Pipeline.Status, out.Pipeline.CurrentStage)
	}
}

// readItems parses item responses from inline JSON or @file
func readItems(arg string) (map[string]models.ItemResponse, error) {
	raw := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		raw = data
	}
	items := map[string]models.ItemResponse{}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("responses must be a JSON object keyed by item id: %w", err)
	}
	return items, nil
}

func newVersionsCmd() *cobra.Command {
	versionsCmd := &cobra.Command{
		Use:   "versions",
		Short: "Inspect report versions of a run",
	}

	listCmd := &cobra.Command{
		Use:   "list <run>",
		Short: "List report versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := newClient().ListVersions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return show(list, func() {
				fmt.Printf("%-8s %-8s %-8s %-20s %s\n", "VERSION", "CURRENT", "CHANGES", "CREATED", "PROMPT")
				fmt.Println(strings.Repeat("-", 90))
				for _, v := range list.Versions {
					current := ""
					if v.IsCurrent {
						current = "*"
					}
					prompt := ""
					if v.RefinementPrompt != nil {
						prompt = util.TruncateString(*v.RefinementPrompt, 40)
					}
					fmt.Printf("%-8d %-8s %-8d %-20s %s\n", v.Version, current, v.ChangeCount, v.CreatedAt.Format("2006-01-02 15:04:05"), prompt)
				}
			})
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <run> [version]",
		Short: "Show one version (the current one by default)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version := 0
			if len(args) == 2 && args[1] != "current" {
				n, err := strconv.Atoi(args[1])
				if err != nil || n < 1 {
					return fmt.Errorf("version must be a positive integer or current")
				}
				version = n
			}
			v, err := newClient().GetVersion(cmd.Context(), args[0], version)
			if err != nil {
				return err
			}
			return show(v, func() { printVersion(v) })
		},
	}

	compareCmd := &cobra.Command{
		Use:   "compare <run> <v1> <v2>",
		Short: "Diff two versions section by section",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			v1, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("v1 must be an integer")
			}
			v2, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("v2 must be an integer")
			}
			res, err := newClient().CompareVersions(cmd.Context(), args[0], v1, v2)
			if err != nil {
				return err
			}
			return show(res, func() { printCompare(res) })
		},
	}

	versionsCmd.AddCommand(listCmd, showCmd, compareCmd)
	return versionsCmd
}

func newRefineCmd() *cobra.Command {
	refineCmd := &cobra.Command{
		Use:   "refine",
		Short: "Propose and merge report refinements",
	}

	proposeCmd := &cobra.Command{
		Use:   "propose <run> <prompt>",
		Short: "Draft a change to the current report version",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient().ProposeRefinement(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			return show(res, func() {
				pr := res.Proposal
				fmt.Printf("Proposal %s against v%d\n", pr.ProposalID, res.CurrentVersion)
				fmt.Println(strings.Repeat("=", 80))
				fmt.Printf("Section:             %s (%s)\n", pr.Section, pr.ChangeType)
				fmt.Printf("Reasoning:           %s\n", pr.Reasoning)
				if len(pr.AffectedFindings) > 0 {
					fmt.Printf("Affected findings:   %s\n", strings.Join(pr.AffectedFindings, ", "))
				}
				fmt.Println()
				fmt.Println(pr.ProposedText)
				fmt.Println()
				fmt.Printf("Merge with: ddreview refine merge %s %s\n", pr.RunID, pr.ProposalID)
			})
		},
	}

	var (
		action     string
		editedText string
		expected   int
		createdBy  string
	)
	mergeCmd := &cobra.Command{
		Use:   "merge <run> <proposal-id>",
		Short: "Merge, edit or discard a proposal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient().MergeRefinement(cmd.Context(), args[0], args[1], server.MergeRequest{
				Action:          models.MergeAction(action),
				EditedText:      editedText,
				ExpectedVersion: expected,
				CreatedBy:       createdBy,
			})
			if err != nil {
				return err
			}
			return show(res, func() {
				fmt.Printf("%s: %s\n", res.Status, res.Message)
				if res.Version != nil {
					fmt.Printf("Current version is now v%d\n", *res.Version)
				}
			})
		},
	}
	mergeCmd.Flags().StringVar(&action, "action", string(models.MergeActionMerge), "merge, edit or discard")
	mergeCmd.Flags().StringVar(&editedText, "text", "", "Replacement text (edit)")
	mergeCmd.Flags().IntVar(&expected, "expected-version", 0, "Fail unless this is still the current version")
	mergeCmd.Flags().StringVar(&createdBy, "by", envOr("USER", ""), "Author recorded on the new version")

	refineCmd.AddCommand(proposeCmd, mergeCmd)
	return refineCmd
}
