package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/lamim/ddreview/pkg/models"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// show prints v as JSON with --json, otherwise calls human
func show(v any, human func()) error {
	if jsonOutput {
		return printJSON(v)
	}
	human()
	return nil
}

func printPipeline(p *models.Pipeline) {
	fmt.Printf("Project:             %s\n", p.ProjectID)
	fmt.Printf("Run:                 %s\n", p.RunID)
	fmt.Printf("Stage:               %s\n", p.CurrentStage)
	fmt.Printf("Status:              %s\n", p.Status)
	fmt.Printf("Revision:            %d (epoch %d)\n", p.Revision, p.Epoch)
	fmt.Printf("Documents:           %d / %d\n", p.DocumentsProcessed, p.TotalDocuments)
	fmt.Printf("Findings:            %d critical, %d high, %d medium, %d low\n",
		p.FindingsCounts.Critical, p.FindingsCounts.High, p.FindingsCounts.Medium, p.FindingsCounts.Low)
	if len(p.CompletedStages) > 0 {
		done := make([]string, len(p.CompletedStages))
		for i, s := range p.CompletedStages {
			done[i] = string(s)
		}
		fmt.Printf("Completed:           %s\n", strings.Join(done, ", "))
	}
	if p.LastError != nil {
		fmt.Printf("Last error:          %s\n", *p.LastError)
	}
	fmt.Printf("Last updated:        %s\n", p.LastUpdated.Format("2006-01-02 15:04:05"))
}

func printCheckpoint(cp *models.Checkpoint) {
	fmt.Printf("Checkpoint %s\n", cp.ID)
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Type:                %s\n", cp.Type)
	fmt.Printf("Status:              %s\n", cp.Status)
	fmt.Printf("Stage:               %s (epoch %d)\n", cp.Stage, cp.Epoch)
	fmt.Printf("Created At:          %s\n", cp.CreatedAt.Format("2006-01-02 15:04:05"))

	c := cp.Content
	if c.PreliminarySummary != "" {
		fmt.Println()
		fmt.Println("Summary:")
		fmt.Printf("  %s\n", c.PreliminarySummary)
	}
	printItems := func(title string, items [][2]string) {
		if len(items) == 0 {
			return
		}
		fmt.Println()
		fmt.Printf("%s:\n", title)
		for _, it := range items {
			mark := " "
			if _, ok := cp.UserResponses[it[0]]; ok {
				mark = "x"
			}
			fmt.Printf("  [%s] %-20s %s\n", mark, it[0], it[1])
		}
	}
	var items [][2]string
	for _, q := range c.UnderstandingQuestions {
		items = append(items, [2]string{q.ID, q.Question})
	}
	printItems("Understanding questions", items)
	items = nil
	for _, f := range c.FinancialConfirmations {
		items = append(items, [2]string{f.ID, fmt.Sprintf("%s = %s", f.Metric, f.Value)})
	}
	printItems("Financial confirmations", items)
	items = nil
	for _, d := range c.MissingDocuments {
		items = append(items, [2]string{d.ID, d.DocumentType})
	}
	printItems("Missing documents", items)
	items = nil
	for _, e := range c.EntityQuestions {
		items = append(items, [2]string{e.ID, e.EntityName + ": " + e.Question})
	}
	printItems("Entity questions", items)
}

func printVersion(v *models.ReportVersion) {
	current := ""
	if v.IsCurrent {
		current = " (current)"
	}
	fmt.Printf("Version %d%s\n", v.Version, current)
	fmt.Println(strings.Repeat("=", 80))
	if v.RefinementPrompt != nil {
		fmt.Printf("Prompt:              %s\n", *v.RefinementPrompt)
	}
	fmt.Printf("Created At:          %s\n", v.CreatedAt.Format("2006-01-02 15:04:05"))
	if v.Content.Title != "" {
		fmt.Printf("\n# %s\n", v.Content.Title)
	}
	for _, s := range v.Content.Sections {
		title := s.Title
		if title == "" {
			title = s.Key
		}
		fmt.Printf("\n## %s\n\n%s\n", title, s.Text)
	}
}

func printCompare(res *models.CompareResult) {
	fmt.Printf("Comparing v%d -> v%d: %d change(s)\n", res.V1, res.V2, res.TotalChanges)
	for _, d := range res.Diffs {
		fmt.Println()
		fmt.Printf("[%s] %s\n", d.ChangeType, d.Section)
		if d.UnifiedDiff != "" {
			fmt.Print(d.UnifiedDiff)
		}
	}
}
