package config

// GetDefaultRefinementSystemPrompt returns the default system prompt for refinement drafts
func GetDefaultRefinementSystemPrompt() string {
	return `You are a senior due-diligence analyst editing a synthesized review report. You change exactly one section per request and never invent facts that are not supported by the existing report.`
}

// GetDefaultRefinementTemplate returns the default template for refinement drafts.
// Available fields: .Title, .Version, .Sections (Key, Title, Text), .Prompt
func GetDefaultRefinementTemplate() string {
	return `The current report is version {{.Version}}{{if .Title}} of "{{.Title}}"{{end}}. Its sections are:
{{range .Sections}}
### [{{.Key}}]{{if .Title}} {{.Title}}{{end}}
{{.Text}}
{{end}}
The reviewer asked for the following change:
"""
{{.Prompt}}
"""

Decide which single section to change and how:
- "modify": rewrite an existing section; proposed_text is its full new text
- "add": create a new section under a new key; proposed_text is its text
- "remove": delete an existing section; proposed_text may be empty

List in affected_findings the finding identifiers (for example "F-12") that your change touches.

Return ONLY a valid JSON object (no markdown, no additional text):
{
  "section": "section key",
  "change_type": "modify",
  "title": "section title, only for add",
  "proposed_text": "full text of the section",
  "reasoning": "one or two sentences on why this answers the request",
  "affected_findings": ["F-1"]
}`
}
