package ai

import (
	"fmt"
	"strings"
)

// PromptTemplate defines the structure of an analysis prompt.
type PromptTemplate struct {
	SystemPrompt string
	Rules        []string
}

// PromptManager holds the prompt templates for each analysis mode.
type PromptManager struct {
	templates map[string]*PromptTemplate
}

const defaultMode = "explain"

// NewPromptManager creates a prompt manager with the default templates.
func NewPromptManager() *PromptManager {
	pm := &PromptManager{templates: make(map[string]*PromptTemplate)}
	pm.loadDefaultTemplates()
	return pm
}

// BuildSystemPrompt renders the system prompt for mode, falling back to the
// default mode when it is unknown.
func (pm *PromptManager) BuildSystemPrompt(mode string) string {
	template, ok := pm.templates[mode]
	if !ok {
		template = pm.templates[defaultMode]
	}

	var b strings.Builder
	b.WriteString(template.SystemPrompt)
	if len(template.Rules) > 0 {
		b.WriteString("\n\nRules:\n- ")
		b.WriteString(strings.Join(template.Rules, "\n- "))
	}
	return b.String()
}

// BuildQuery renders the user message for a puzzle.
func (pm *PromptManager) BuildQuery(taskID, task, instructions string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Puzzle %s.", taskID)
	if task != "" {
		b.WriteString("\n\nTraining pairs and test input (JSON):\n")
		b.WriteString(task)
	}
	if instructions = strings.TrimSpace(instructions); instructions != "" {
		b.WriteString("\n\nAdditional instructions: ")
		b.WriteString(instructions)
	}
	return b.String()
}

func (pm *PromptManager) loadDefaultTemplates() {
	pm.templates["explain"] = &PromptTemplate{
		SystemPrompt: "You analyze ARC-AGI puzzles. Each puzzle has training input/output grid pairs and a test input. Grids are 2D arrays of integers 0-9, each integer a colour.",
		Rules: []string{
			"Describe the transformation rule shared by every training pair",
			"Point out the objects, colours and symmetries the rule depends on",
			"Apply the rule to the test input and give the predicted output grid as JSON",
			"State your confidence from 0 to 100 on the last line",
		},
	}

	pm.templates["hint"] = &PromptTemplate{
		SystemPrompt: "You coach people solving ARC-AGI puzzles without giving the answer away.",
		Rules: []string{
			"Give at most three short hints, from vague to specific",
			"Never print the output grid",
		},
	}

	pm.templates["critique"] = &PromptTemplate{
		SystemPrompt: "You review a proposed explanation of an ARC-AGI puzzle against its training pairs.",
		Rules: []string{
			"Check the explanation against every training pair",
			"List the pairs it fails to account for",
			"Suggest a corrected rule if one exists",
		},
	}
}
