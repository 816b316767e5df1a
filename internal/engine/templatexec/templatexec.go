// Package templatexec renders a document's template view into its preview
// view. Templates define variables with {{name:=definition}} and reference
// them as $name or {{$name}}; definitions may be direct values or the SUM()
// and AVG() aggregate functions, or LLM(prompt) when a prompt client is
// configured. Values are cached by definition so an unchanged definition is
// never recomputed.
package templatexec

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PromptClient evaluates LLM(prompt) definitions. Nil is valid: LLM
// definitions then render an inline error value instead of failing the
// whole template.
type PromptClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Variable is one computed template variable with the definition it was
// computed from.
type Variable struct {
	Value      string `json:"value"`
	Definition string `json:"definition"`
}

// Executor renders templates. It is stateless; callers keep the variable map
// between runs to get definition-level caching.
type Executor struct {
	client PromptClient
}

func New(client PromptClient) *Executor {
	return &Executor{client: client}
}

var (
	definitionRe = regexp.MustCompile(`\{\{(\w+):=(.*?)\}\}`)
	dollarRefRe  = regexp.MustCompile(`\$(\w+)`)
	curlyRefRe   = regexp.MustCompile(`\{\{\$(\w+)\}\}`)
	sumRe        = regexp.MustCompile(`^SUM\((.*)\)$`)
	avgRe        = regexp.MustCompile(`^AVG\((.*)\)$`)
	llmRe        = regexp.MustCompile(`^LLM\((.*)\)$`)
)

// Execute renders templateText. Definitions are evaluated in order and
// removed from the output; remaining references are substituted with the
// computed values. The variables map is mutated in place; pass nil to start
// fresh.
func (e *Executor) Execute(ctx context.Context, templateText string, variables map[string]Variable) (string, map[string]Variable) {
	if variables == nil {
		variables = make(map[string]Variable)
	}

	var out strings.Builder
	lastEnd := 0
	for _, loc := range definitionRe.FindAllStringSubmatchIndex(templateText, -1) {
		out.WriteString(templateText[lastEnd:loc[0]])
		name := templateText[loc[2]:loc[3]]
		definition := templateText[loc[4]:loc[5]]
		e.define(ctx, name, definition, variables)
		lastEnd = loc[1]
	}
	out.WriteString(templateText[lastEnd:])

	return substituteRefs(out.String(), variables), variables
}

// Definitions extracts the raw {{name:=definition}} pairs without evaluating
// them, used to diff variable definitions between template versions.
func Definitions(templateText string) map[string]string {
	defs := make(map[string]string)
	for _, groups := range definitionRe.FindAllStringSubmatch(templateText, -1) {
		name := strings.TrimSpace(groups[1])
		defs[name] = fmt.Sprintf("{{%s:=%s}}", name, strings.TrimSpace(groups[2]))
	}
	return defs
}

func (e *Executor) define(ctx context.Context, name, definition string, variables map[string]Variable) {
	resolved := substituteValues(definition, variables)

	if existing, ok := variables[name]; ok && existing.Definition == resolved {
		return
	}

	switch {
	case llmRe.MatchString(resolved):
		prompt := llmRe.FindStringSubmatch(resolved)[1]
		variables[name] = Variable{Value: e.complete(ctx, prompt), Definition: resolved}
	case sumRe.MatchString(resolved):
		numbers := parseNumbers(sumRe.FindStringSubmatch(resolved)[1])
		variables[name] = Variable{Value: formatNumber(sum(numbers)), Definition: resolved}
	case avgRe.MatchString(resolved):
		numbers := parseNumbers(avgRe.FindStringSubmatch(resolved)[1])
		value := 0.0
		if len(numbers) > 0 {
			value = sum(numbers) / float64(len(numbers))
		}
		variables[name] = Variable{Value: formatNumber(value), Definition: resolved}
	default:
		variables[name] = Variable{Value: resolved, Definition: resolved}
	}
}

func (e *Executor) complete(ctx context.Context, prompt string) string {
	if e.client == nil {
		return "Error processing template: no prompt client configured"
	}
	value, err := e.client.Complete(ctx, prompt)
	if err != nil {
		return fmt.Sprintf("Error processing template: %v", err)
	}
	return value
}

// substituteRefs replaces $name and {{$name}} references with their values,
// leaving unknown references untouched.
func substituteRefs(text string, variables map[string]Variable) string {
	text = curlyRefRe.ReplaceAllStringFunc(text, func(match string) string {
		name := curlyRefRe.FindStringSubmatch(match)[1]
		if v, ok := variables[name]; ok {
			return v.Value
		}
		return match
	})
	return dollarRefRe.ReplaceAllStringFunc(text, func(match string) string {
		name := dollarRefRe.FindStringSubmatch(match)[1]
		if v, ok := variables[name]; ok {
			return v.Value
		}
		return match
	})
}

func substituteValues(text string, variables map[string]Variable) string {
	return substituteRefs(text, variables)
}

var numberSplitRe = regexp.MustCompile(`[,;\s]+`)

func parseNumbers(text string) []float64 {
	var numbers []float64
	for _, part := range numberSplitRe.Split(strings.TrimSpace(text), -1) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		value, err := strconv.ParseFloat(part, 64)
		if err != nil {
			continue
		}
		numbers = append(numbers, value)
	}
	return numbers
}

func sum(numbers []float64) float64 {
	total := 0.0
	for _, n := range numbers {
		total += n
	}
	return total
}

func formatNumber(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
