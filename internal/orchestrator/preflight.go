package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/trafficcontrol/trafficcontrol/internal/events"
	"github.com/trafficcontrol/trafficcontrol/internal/task/models"
)

// validationRules are optional operator-supplied checks applied to the
// backlog before startup. Loaded from validation.yaml under the learnings
// directory when present.
type validationRules struct {
	RequireDescription        bool     `yaml:"require_description"`
	RequireAcceptanceCriteria bool     `yaml:"require_acceptance_criteria"`
	MaxPriority               *int     `yaml:"max_priority"`
	MinPriority               *int     `yaml:"min_priority"`
	ForbidTitlePatterns       []string `yaml:"forbid_title_patterns"`
}

func defaultRules() validationRules {
	return validationRules{RequireDescription: true}
}

// loadValidationRules reads validation.yaml from dir. A missing file yields
// the defaults; a malformed file is an error.
func loadValidationRules(dir string) (validationRules, error) {
	rules := defaultRules()
	if dir == "" {
		return rules, nil
	}
	path := filepath.Join(dir, "validation.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rules, nil
		}
		return rules, fmt.Errorf("failed to read validation rules: %w", err)
	}
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return rules, fmt.Errorf("failed to parse validation rules %s: %w", path, err)
	}
	return rules, nil
}

// BacklogReport is the outcome of pre-flight backlog validation. Warnings
// are advisory; errors block startup.
type BacklogReport struct {
	TasksChecked int
	Warnings     []string
	Errors       []string
}

// Summary renders the report for the startup chat message.
func (r *BacklogReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backlog validation: %d task(s) checked", r.TasksChecked)
	if len(r.Errors) == 0 && len(r.Warnings) == 0 {
		b.WriteString(", no findings.")
		return b.String()
	}
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "\n  error: %s", e)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "\n  warning: %s", w)
	}
	return b.String()
}

// validateBacklog checks the queued backlog against the configured rules and
// emits backlog.validation_complete.
func (l *Loop) validateBacklog(ctx context.Context) (*BacklogReport, error) {
	rules, err := loadValidationRules(l.cfg.LearningsPath)
	if err != nil {
		return nil, err
	}

	tasks, err := l.store.ListTasksByStatus(ctx, models.TaskStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to list backlog: %w", err)
	}

	var patterns []*regexp.Regexp
	for _, p := range rules.ForbidTitlePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid title pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	report := &BacklogReport{TasksChecked: len(tasks)}
	for i := range tasks {
		t := &tasks[i]
		if rules.RequireDescription && strings.TrimSpace(t.Description) == "" {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("task %s has no description", t.ID))
		}
		if rules.RequireAcceptanceCriteria && len(t.AcceptanceCriteria) == 0 {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("task %s has no acceptance criteria", t.ID))
		}
		if rules.MaxPriority != nil && t.Priority > *rules.MaxPriority {
			report.Errors = append(report.Errors,
				fmt.Sprintf("task %s priority %d exceeds maximum %d", t.ID, t.Priority, *rules.MaxPriority))
		}
		if rules.MinPriority != nil && t.Priority < *rules.MinPriority {
			report.Errors = append(report.Errors,
				fmt.Sprintf("task %s priority %d below minimum %d", t.ID, t.Priority, *rules.MinPriority))
		}
		if t.Model != "" && !t.Model.Valid() {
			report.Errors = append(report.Errors,
				fmt.Sprintf("task %s names unknown model %q", t.ID, t.Model))
		}
		for _, re := range patterns {
			if re.MatchString(t.Title) {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("task %s title matches forbidden pattern %q", t.ID, re.String()))
			}
		}
	}

	l.bus.Emit(events.New(events.BacklogValidationComplete, &events.BacklogValidationPayload{
		TasksChecked: report.TasksChecked,
		Warnings:     report.Warnings,
		Errors:       report.Errors,
	}))
	return report, nil
}
