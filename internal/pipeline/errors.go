package pipeline

import (
	"fmt"
	"strings"
)

// ConfigError reports an invalid request or pipeline definition. It is
// raised before any model runs and is never retried.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "pipeline config: " + e.Message
}

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

// RunError reports the model that stopped a plan and the groups that had
// already committed.
type RunError struct {
	RunID           string
	Model           string
	Scope           string
	CompletedGroups []string
	Err             error
}

func (e *RunError) Error() string {
	completed := "none"
	if len(e.CompletedGroups) > 0 {
		completed = strings.Join(e.CompletedGroups, ", ")
	}
	return fmt.Sprintf("model %s failed (scope %s, completed groups: %s): %v", e.Model, e.Scope, completed, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}
