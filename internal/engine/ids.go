package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Execution ids embed their start time so operators can read when a run
// began straight off the id: exec-<yyyymmdd>-<hhmmss>-<8 hex chars>.
const executionIDTimeLayout = "20060102-150405"

// GenerateExecutionID returns a fresh execution id. The random suffix keeps
// ids unique when several executions start within the same second.
func GenerateExecutionID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("exec-%s-%s", time.Now().UTC().Format(executionIDTimeLayout), suffix)
}

// ParseExecutionID splits an execution id into its start time and suffix.
func ParseExecutionID(id string) (time.Time, string, error) {
	parts := strings.SplitN(id, "-", 4)
	if len(parts) != 4 || parts[0] != "exec" {
		return time.Time{}, "", fmt.Errorf("malformed execution id %q", id)
	}

	startedAt, err := time.Parse(executionIDTimeLayout, parts[1]+"-"+parts[2])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed execution id %q: %w", id, err)
	}

	suffix := parts[3]
	if len(suffix) != 8 {
		return time.Time{}, "", fmt.Errorf("malformed execution id %q: suffix must be 8 characters", id)
	}
	for _, r := range suffix {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return time.Time{}, "", fmt.Errorf("malformed execution id %q: suffix must be lowercase hex", id)
		}
	}
	return startedAt, suffix, nil
}

// IsValidExecutionID reports whether id parses as an execution id.
func IsValidExecutionID(id string) bool {
	_, _, err := ParseExecutionID(id)
	return err == nil
}
