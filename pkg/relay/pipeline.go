package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Result is the run summary printed by the final pipeline step.
type Result struct {
	RecordsProcessed int      `json:"recordsProcessed"`
	SheetsProcessed  []string `json:"sheetsProcessed"`
	NewRecords       int      `json:"newRecords"`
	DuplicateRecords int      `json:"duplicateRecords"`
}

// Pipeline runs the conversion steps sequentially against one uploaded
// file.
type Pipeline struct {
	steps  []Step
	logger *slog.Logger
}

// NewPipeline creates a pipeline from the configured steps.
func NewPipeline(steps []Step, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{steps: steps, logger: logger}
}

// Run executes every step in order, passing the uploaded file's path as
// the final argument. The last non-empty stdout line of the final step
// is parsed as the run summary. A step failure or context cancellation
// aborts the chain.
func (p *Pipeline) Run(ctx context.Context, filePath string) (*Result, error) {
	var lastStdout bytes.Buffer

	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("relay: pipeline canceled before %s: %w", step.Name, err)
		}

		args := append(append([]string(nil), step.Args...), filePath)
		cmd := exec.CommandContext(ctx, step.Command, args...)

		// Steps may spawn children that inherit the output pipes; kill
		// the whole process group on cancel or Wait would block until
		// every descendant exits.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		cmd.WaitDelay = 5 * time.Second

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		p.logger.Info("running pipeline step", "step", step.Name, "file", filePath)
		if err := cmd.Run(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("relay: step %s canceled: %w", step.Name, ctxErr)
			}
			return nil, fmt.Errorf("relay: step %s failed: %w: %s", step.Name, err, tail(stderr.String()))
		}
		lastStdout = stdout
	}

	return parseResult(lastStdout.String())
}

// parseResult extracts the summary from the final step's last non-empty
// stdout line.
func parseResult(stdout string) (*Result, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return nil, fmt.Errorf("relay: pipeline produced no summary")
	}

	var res Result
	if err := json.Unmarshal([]byte(last), &res); err != nil {
		return nil, fmt.Errorf("relay: parse pipeline summary: %w", err)
	}
	return &res, nil
}

// tail returns the last few lines of step output for error messages.
func tail(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, " | ")
}
