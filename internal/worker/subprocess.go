// Package worker adapts an external command into the overnight executor.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"nightshift/internal/work"
	logx "nightshift/pkg/logx"
)

// Subprocess runs one configured command per work item. The item description
// is written to the child's stdin, stdout becomes the result artifact, and
// stderr is logged. A non-zero exit is a failure with the exit code and the
// stderr tail as the reason.
//
// Quota accounting: the child has no channel to report actual consumption,
// so the item's estimate is charged. Estimates therefore bound real usage
// from above when configured honestly.
type Subprocess struct {
	argv []string
	log  logx.Logger
}

func NewSubprocess(argv []string, log logx.Logger) (*Subprocess, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, errors.New("worker: command is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Subprocess{
		argv: append([]string(nil), argv...),
		log:  log.With(logx.String("component", "worker")),
	}, nil
}

func (s *Subprocess) Execute(ctx context.Context, it *work.Item) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, s.argv[0], s.argv[1:]...)
	cmd.Stdin = strings.NewReader(it.Description)
	cmd.Env = append(cmd.Environ(),
		"NIGHTSHIFT_ITEM_ID="+it.ID,
		"NIGHTSHIFT_TIER="+it.Tier,
		fmt.Sprintf("NIGHTSHIFT_PRIORITY=%d", it.Priority),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.log.Debug("executing", logx.String("id", it.ID), logx.String("cmd", s.argv[0]))
	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, 0, ctx.Err()
	}
	if err != nil {
		return nil, 0, fmt.Errorf("worker: %s: %w: %s", s.argv[0], err, stderrTail(stderr.Bytes()))
	}
	return stdout.Bytes(), it.EstimatedQuota, nil
}

// stderrTail keeps failure reasons short enough for the ledger.
func stderrTail(b []byte) string {
	const max = 512
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	return s
}
