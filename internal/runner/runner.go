// Package runner is the process boundary: everything the core learns about
// an external step comes back as a captured Result. A non-zero exit is
// data for the classifier, not an error.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Result is the captured outcome of one subprocess invocation.
type Result struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
}

// Runner executes one command to completion.
type Runner interface {
	Run(ctx context.Context, argv []string, dir string) (Result, error)
}

// Exec runs commands with os/exec. Env, when set, replaces the inherited
// environment.
type Exec struct {
	Env []string
}

func (e Exec) Run(ctx context.Context, argv []string, dir string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("run: empty argv")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	if e.Env != nil {
		cmd.Env = e.Env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("run %s: %w", argv[0], ctxErr)
		}
		return res, fmt.Errorf("run %s: %w", argv[0], err)
	}
	return res, nil
}
