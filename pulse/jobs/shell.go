package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/pulse/async"
)

// MaxCapturedOutput caps stdout and stderr kept on the job record
const MaxCapturedOutput = 64 * 1024

// stderr bytes quoted in a failed command's error
const maxErrorTail = 512

// shellInput is {"command": "pg_dump -Fc app", "dir": "/srv", "env": {"PGHOST": "db"}}
type shellInput struct {
	Command string            `json:"command"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ShellResult is the output of a shell job
type ShellResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
}

type shellJob struct {
	args []string
	dir  string
	env  []string
}

// newShell splits the command line the way a shell would, without running
// a shell: no pipes, globbing or variable expansion.
func newShell(input json.RawMessage) (async.JobExecutor, error) {
	var in shellInput
	if err := decode(Shell, input, &in); err != nil {
		return nil, err
	}

	args, err := shellquote.Split(in.Command)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot parse command %q", in.Command)
	}
	if len(args) == 0 {
		return nil, errors.New("shell job needs a command")
	}

	job := &shellJob{args: args, dir: in.Dir}
	if len(in.Env) > 0 {
		keys := make([]string, 0, len(in.Env))
		for k := range in.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		job.env = os.Environ()
		for _, k := range keys {
			job.env = append(job.env, fmt.Sprintf("%s=%s", k, in.Env[k]))
		}
	}
	return job, nil
}

// Execute runs the command. A non-zero exit or a command that cannot be
// started fails the job; cancellation kills the process.
func (s *shellJob) Execute(ctx context.Context, _ *async.Job) (any, error) {
	cmd := exec.CommandContext(ctx, s.args[0], s.args[1:]...)
	cmd.Dir = s.dir
	cmd.Env = s.env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result := ShellResult{
		Stdout: truncate(stdout.String()),
		Stderr: truncate(stderr.String()),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return result, nil
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		failure := errors.Newf("%s exited with status %d", s.args[0], result.ExitCode)
		if msg := strings.TrimSpace(result.Stderr); msg != "" {
			msg = tail(msg, maxErrorTail)
			failure = errors.Newf("%s exited with status %d: %s", s.args[0], result.ExitCode, msg)
		}
		return nil, async.JobFailure(failure)
	default:
		return nil, async.JobFailure(errors.Wrapf(err, "cannot run %s", s.args[0]))
	}
}

func truncate(s string) string {
	if len(s) <= MaxCapturedOutput {
		return s
	}
	cut := MaxCapturedOutput
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[truncated]"
}

// tail keeps at most the last n bytes of s without splitting a rune
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
