package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/teranos/cadence/errors"
)

const timeLayout = "2006-01-02 15:04:05"

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to format JSON")
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.NewInvalidRequestError("invalid id %q", arg)
	}
	return id, nil
}

// parseInput accepts an optional JSON argument
func parseInput(args []string) (json.RawMessage, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, nil
	}
	if !json.Valid([]byte(args[0])) {
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("input is not valid JSON"),
			`quote the input for your shell, e.g. '{"seconds":5}'`)
	}
	return json.RawMessage(args[0]), nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
