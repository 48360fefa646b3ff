package schedule

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/teranos/cadence/errors"
)

// FileEntry is one item in a schedule file.
// Exactly one of Cron, Every or DelaySeconds must be set.
//
//	[[schedule]]
//	job = "report"
//	cron = "0 6 * * 1-5"
//	input = { region = "eu" }
type FileEntry struct {
	Job          string         `yaml:"job" toml:"job"`
	Cron         string         `yaml:"cron,omitempty" toml:"cron,omitempty"`
	Every        string         `yaml:"every,omitempty" toml:"every,omitempty"`
	DelaySeconds int64          `yaml:"delay_seconds,omitempty" toml:"delay_seconds,omitempty"`
	Input        map[string]any `yaml:"input,omitempty" toml:"input,omitempty"`
	Active       *bool          `yaml:"active,omitempty" toml:"active,omitempty"`
}

// File is the top level of a schedule file
type File struct {
	Schedule []FileEntry `yaml:"schedule" toml:"schedule"`
}

// LoadFile reads a .yaml, .yml or .toml schedule file into items ready for Scheduler.Add
func LoadFile(path string) ([]*Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read schedule file %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".toml":
		return ParseTOML(data)
	}
	return nil, errors.WithHint(
		errors.NewInvalidRequestError("unsupported schedule file %s", path),
		"use a .yaml, .yml or .toml file")
}

// ParseYAML parses a YAML schedule file
func ParseYAML(data []byte) ([]*Item, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "failed to parse YAML schedule")
	}
	return f.Items()
}

// ParseTOML parses a TOML schedule file
func ParseTOML(data []byte) ([]*Item, error) {
	var f File
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, errors.Wrap(err, "failed to parse TOML schedule")
	}
	return f.Items()
}

// Items converts every entry, failing on the first invalid one
func (f *File) Items() ([]*Item, error) {
	items := make([]*Item, 0, len(f.Schedule))
	for i, entry := range f.Schedule {
		item, err := entry.Item()
		if err != nil {
			return nil, errors.Wrapf(err, "schedule entry %d", i+1)
		}
		items = append(items, item)
	}
	return items, nil
}

// Item builds the scheduler item described by the entry
func (e FileEntry) Item() (*Item, error) {
	set := 0
	for _, given := range []bool{e.Cron != "", e.Every != "", e.DelaySeconds != 0} {
		if given {
			set++
		}
	}
	if set != 1 {
		return nil, errors.NewInvalidRequestError("job %q needs exactly one of cron, every or delay_seconds", e.Job)
	}

	var trigger Trigger
	switch {
	case e.Cron != "":
		t, err := ParseTrigger(e.Cron)
		if err != nil {
			return nil, err
		}
		trigger = t
	case e.Every != "":
		d, err := time.ParseDuration(e.Every)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "job %q: invalid every %q: %v", e.Job, e.Every, err)
		}
		trigger = NewDelayTrigger(d)
	default:
		trigger = &DelayTrigger{DelaySeconds: e.DelaySeconds}
	}

	var input json.RawMessage
	if len(e.Input) > 0 {
		data, err := json.Marshal(e.Input)
		if err != nil {
			return nil, errors.Wrapf(err, "job %q: failed to encode input", e.Job)
		}
		input = data
	}

	item := NewItem(e.Job, input, trigger)
	if e.Active != nil {
		item.Active = *e.Active
	}
	return item, item.Validate()
}
