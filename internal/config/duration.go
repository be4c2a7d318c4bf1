package config

import (
	"encoding/json"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes as a string such as
// "30s". JSON numbers are accepted as nanoseconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return xerrors.Errorf("parse duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return xerrors.Errorf("duration must be a string or integer: %w", err)
	}
	d.Duration = time.Duration(n)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return xerrors.Errorf("line %d: duration must be a scalar", node.Line)
	}
	return d.UnmarshalText([]byte(node.Value))
}
