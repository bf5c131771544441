// Package timeedit adjusts message times per a rule's edit spec.
//
// A spec is one or more pipe-separated edits applied in order, UTC:
//
//	so_<unit>      snap to the start of a unit ("so_h" = start of hour)
//	ad_<n>_<unit>  add n units
//	su_<n>_<unit>  subtract n units
//
// Units: y, M, w, d, h, m, s. Weeks start on Sunday.
package timeedit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/DendraScience/dendra-worker-tasks-dpe/errors"
	"github.com/DendraScience/dendra-worker-tasks-dpe/pipeline"
)

type opKind int

const (
	opStartOf opKind = iota
	opAdd
	opSubtract
)

type op struct {
	kind opKind
	n    int
	unit string
}

// Editor applies a parsed edit spec to Unix-millisecond times.
type Editor struct {
	spec string
	ops  []op
}

// New parses an edit spec.
func New(spec string) (*Editor, error) {
	if spec == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty time edit spec"),
			"timeedit", "New", "parse spec")
	}

	var ops []op
	for _, part := range strings.Split(spec, "|") {
		fields := strings.Split(part, "_")
		switch {
		case len(fields) == 2 && fields[0] == "so":
			if !validUnit(fields[1]) {
				return nil, badSpec(part)
			}
			ops = append(ops, op{kind: opStartOf, unit: fields[1]})
		case len(fields) == 3 && (fields[0] == "ad" || fields[0] == "su"):
			n, err := strconv.Atoi(fields[1])
			if err != nil || n < 0 || !validUnit(fields[2]) {
				return nil, badSpec(part)
			}
			kind := opAdd
			if fields[0] == "su" {
				kind = opSubtract
			}
			ops = append(ops, op{kind: kind, n: n, unit: fields[2]})
		default:
			return nil, badSpec(part)
		}
	}

	return &Editor{spec: spec, ops: ops}, nil
}

func badSpec(part string) error {
	return errors.WrapInvalid(
		fmt.Errorf("invalid time edit %q", part),
		"timeedit", "New", "parse spec")
}

func validUnit(unit string) bool {
	switch unit {
	case "y", "M", "w", "d", "h", "m", "s":
		return true
	}
	return false
}

// Edit implements pipeline.TimeEditor.
func (e *Editor) Edit(ms int64) int64 {
	t := time.UnixMilli(ms).UTC()
	for _, o := range e.ops {
		t = o.apply(t)
	}
	return t.UnixMilli()
}

func (o op) apply(t time.Time) time.Time {
	switch o.kind {
	case opStartOf:
		return startOf(t, o.unit)
	case opAdd:
		return shift(t, o.n, o.unit)
	case opSubtract:
		return shift(t, -o.n, o.unit)
	}
	return t
}

func startOf(t time.Time, unit string) time.Time {
	switch unit {
	case "y":
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	case "M":
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case "w":
		day := startOf(t, "d")
		return day.AddDate(0, 0, -int(day.Weekday()))
	case "d":
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case "h":
		return t.Truncate(time.Hour)
	case "m":
		return t.Truncate(time.Minute)
	case "s":
		return t.Truncate(time.Second)
	}
	return t
}

func shift(t time.Time, n int, unit string) time.Time {
	switch unit {
	case "y":
		return t.AddDate(n, 0, 0)
	case "M":
		return t.AddDate(0, n, 0)
	case "w":
		return t.AddDate(0, 0, 7*n)
	case "d":
		return t.AddDate(0, 0, n)
	case "h":
		return t.Add(time.Duration(n) * time.Hour)
	case "m":
		return t.Add(time.Duration(n) * time.Minute)
	case "s":
		return t.Add(time.Duration(n) * time.Second)
	}
	return t
}

// Factory constructs editors per rule edit spec.
type Factory struct{}

// New implements pipeline.TimeEditorFactory.
func (Factory) New(spec string) (pipeline.TimeEditor, error) {
	return New(spec)
}
