package controller

import (
	"strings"

	"github.com/DendraScience/dendra-worker-tasks-dpe/config"
)

// errorKeySuffix marks the derived companion source that drains a
// source's error subject.
const errorKeySuffix = "$error"

// buildSources resolves a pipeline's configured sources into keyed
// models. Keys are normalized subscription subjects, so two entries for
// the same subject collapse to one. A source with an error subject also
// gets a derived companion source subscribed to that subject; the
// companion never redirects its own failures.
func buildSources(pcfg config.PipelineConfig) map[string]*sourceModel {
	out := make(map[string]*sourceModel, len(pcfg.Sources))

	for _, src := range pcfg.Sources {
		key := normalizeKey(src.SubToSubject)
		out[key] = &sourceModel{key: key, cfg: src}

		if src.ErrorSubject == "" {
			continue
		}

		ecfg := src
		ecfg.SubToSubject = src.ErrorSubject
		if src.ErrorSubOptions != nil {
			ecfg.SubOptions = overlaySubOptions(src.SubOptions, *src.ErrorSubOptions)
		}
		// Without an explicit durable the companion must not reuse the
		// primary's; clearing it lets the default derive from the key.
		if src.ErrorSubOptions == nil || src.ErrorSubOptions.DurableName == "" {
			ecfg.SubOptions.DurableName = ""
		}

		ekey := key + errorKeySuffix
		out[ekey] = &sourceModel{key: ekey, cfg: ecfg, isError: true}
	}

	return out
}

// overlaySubOptions returns base with over's set fields applied.
func overlaySubOptions(base, over config.SubOptions) config.SubOptions {
	if over.AckWaitMs > 0 {
		base.AckWaitMs = over.AckWaitMs
	}
	if over.DurableName != "" {
		base.DurableName = over.DurableName
	}
	if over.MaxInFlight > 0 {
		base.MaxInFlight = over.MaxInFlight
	}
	if over.StartAtTimeDelta > 0 {
		base.StartAtTimeDelta = over.StartAtTimeDelta
	}
	return base
}

// normalizeKey maps a subject to a durable-safe key: token separators
// and wildcards become underscores.
func normalizeKey(subject string) string {
	var b strings.Builder
	b.Grow(len(subject))
	for _, r := range subject {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
