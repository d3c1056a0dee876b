package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of each TOML table.
var knownKeys = map[string][]string{
	"remote": {
		"url", "api_key", "token_file", "realtime_url", "id_column", "version_field",
		"idempotency_field", "requests_per_second", "max_http_retries",
	},
	"sync": {
		"poll_interval", "max_retries", "retry_base_delay", "retry_max_delay", "queue_key",
		"connectivity", "heartbeat_interval", "shutdown_timeout",
	},
	"storage": {"data_dir", "state_file"},
	"api":     {"enabled", "listen", "allow_origins"},
	"logging": {"log_level", "log_file", "log_format"},
	"network": {"connect_timeout", "data_timeout", "user_agent"},
}

// knownSections is the sorted list of table names. Sorted for deterministic
// suggestions when two candidates have the same edit distance.
var knownSections = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	reported := make(map[string]bool)

	for _, key := range undecoded {
		id, err := buildKeyError(key)
		if err == nil || reported[id] {
			continue
		}

		reported[id] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// buildKeyError describes one undecoded key. The returned id deduplicates
// reports: every key under an unknown table shares the table's id.
func buildKeyError(key toml.Key) (string, error) {
	if len(key) == 0 {
		return "", nil
	}

	section := key[0]

	fields, ok := knownKeys[section]
	if !ok {
		if suggestion := closestMatch(section, knownSections); suggestion != "" {
			return section, fmt.Errorf("unknown config table %q, did you mean %q?", section, suggestion)
		}

		return section, fmt.Errorf("unknown config table %q", section)
	}

	if len(key) < 2 {
		return "", nil
	}

	field := key[1]
	id := section + "." + field

	sorted := slices.Sorted(slices.Values(fields))
	if suggestion := closestMatch(field, sorted); suggestion != "" {
		return id, fmt.Errorf("unknown config key %q, did you mean %q?", id, section+"."+suggestion)
	}

	return id, fmt.Errorf("unknown config key %q", id)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization: only the previous row is needed.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
