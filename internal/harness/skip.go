package harness

import "strings"

// skips evaluates a step's labels against the harness's inclusion and
// exclusion sets. When both are present, exclusion is evaluated last, so a
// bucket of steps can be selected and then have undesirable subsets carved
// out, e.g. include phase=test while excluding slow=true.
func skips(labels, include, exclude map[string]string) (bool, string) {
	switch {
	case len(include) == 0 && len(exclude) == 0:
		return false, ""
	case len(include) != 0:
		missing := ""
		for k, v := range include {
			if labels[k] != v {
				missing += k + "=" + v + " "
			}
		}
		if missing == "" {
			return excluded(labels, exclude)
		}
		return true, "missing required labels: " + strings.TrimSpace(missing)
	default:
		return excluded(labels, exclude)
	}
}

func excluded(labels, exclude map[string]string) (bool, string) {
	hit := ""
	for k, v := range exclude {
		if labels[k] == v {
			hit += k + "=" + v + " "
		}
	}
	if hit == "" {
		return false, ""
	}
	return true, "excluded labels present: " + strings.TrimSpace(hit)
}

// ParseLabels parses a comma separated list of k=v pairs, the format used
// by the label environment variables and flags. Malformed entries are
// dropped rather than failing the run.
func ParseLabels(s string) map[string]string {
	if s == "" {
		return nil
	}

	labels := make(map[string]string)
	for _, label := range strings.Split(s, ",") {
		parts := strings.SplitN(label, "=", 2)
		if len(parts) != 2 {
			continue
		}
		labels[parts[0]] = parts[1]
	}
	return labels
}
