package scenario

import "strings"

const (
	toolWeight    = 0.5
	outcomeWeight = 0.5

	// baselineReplyScore 在场景没有任何要求时奖励给非空回复。
	baselineReplyScore = 0.8
	// baselineEmptyScore 在场景没有任何要求且回复为空时给出。
	baselineEmptyScore = 0.5
)

// Score 根据回复文本与调用过的工具为场景打分，结果落在 [0,1]。
func Score(text string, invoked []string, sc Scenario) float64 {
	required := uniqueNonEmpty(sc.RequiredTools)
	outcomes := uniqueNonEmpty(sc.ExpectedOutcomes)

	if len(required) == 0 && len(outcomes) == 0 {
		if strings.TrimSpace(text) != "" {
			return baselineReplyScore
		}
		return baselineEmptyScore
	}

	var toolTerm float64
	if len(required) > 0 {
		used := make(map[string]struct{}, len(invoked))
		for _, name := range invoked {
			used[strings.TrimSpace(name)] = struct{}{}
		}
		hit := 0
		for _, name := range required {
			if _, ok := used[name]; ok {
				hit++
			}
		}
		toolTerm = float64(hit) / float64(len(required))
	}

	var outcomeTerm float64
	if len(outcomes) > 0 {
		lower := strings.ToLower(text)
		hit := 0
		for _, o := range outcomes {
			if strings.Contains(lower, strings.ToLower(o)) {
				hit++
			}
		}
		outcomeTerm = float64(hit) / float64(len(outcomes))
	}

	return clamp(toolWeight*toolTerm + outcomeWeight*outcomeTerm)
}

func uniqueNonEmpty(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
