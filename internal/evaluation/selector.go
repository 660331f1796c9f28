package evaluation

import (
	"sort"

	xerrors "ReTool-Life/internal/errors"
)

// Select 选出平均分严格最高的变体；平分时生成顺序靠前者胜出。
// order 中缺失但 scores 中存在的标识按字母序排在最后参与比较。
func Select(order []string, scores map[string]float64) (string, error) {
	if len(scores) == 0 {
		return "", xerrors.Validation("没有可供选择的评估分数")
	}

	candidates := make([]string, 0, len(scores))
	listed := make(map[string]struct{}, len(order))
	for _, key := range order {
		if _, ok := scores[key]; !ok {
			continue
		}
		if _, dup := listed[key]; dup {
			continue
		}
		listed[key] = struct{}{}
		candidates = append(candidates, key)
	}
	var rest []string
	for key := range scores {
		if _, ok := listed[key]; !ok {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	candidates = append(candidates, rest...)

	best := candidates[0]
	for _, key := range candidates[1:] {
		if scores[key] > scores[best] {
			best = key
		}
	}
	return best, nil
}
