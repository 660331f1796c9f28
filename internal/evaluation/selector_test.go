package evaluation

import (
	"testing"

	xerrors "ReTool-Life/internal/errors"
)

func TestSelect(t *testing.T) {
	cases := []struct {
		name   string
		order  []string
		scores map[string]float64
		want   string
	}{
		{"highest wins", []string{"a", "b"}, map[string]float64{"a": 0.6, "b": 0.9}, "b"},
		{"tie goes to earliest", []string{"a", "b"}, map[string]float64{"a": 0.7, "b": 0.7}, "a"},
		{"order decides tie regardless of key", []string{"z", "a"}, map[string]float64{"a": 0.7, "z": 0.7}, "z"},
		{"unlisted keys still compete", []string{"a"}, map[string]float64{"a": 0.1, "b": 0.2}, "b"},
		{"missing order falls back to key order", nil, map[string]float64{"b": 0.5, "a": 0.5}, "a"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Select(tc.order, tc.scores)
			if err != nil {
				t.Fatalf("select: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestSelectEmpty(t *testing.T) {
	if _, err := Select([]string{"a"}, nil); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
