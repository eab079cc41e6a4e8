package export

import (
	"sort"
	"strings"

	"github.com/google/pprof/profile"
)

// TopFunction is a function ranked by its sample count.
type TopFunction struct {
	Name    string  `json:"name"`
	Flat    int64   `json:"flat"`
	FlatPct float64 `json:"flat_pct"`
	Cum     int64   `json:"cum"`
	CumPct  float64 `json:"cum_pct"`
}

// TopFunctions ranks the functions of p by flat samples, or by cumulative
// samples when sortByCum is set, and returns at most n of them.
func TopFunctions(p *profile.Profile, n int, sortByCum bool) []TopFunction {
	stats := make(map[string]*TopFunction)
	var total int64

	for _, sample := range p.Sample {
		value := sample.Value[0]
		if value == 0 {
			continue
		}
		total += value

		seen := make(map[string]bool, len(sample.Location))
		for i, loc := range sample.Location {
			for _, line := range loc.Line {
				if line.Function == nil {
					continue
				}
				name := line.Function.Name
				stat, ok := stats[name]
				if !ok {
					stat = &TopFunction{Name: name}
					stats[name] = stat
				}
				if i == 0 {
					stat.Flat += value
				}
				// Recursive frames count once per sample.
				if !seen[name] {
					stat.Cum += value
					seen[name] = true
				}
			}
		}
	}

	result := make([]TopFunction, 0, len(stats))
	for _, stat := range stats {
		if total > 0 {
			stat.FlatPct = float64(stat.Flat) * 100.0 / float64(total)
			stat.CumPct = float64(stat.Cum) * 100.0 / float64(total)
		}
		result = append(result, *stat)
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].Flat, result[j].Flat
		if sortByCum {
			a, b = result[i].Cum, result[j].Cum
		}
		if a != b {
			return a > b
		}
		return result[i].Name < result[j].Name
	})

	if n > 0 && len(result) > n {
		result = result[:n]
	}
	return result
}

// Collapsed renders p as collapsed stacks, root first and separated by ';',
// mapped to their sample counts.
func Collapsed(p *profile.Profile) map[string]int64 {
	out := make(map[string]int64)
	for _, sample := range p.Sample {
		if len(sample.Location) == 0 || sample.Value[0] == 0 {
			continue
		}
		names := make([]string, 0, len(sample.Location))
		for i := len(sample.Location) - 1; i >= 0; i-- {
			for _, line := range sample.Location[i].Line {
				if line.Function != nil {
					names = append(names, line.Function.Name)
				}
			}
		}
		out[strings.Join(names, ";")] += sample.Value[0]
	}
	return out
}
