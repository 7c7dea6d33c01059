package grade

import "github.com/kalambet/convqa/internal/conversation"

// Band is one rubric level. A score belongs to the first band whose Min it reaches.
type Band struct {
	Level int
	Min   float64
	Label string
}

// Rubric lists the bands from best to worst.
var Rubric = []Band{
	{5, 4.95, "fully correct"},
	{4, 4.00, "minor omissions"},
	{3, 3.00, "partially correct"},
	{2, 2.00, "significant inaccuracies"},
	{1, 1.00, "mostly incorrect"},
	{0, 0.00, "incorrect"},
}

const OutOfScopeLabel = "out of scope"

// BandFor names the band of score. Negative scores are out of scope.
func BandFor(score float64) string {
	if score == conversation.OutOfScope || score < 0 {
		return OutOfScopeLabel
	}
	for _, b := range Rubric {
		if score >= b.Min {
			return b.Label
		}
	}
	return Rubric[len(Rubric)-1].Label
}

// LevelFor returns the integer rubric level of score, or -1 when out of scope.
func LevelFor(score float64) int {
	if score < 0 {
		return -1
	}
	for _, b := range Rubric {
		if score >= b.Min {
			return b.Level
		}
	}
	return 0
}
