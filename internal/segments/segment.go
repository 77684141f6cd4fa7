package segments

import "fmt"

// Branch names one of the label vocabularies predicted by the head
type Branch string

const (
	Action Branch = "action"
	Verb   Branch = "verb"
	Noun   Branch = "noun"
)

// Branches returns the known branches in their canonical order
func Branches() []Branch {
	return []Branch{Action, Verb, Noun}
}

// ParseBranch validates a branch name
func ParseBranch(s string) (Branch, error) {
	switch Branch(s) {
	case Action, Verb, Noun:
		return Branch(s), nil
	}
	return "", fmt.Errorf("unknown branch %q", s)
}

// Candidate is a decoded segment before suppression.
// Level and Timestep locate the prediction that produced it and act as the
// stable tie-break key during ranking.
type Candidate struct {
	Start    float64
	End      float64
	Branch   Branch
	ClassID  int
	Score    float64
	Level    int
	Timestep int
}

// Duration returns End - Start
func (c Candidate) Duration() float64 {
	return c.End - c.Start
}

// Detection is a suppressed, ranked segment handed to callers
type Detection struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Branch  Branch  `json:"branch"`
	ClassID int     `json:"class_id"`
	Score   float64 `json:"score"`
	Rank    int     `json:"rank"`
}

// Duration returns End - Start
func (d Detection) Duration() float64 {
	return d.End - d.Start
}

// TIoU is the temporal intersection over union of [s1,e1] and [s2,e2].
// Empty or inverted intervals have zero overlap.
func TIoU(s1, e1, s2, e2 float64) float64 {
	inter := min(e1, e2) - max(s1, s2)
	if inter <= 0 {
		return 0
	}
	union := (e1 - s1) + (e2 - s2) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Less orders candidates for ranking: higher score first, then earlier start,
// earlier end, lower class, lower level, lower timestep.
func Less(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	if a.End != b.End {
		return a.End < b.End
	}
	if a.ClassID != b.ClassID {
		return a.ClassID < b.ClassID
	}
	if a.Level != b.Level {
		return a.Level < b.Level
	}
	return a.Timestep < b.Timestep
}
