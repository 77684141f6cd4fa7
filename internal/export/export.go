// Package export writes detection results as JSON submission files.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/hanielwang/Audio-Visual-TAD/internal/detector"
	"github.com/hanielwang/Audio-Visual-TAD/internal/segments"
	"github.com/hanielwang/Audio-Visual-TAD/pkg/util"
)

const Version = "0.2"

// Options tunes the submission layout
type Options struct {
	RunID string
	// NumNouns splits composed action ids into verb and noun when > 0.
	NumNouns int
}

// Entry is one detection in the submission file
type Entry struct {
	Segment [2]float64 `json:"segment"`
	Branch  string     `json:"branch"`
	ClassID int        `json:"class_id"`
	Score   float64    `json:"score"`
	Rank    int        `json:"rank"`
	Verb    *int       `json:"verb,omitempty"`
	Noun    *int       `json:"noun,omitempty"`
	Action  string     `json:"action,omitempty"`
}

// Submission is the top-level JSON document
type Submission struct {
	Version   string             `json:"version"`
	Challenge string             `json:"challenge"`
	RunID     string             `json:"run_id,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	Results   map[string][]Entry `json:"results"`
}

// Build converts detector results into a submission
func Build(results []*detector.Result, opts Options) *Submission {
	sub := &Submission{
		Version:   Version,
		Challenge: "action_detection",
		RunID:     opts.RunID,
		CreatedAt: time.Now().UTC(),
		Results:   make(map[string][]Entry, len(results)),
	}

	for _, res := range results {
		if res == nil {
			continue
		}
		entries := make([]Entry, 0, res.Stats.Detections)
		for _, b := range segments.Branches() {
			for _, d := range res.Detections[b] {
				entries = append(entries, entry(d, opts))
			}
		}
		sub.Results[res.VideoID] = entries
	}
	return sub
}

func entry(d segments.Detection, opts Options) Entry {
	e := Entry{
		Segment: [2]float64{d.Start, d.End},
		Branch:  string(d.Branch),
		ClassID: d.ClassID,
		Score:   d.Score,
		Rank:    d.Rank,
	}
	switch {
	case d.Branch == segments.Action && opts.NumNouns > 0:
		verb, noun := d.ClassID/opts.NumNouns, d.ClassID%opts.NumNouns
		e.Verb, e.Noun = &verb, &noun
		e.Action = strconv.Itoa(verb) + "," + strconv.Itoa(noun)
	case d.Branch == segments.Verb:
		id := d.ClassID
		e.Verb = &id
	case d.Branch == segments.Noun:
		id := d.ClassID
		e.Noun = &id
	}
	return e
}

// VideoIDs returns the submission's video ids in sorted order
func (s *Submission) VideoIDs() []string {
	ids := make([]string, 0, len(s.Results))
	for id := range s.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WriteJSON writes results to path, creating parent directories
func WriteJSON(path string, results []*detector.Result, opts Options) error {
	sub := Build(results, opts)

	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	if err := util.EnsureParent(path); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}

// ReadJSON loads a submission written by WriteJSON
func ReadJSON(path string) (*Submission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sub Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("parse results %s: %w", path, err)
	}
	return &sub, nil
}
