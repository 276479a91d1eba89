package client

import (
	"slices"
	"time"
)

// Stats describes the outcome of one request, or of several batches merged
// together.
type Stats struct {
	RequestID              string
	StartTime              time.Time
	Responses              int
	NoResponseFrom         []string
	UnexpectedResponseFrom []string
	DiscoveredNodes        []string
	BlockTime              time.Duration
	DiscoveryTime          time.Duration
	TotalTime              time.Duration
	PublishTimedOut        bool
}

// Merge folds o into s. Counts and durations add up; identity lists are
// unioned in order of first appearance.
func (s *Stats) Merge(o Stats) {
	if s.RequestID == "" {
		s.RequestID = o.RequestID
	}
	if s.StartTime.IsZero() || (!o.StartTime.IsZero() && o.StartTime.Before(s.StartTime)) {
		s.StartTime = o.StartTime
	}
	s.Responses += o.Responses
	s.NoResponseFrom = union(s.NoResponseFrom, o.NoResponseFrom)
	s.UnexpectedResponseFrom = union(s.UnexpectedResponseFrom, o.UnexpectedResponseFrom)
	s.DiscoveredNodes = union(s.DiscoveredNodes, o.DiscoveredNodes)
	s.BlockTime += o.BlockTime
	s.DiscoveryTime += o.DiscoveryTime
	s.TotalTime += o.TotalTime
	s.PublishTimedOut = s.PublishTimedOut || o.PublishTimedOut
}

// Map renders the stats under their conventional key names.
func (s Stats) Map() map[string]any {
	return map[string]any{
		"requestid":              s.RequestID,
		"starttime":              s.StartTime.Unix(),
		"responses":              s.Responses,
		"noresponsefrom":         nonNil(s.NoResponseFrom),
		"unexpectedresponsefrom": nonNil(s.UnexpectedResponseFrom),
		"discovered":             len(s.DiscoveredNodes),
		"discovered_nodes":       nonNil(s.DiscoveredNodes),
		"blocktime":              s.BlockTime.Seconds(),
		"discoverytime":          s.DiscoveryTime.Seconds(),
		"totaltime":              s.TotalTime.Seconds(),
	}
}

func union(a, b []string) []string {
	for _, v := range b {
		if !slices.Contains(a, v) {
			a = append(a, v)
		}
	}
	return a
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
