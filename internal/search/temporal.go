package search

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/engramdev/engram/pkg/models"
)

// Temporal expressions are applied as valid-time filters only when the parse
// confidence clears the configured threshold; a vague phrase must not silently
// shrink the candidate set.
const defaultTemporalConfidence = 0.7

var relativeAgoPattern = regexp.MustCompile(`\b(\d+)\s+(minute|hour|day|week|month)s?\s+ago\b`)

// parseTemporal extracts a time window from natural-language phrases in the
// query. The confidence reflects how unambiguous the phrase is: calendar-unit
// phrases score high, vague recency words score low.
func parseTemporal(query string, now time.Time) (models.TimeRange, float64, bool) {
	q := strings.ToLower(query)

	if m := relativeAgoPattern.FindStringSubmatch(q); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			var unit time.Duration
			switch m[2] {
			case "minute":
				unit = time.Minute
			case "hour":
				unit = time.Hour
			case "day":
				unit = 24 * time.Hour
			case "week":
				unit = 7 * 24 * time.Hour
			case "month":
				unit = 30 * 24 * time.Hour
			}
			start := now.Add(-time.Duration(n) * unit)
			return models.TimeRange{Start: start, End: now}, 0.9, true
		}
	}

	day := 24 * time.Hour
	midnight := now.Truncate(day)
	switch {
	case strings.Contains(q, "today"):
		return models.TimeRange{Start: midnight, End: now}, 0.9, true
	case strings.Contains(q, "yesterday"):
		return models.TimeRange{Start: midnight.Add(-day), End: midnight}, 0.9, true
	case strings.Contains(q, "last week") || strings.Contains(q, "past week"):
		return models.TimeRange{Start: now.Add(-7 * day), End: now}, 0.8, true
	case strings.Contains(q, "last month") || strings.Contains(q, "past month"):
		return models.TimeRange{Start: now.Add(-30 * day), End: now}, 0.8, true
	case strings.Contains(q, "this morning"):
		return models.TimeRange{Start: midnight, End: now}, 0.8, true
	case strings.Contains(q, "recently") || strings.Contains(q, "earlier"):
		return models.TimeRange{Start: now.Add(-day), End: now}, 0.4, true
	}
	return models.TimeRange{}, 0, false
}

// applyTemporalFilter narrows the request's valid-time window from phrases in
// the query text. An explicit time_range in the request always wins.
func (e *Engine) applyTemporalFilter(req *models.SearchRequest, now time.Time) {
	if req.Filters != nil && req.Filters.TimeRange != nil {
		return
	}
	tr, confidence, ok := parseTemporal(req.Text, now)
	if !ok {
		return
	}
	threshold := e.cfg.TemporalConfidenceThreshold
	if threshold <= 0 {
		threshold = defaultTemporalConfidence
	}
	if confidence < threshold {
		return
	}
	if req.Filters == nil {
		req.Filters = &models.SearchFilters{}
	}
	req.Filters.TimeRange = &tr
	e.log.Debug("temporal filter applied",
		"start", tr.Start, "end", tr.End, "confidence", confidence)
}
