package models

// WindowStats are the rolling statistics of one duration window.
type WindowStats struct {
	Window        string           `json:"window"`
	Count         int64            `json:"count"`
	DistinctUsers int64            `json:"distinct_users"`
	Sums          map[string]int64 `json:"sums"`
}

// GroupStat is one labelled row of a grouped window.
type GroupStat struct {
	Label         string           `json:"label"`
	Count         int64            `json:"count"`
	DistinctUsers int64            `json:"distinct_users"`
	Sums          map[string]int64 `json:"sums"`
}

// WindowGroups are the per-label breakdowns of one duration window.
type WindowGroups struct {
	Window string      `json:"window"`
	Groups []GroupStat `json:"groups"`
}
