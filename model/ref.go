// Package model holds the plain data types shared across the engine: chart
// identity, persisted rows, and the in-memory change-notification value.
package model

import (
	"fmt"
	"net/url"
	"strings"
)

// ChartReference is the globally unique identity of one running chart:
// a machine (definition) id paired with a chart (instance) id.
type ChartReference struct {
	MachineID string
	ChartID   string
}

// NewChartReference builds a reference, useful where struct literals read
// awkwardly with named fields.
func NewChartReference(machineID, chartID string) ChartReference {
	return ChartReference{MachineID: machineID, ChartID: chartID}
}

// String renders the reference as an xjog+chart URI, e.g.
// "xjog+chart:/door/chart-42".
func (r ChartReference) String() string {
	return fmt.Sprintf("xjog+chart:/%s/%s", url.PathEscape(r.MachineID), url.PathEscape(r.ChartID))
}

// IsZero reports whether the reference has no machine or chart id set.
func (r ChartReference) IsZero() bool {
	return r.MachineID == "" && r.ChartID == ""
}

// ParseChartURI parses the URI form produced by String. Accepts an optional
// host segment ("xjog+chart://host/machine/chart") which is ignored.
func ParseChartURI(s string) (ChartReference, error) {
	u, err := url.Parse(s)
	if err != nil {
		return ChartReference{}, fmt.Errorf("parse chart uri %q: %w", s, err)
	}
	if u.Scheme != "xjog+chart" {
		return ChartReference{}, fmt.Errorf("parse chart uri %q: unexpected scheme %q", s, u.Scheme)
	}
	path := strings.TrimPrefix(u.Path, "/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ChartReference{}, fmt.Errorf("parse chart uri %q: expected /<machineId>/<chartId>", s)
	}
	machineID, err := url.PathUnescape(parts[0])
	if err != nil {
		return ChartReference{}, fmt.Errorf("parse chart uri %q: bad machineId segment: %w", s, err)
	}
	chartID, err := url.PathUnescape(parts[1])
	if err != nil {
		return ChartReference{}, fmt.Errorf("parse chart uri %q: bad chartId segment: %w", s, err)
	}
	return ChartReference{MachineID: machineID, ChartID: chartID}, nil
}
