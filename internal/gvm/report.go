package gvm

import (
	"encoding/xml"
	"fmt"
	"strconv"
)

// ReportSummary is the severity histogram of one finished report.
type ReportSummary struct {
	HostsScanned int
	VulnsHigh    int
	VulnsMedium  int
	VulnsLow     int
	VulnsLog     int
}

// ParseReportSummary walks a report document and classifies every result by
// its severity score: >= 7.0 high, >= 4.0 medium, > 0 low, everything else
// informational. HostsScanned counts host elements anywhere in the document.
// A malformed document returns the zero summary together with the parse
// error; results without a numeric severity are skipped.
func ParseReportSummary(reportXML string) (ReportSummary, error) {
	var summary ReportSummary

	var root node
	if err := xml.Unmarshal([]byte(reportXML), &root); err != nil {
		return summary, fmt.Errorf("gvm: parsing report: %w", err)
	}

	summary.HostsScanned = len(root.findAll("host"))

	for _, result := range root.findAll("result") {
		sev := result.find("severity")
		if sev == nil || sev.text() == "" {
			continue
		}
		value, err := strconv.ParseFloat(sev.text(), 64)
		if err != nil {
			continue
		}
		switch {
		case value >= 7.0:
			summary.VulnsHigh++
		case value >= 4.0:
			summary.VulnsMedium++
		case value > 0:
			summary.VulnsLow++
		default:
			summary.VulnsLog++
		}
	}

	return summary, nil
}
