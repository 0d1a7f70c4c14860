package gvm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseReportSummary_EmptyReport(t *testing.T) {
	reportXML := `<report id="rep-1"><host><ip>10.0.0.1</ip></host><results/></report>`

	summary, err := ParseReportSummary(reportXML)
	require.NoError(t, err)
	require.Equal(t, ReportSummary{HostsScanned: 1}, summary)
}

func TestParseReportSummary_SeverityThresholds(t *testing.T) {
	reportXML := `<report id="rep-1">
		<host><ip>10.0.0.1</ip></host>
		<host><ip>10.0.0.2</ip></host>
		<results>
			<result><severity>10.0</severity></result>
			<result><severity>7.0</severity></result>
			<result><severity>6.9</severity></result>
			<result><severity>4.0</severity></result>
			<result><severity>3.9</severity></result>
			<result><severity>0.1</severity></result>
			<result><severity>0.0</severity></result>
			<result><notes>no severity at all</notes></result>
		</results>
	</report>`

	summary, err := ParseReportSummary(reportXML)
	require.NoError(t, err)
	require.Equal(t, 2, summary.HostsScanned)
	require.Equal(t, 2, summary.VulnsHigh, "7.0 is the high boundary")
	require.Equal(t, 2, summary.VulnsMedium, "4.0 is the medium boundary")
	require.Equal(t, 2, summary.VulnsLow)
	require.Equal(t, 1, summary.VulnsLog, "severity 0 is informational")
}

func TestParseReportSummary_NestedSeverity(t *testing.T) {
	// gvmd nests severity inside result sub-elements in some formats; the
	// walk is descendant-based, so depth must not matter.
	reportXML := `<report id="rep-1">
		<results>
			<result><nvt><severity>8.1</severity></nvt></result>
		</results>
	</report>`

	summary, err := ParseReportSummary(reportXML)
	require.NoError(t, err)
	require.Equal(t, 1, summary.VulnsHigh)
}

func TestParseReportSummary_HostsInsideResults(t *testing.T) {
	// Result elements reference their host too; the count includes every
	// host element in the document, matching the report's own accounting.
	reportXML := `<report id="rep-1">
		<host><ip>10.0.0.1</ip></host>
		<results>
			<result><host>10.0.0.1</host><severity>5.0</severity></result>
		</results>
	</report>`

	summary, err := ParseReportSummary(reportXML)
	require.NoError(t, err)
	require.Equal(t, 2, summary.HostsScanned)
	require.Equal(t, 1, summary.VulnsMedium)
}

func TestParseReportSummary_Malformed(t *testing.T) {
	summary, err := ParseReportSummary("<report><unclosed>")
	require.Error(t, err)
	require.Equal(t, ReportSummary{}, summary)
}

func TestParseReportSummary_UnparseableSeveritySkipped(t *testing.T) {
	reportXML := `<report id="rep-1">
		<results>
			<result><severity>n/a</severity></result>
			<result><severity>9.0</severity></result>
		</results>
	</report>`

	summary, err := ParseReportSummary(reportXML)
	require.NoError(t, err)
	require.Equal(t, 1, summary.VulnsHigh)
	require.Equal(t, 0, summary.VulnsLog)
}
