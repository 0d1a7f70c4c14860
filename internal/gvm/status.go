package gvm

// Task status strings as gvmd reports them. The hub stores and forwards
// these verbatim; the two predicates below are the only interpretation it
// applies. Do not map them to an enum anywhere on the wire.
const (
	StatusNew                     = "New"
	StatusRequested               = "Requested"
	StatusQueued                  = "Queued"
	StatusRunning                 = "Running"
	StatusStopRequested           = "Stop Requested"
	StatusStopped                 = "Stopped"
	StatusDone                    = "Done"
	StatusDeleteRequested         = "Delete Requested"
	StatusUltimateDeleteRequested = "Ultimate Delete Requested"
	StatusInterrupted             = "Interrupted"
)

// IsTerminalStatus reports whether a task in this status will make no
// further progress, so polling can stop.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusDone, StatusStopped, StatusInterrupted:
		return true
	}
	return false
}

// IsErrorStatus reports whether a terminal status means the scan failed or
// was aborted rather than finishing cleanly.
func IsErrorStatus(status string) bool {
	switch status {
	case StatusStopped, StatusInterrupted:
		return true
	}
	return false
}
