package gvm

import "fmt"

// ConnectionError reports that no authenticated GMP session could be
// established after the configured number of attempts. The lifecycle engine
// treats it separately from in-session failures: there are no remote
// resources to clean up and a dedicated counter tracks it.
type ConnectionError struct {
	Host     string
	Port     int
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to GVM at %s:%d after %d attempts: %v",
		e.Host, e.Port, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// OperationError reports a GMP command that the server rejected or answered
// incompletely. Status carries the server's numeric status code when one was
// returned; Reason carries the server's status text or a description of what
// was missing from the response.
type OperationError struct {
	Op     string
	Status string
	Reason string
}

func (e *OperationError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("gvm: %s failed with status %s: %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("gvm: %s: %s", e.Op, e.Reason)
}
