package gvm

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Session is one authenticated GMP conversation, scoped to a single scan's
// blocking work. Operations are not retried: once the session is up, a
// failing command fails the caller. Close releases the transport and must be
// called on every exit path.
type Session interface {
	GetScanners(ctx context.Context) ([]Resource, error)
	GetScanConfigs(ctx context.Context) ([]Resource, error)
	GetPortLists(ctx context.Context) ([]Resource, error)
	CreatePortList(ctx context.Context, name string, ports []int) (string, error)
	DeletePortList(ctx context.Context, id string) error
	CreateTarget(ctx context.Context, spec TargetSpec) (string, error)
	DeleteTarget(ctx context.Context, id string) error
	CreateTask(ctx context.Context, spec TaskSpec) (string, error)
	StartTask(ctx context.Context, taskID string) (string, error)
	StopTask(ctx context.Context, taskID string) error
	DeleteTask(ctx context.Context, taskID string) error
	GetTaskStatus(ctx context.Context, taskID string) (status string, progress int, err error)
	GetReportXML(ctx context.Context, reportID string) (string, error)
	Close() error
}

// Resource identifies a named GMP resource (scanner, scan config, port list).
type Resource struct {
	ID   string
	Name string
}

// TargetSpec describes a GMP target to create. When PortListID is empty the
// session resolves DefaultPortListName against the server's port lists;
// AliveTest optionally overrides the scanner's alive detection method.
type TargetSpec struct {
	Name                string
	Hosts               string
	PortListID          string
	DefaultPortListName string
	AliveTest           string
}

// TaskSpec describes a GMP task to create. IDs win over names; names are
// resolved against the server when the corresponding ID is empty.
type TaskSpec struct {
	Name        string
	TargetID    string
	ConfigID    string
	ScannerID   string
	ConfigName  string
	ScannerName string
}

type session struct {
	conn    net.Conn
	dec     *xml.Decoder
	timeout time.Duration
}

var _ Session = (*session)(nil)

func newSession(conn net.Conn, timeout time.Duration) *session {
	return &session{
		conn:    conn,
		dec:     xml.NewDecoder(conn),
		timeout: timeout,
	}
}

// exchange writes one command and reads one response element, enforcing the
// session timeout (or the context deadline, whichever is sooner) on the
// whole round trip. The response's status attribute is validated.
func (s *session) exchange(ctx context.Context, op string, cmd interface{}) (*node, error) {
	if err := ctx.Err(); err != nil {
		return nil, &OperationError{Op: op, Reason: err.Error()}
	}

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return nil, &OperationError{Op: op, Reason: fmt.Sprintf("set deadline: %v", err)}
	}

	payload, err := xml.Marshal(cmd)
	if err != nil {
		return nil, &OperationError{Op: op, Reason: fmt.Sprintf("encode command: %v", err)}
	}
	if _, err := s.conn.Write(payload); err != nil {
		return nil, &OperationError{Op: op, Reason: fmt.Sprintf("write: %v", err)}
	}

	var resp node
	if err := s.dec.Decode(&resp); err != nil {
		return nil, &OperationError{Op: op, Reason: fmt.Sprintf("read response: %v", err)}
	}
	if err := checkStatus(op, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *session) authenticate(ctx context.Context, username, password string) error {
	cmd := authenticateCmd{}
	cmd.Credentials.Username = username
	cmd.Credentials.Password = password
	_, err := s.exchange(ctx, "authenticate", cmd)
	return err
}

// collectResources extracts <local id="..."><name>...</name></local> entries
// from a list response. Entries without a name are skipped.
func collectResources(resp *node, local string) []Resource {
	var out []Resource
	for _, el := range resp.findAll(local) {
		name := el.child("name")
		if name == nil || name.text() == "" {
			continue
		}
		out = append(out, Resource{ID: el.attr("id"), Name: name.text()})
	}
	return out
}

func (s *session) GetScanners(ctx context.Context) ([]Resource, error) {
	resp, err := s.exchange(ctx, "get_scanners", getScannersCmd{})
	if err != nil {
		return nil, err
	}
	return collectResources(resp, "scanner"), nil
}

func (s *session) GetScanConfigs(ctx context.Context) ([]Resource, error) {
	resp, err := s.exchange(ctx, "get_configs", getConfigsCmd{UsageType: "scan"})
	if err != nil {
		return nil, err
	}
	return collectResources(resp, "config"), nil
}

func (s *session) GetPortLists(ctx context.Context) ([]Resource, error) {
	resp, err := s.exchange(ctx, "get_port_lists", getPortListsCmd{})
	if err != nil {
		return nil, err
	}
	return collectResources(resp, "port_list"), nil
}

// CreatePortList creates a TCP-only port list. Port ranges render as
// "T:22,T:80,T:443" in the order given.
func (s *session) CreatePortList(ctx context.Context, name string, ports []int) (string, error) {
	ranges := make([]string, len(ports))
	for i, p := range ports {
		ranges[i] = "T:" + strconv.Itoa(p)
	}
	resp, err := s.exchange(ctx, "create_port_list", createPortListCmd{
		Name:      name,
		PortRange: strings.Join(ranges, ","),
	})
	if err != nil {
		return "", err
	}
	id := resp.attr("id")
	if id == "" {
		return "", &OperationError{Op: "create_port_list", Reason: fmt.Sprintf("no id returned for port list %q", name)}
	}
	return id, nil
}

func (s *session) DeletePortList(ctx context.Context, id string) error {
	_, err := s.exchange(ctx, "delete_port_list", deletePortListCmd{PortListID: id, Ultimate: "0"})
	return err
}

func (s *session) CreateTarget(ctx context.Context, spec TargetSpec) (string, error) {
	portListID := spec.PortListID
	if portListID == "" && spec.DefaultPortListName != "" {
		lists, err := s.GetPortLists(ctx)
		if err != nil {
			return "", err
		}
		for _, pl := range lists {
			if pl.Name == spec.DefaultPortListName {
				portListID = pl.ID
				break
			}
		}
		if portListID == "" {
			return "", &OperationError{
				Op:     "create_target",
				Reason: fmt.Sprintf("port list %q not found, available: %s", spec.DefaultPortListName, resourceNames(lists)),
			}
		}
	}

	cmd := createTargetCmd{Name: spec.Name, Hosts: spec.Hosts, AliveTests: spec.AliveTest}
	if portListID != "" {
		cmd.PortList = &idRef{ID: portListID}
	}
	resp, err := s.exchange(ctx, "create_target", cmd)
	if err != nil {
		return "", err
	}
	id := resp.attr("id")
	if id == "" {
		return "", &OperationError{Op: "create_target", Reason: fmt.Sprintf("no id returned for target %q", spec.Name)}
	}
	return id, nil
}

func (s *session) DeleteTarget(ctx context.Context, id string) error {
	_, err := s.exchange(ctx, "delete_target", deleteTargetCmd{TargetID: id, Ultimate: "0"})
	return err
}

func (s *session) CreateTask(ctx context.Context, spec TaskSpec) (string, error) {
	configID := spec.ConfigID
	if configID == "" {
		configs, err := s.GetScanConfigs(ctx)
		if err != nil {
			return "", err
		}
		for _, c := range configs {
			if c.Name == spec.ConfigName {
				configID = c.ID
				break
			}
		}
		if configID == "" {
			return "", &OperationError{
				Op:     "create_task",
				Reason: fmt.Sprintf("scan config %q not found, available: %s", spec.ConfigName, resourceNames(configs)),
			}
		}
	}

	scannerID := spec.ScannerID
	if scannerID == "" {
		scanners, err := s.GetScanners(ctx)
		if err != nil {
			return "", err
		}
		for _, sc := range scanners {
			if sc.Name == spec.ScannerName {
				scannerID = sc.ID
				break
			}
		}
		if scannerID == "" {
			return "", &OperationError{
				Op:     "create_task",
				Reason: fmt.Sprintf("scanner %q not found, available: %s", spec.ScannerName, resourceNames(scanners)),
			}
		}
	}

	resp, err := s.exchange(ctx, "create_task", createTaskCmd{
		Name:    spec.Name,
		Config:  idRef{ID: configID},
		Target:  idRef{ID: spec.TargetID},
		Scanner: idRef{ID: scannerID},
	})
	if err != nil {
		return "", err
	}
	id := resp.attr("id")
	if id == "" {
		return "", &OperationError{Op: "create_task", Reason: fmt.Sprintf("no id returned for task %q", spec.Name)}
	}
	return id, nil
}

// StartTask starts the task and returns the report ID the run will publish
// its results under.
func (s *session) StartTask(ctx context.Context, taskID string) (string, error) {
	resp, err := s.exchange(ctx, "start_task", startTaskCmd{TaskID: taskID})
	if err != nil {
		return "", err
	}
	reportID := resp.find("report_id")
	if reportID == nil || reportID.text() == "" {
		return "", &OperationError{Op: "start_task", Reason: fmt.Sprintf("no report_id returned for task %s", taskID)}
	}
	return reportID.text(), nil
}

func (s *session) StopTask(ctx context.Context, taskID string) error {
	_, err := s.exchange(ctx, "stop_task", stopTaskCmd{TaskID: taskID})
	return err
}

func (s *session) DeleteTask(ctx context.Context, taskID string) error {
	_, err := s.exchange(ctx, "delete_task", deleteTaskCmd{TaskID: taskID, Ultimate: "0"})
	return err
}

// GetTaskStatus returns the task's status text verbatim and its progress
// clamped to >= 0. gvmd reports -1 for tasks that have not started measuring.
func (s *session) GetTaskStatus(ctx context.Context, taskID string) (string, int, error) {
	resp, err := s.exchange(ctx, "get_tasks", getTasksCmd{TaskID: taskID, Details: "1"})
	if err != nil {
		return "", 0, err
	}

	statusEl := resp.find("status")
	if statusEl == nil || statusEl.text() == "" {
		return "", 0, &OperationError{Op: "get_tasks", Reason: fmt.Sprintf("no status returned for task %s", taskID)}
	}

	progress := 0
	if progressEl := resp.find("progress"); progressEl != nil && progressEl.text() != "" {
		v, err := strconv.Atoi(progressEl.text())
		if err != nil {
			return "", 0, &OperationError{Op: "get_tasks", Reason: fmt.Sprintf("unparseable progress %q for task %s", progressEl.text(), taskID)}
		}
		if v > 0 {
			progress = v
		}
	}

	return statusEl.text(), progress, nil
}

// GetReportXML fetches the complete report as XML. The server-side XML
// report format is looked up by name, then the report is requested with
// pagination disabled so all results are included.
func (s *session) GetReportXML(ctx context.Context, reportID string) (string, error) {
	formats, err := s.exchange(ctx, "get_report_formats", getReportFormatsCmd{})
	if err != nil {
		return "", err
	}

	var formatID string
	for _, f := range formats.findAll("report_format") {
		if name := f.child("name"); name != nil && name.text() == "XML" {
			formatID = f.attr("id")
			break
		}
	}
	if formatID == "" {
		return "", &OperationError{Op: "get_report_formats", Reason: "XML report format not found"}
	}

	resp, err := s.exchange(ctx, "get_reports", getReportsCmd{
		ReportID:         reportID,
		FormatID:         formatID,
		IgnorePagination: "1",
		Details:          "1",
	})
	if err != nil {
		return "", err
	}

	report := resp.find("report")
	if report == nil {
		return "", &OperationError{Op: "get_reports", Reason: fmt.Sprintf("no report element returned for report %s", reportID)}
	}
	return report.xml()
}

func (s *session) Close() error {
	return s.conn.Close()
}

func resourceNames(resources []Resource) string {
	names := make([]string, len(resources))
	for i, r := range resources {
		names[i] = r.Name
	}
	return strings.Join(names, ", ")
}
