package gvm

import (
	"encoding/xml"
	"strings"
)

// GMP frames neither requests nor responses: each command is one XML element
// written to the TLS stream, answered by one XML element. The node type below
// is a generic element tree for responses, searched the same way the protocol
// documentation describes paths (direct child vs. any descendant).

type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []node     `xml:",any"`
}

// attr returns the value of the named attribute, or "".
func (n *node) attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// text returns the element's character data with surrounding whitespace
// removed.
func (n *node) text() string {
	return strings.TrimSpace(n.Text)
}

// child returns the first direct child with the given local name, or nil.
func (n *node) child(local string) *node {
	for i := range n.Children {
		if n.Children[i].XMLName.Local == local {
			return &n.Children[i]
		}
	}
	return nil
}

// find returns the first descendant with the given local name in document
// order, or nil. The node itself is not considered.
func (n *node) find(local string) *node {
	for i := range n.Children {
		c := &n.Children[i]
		if c.XMLName.Local == local {
			return c
		}
		if m := c.find(local); m != nil {
			return m
		}
	}
	return nil
}

// findAll returns every descendant with the given local name in document
// order, including matches nested inside other matches.
func (n *node) findAll(local string) []*node {
	var out []*node
	for i := range n.Children {
		c := &n.Children[i]
		if c.XMLName.Local == local {
			out = append(out, c)
		}
		out = append(out, c.findAll(local)...)
	}
	return out
}

// xml re-serializes the element subtree.
func (n *node) xml() (string, error) {
	out, err := xml.Marshal(n)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// checkStatus validates the status attribute every GMP response carries.
// gvmd answers 2xx on success; anything else fails with the server's own
// status text.
func checkStatus(op string, n *node) error {
	status := n.attr("status")
	if status == "" {
		return &OperationError{Op: op, Reason: "response carries no status"}
	}
	if status[0] != '2' {
		return &OperationError{Op: op, Status: status, Reason: n.attr("status_text")}
	}
	return nil
}

// Command payloads. Attribute booleans follow the GMP convention of "0"/"1".

type authenticateCmd struct {
	XMLName     xml.Name `xml:"authenticate"`
	Credentials struct {
		Username string `xml:"username"`
		Password string `xml:"password"`
	} `xml:"credentials"`
}

type getScannersCmd struct {
	XMLName xml.Name `xml:"get_scanners"`
}

type getConfigsCmd struct {
	XMLName   xml.Name `xml:"get_configs"`
	UsageType string   `xml:"usage_type,attr"`
}

type getPortListsCmd struct {
	XMLName xml.Name `xml:"get_port_lists"`
}

type createPortListCmd struct {
	XMLName   xml.Name `xml:"create_port_list"`
	Name      string   `xml:"name"`
	PortRange string   `xml:"port_range"`
}

type deletePortListCmd struct {
	XMLName    xml.Name `xml:"delete_port_list"`
	PortListID string   `xml:"port_list_id,attr"`
	Ultimate   string   `xml:"ultimate,attr"`
}

// idRef renders as an empty element carrying only an id attribute, the way
// GMP references existing resources, e.g. <target id="..."/>.
type idRef struct {
	ID string `xml:"id,attr"`
}

type createTargetCmd struct {
	XMLName    xml.Name `xml:"create_target"`
	Name       string   `xml:"name"`
	Hosts      string   `xml:"hosts"`
	PortList   *idRef   `xml:"port_list,omitempty"`
	AliveTests string   `xml:"alive_tests,omitempty"`
}

type deleteTargetCmd struct {
	XMLName  xml.Name `xml:"delete_target"`
	TargetID string   `xml:"target_id,attr"`
	Ultimate string   `xml:"ultimate,attr"`
}

type createTaskCmd struct {
	XMLName xml.Name `xml:"create_task"`
	Name    string   `xml:"name"`
	Config  idRef    `xml:"config"`
	Target  idRef    `xml:"target"`
	Scanner idRef    `xml:"scanner"`
}

type startTaskCmd struct {
	XMLName xml.Name `xml:"start_task"`
	TaskID  string   `xml:"task_id,attr"`
}

type stopTaskCmd struct {
	XMLName xml.Name `xml:"stop_task"`
	TaskID  string   `xml:"task_id,attr"`
}

type deleteTaskCmd struct {
	XMLName  xml.Name `xml:"delete_task"`
	TaskID   string   `xml:"task_id,attr"`
	Ultimate string   `xml:"ultimate,attr"`
}

type getTasksCmd struct {
	XMLName xml.Name `xml:"get_tasks"`
	TaskID  string   `xml:"task_id,attr"`
	Details string   `xml:"details,attr"`
}

type getReportFormatsCmd struct {
	XMLName xml.Name `xml:"get_report_formats"`
}

type getReportsCmd struct {
	XMLName          xml.Name `xml:"get_reports"`
	ReportID         string   `xml:"report_id,attr"`
	FormatID         string   `xml:"format_id,attr"`
	IgnorePagination string   `xml:"ignore_pagination,attr"`
	Details          string   `xml:"details,attr"`
}
