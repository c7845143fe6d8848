package tasks

import (
	"strconv"
	"strings"

	"github.com/antoniostano/handoff/internal/domain"
)

type CreateRequest struct {
	Target           string `json:"target"`
	Summary          string `json:"summary"`
	Details          string `json:"details,omitempty"`
	IssueNumber      int64  `json:"issue_number,omitempty"`
	ReferenceURL     string `json:"reference_url,omitempty"`
	RequiresApproval bool   `json:"requires_approval"`
	SessionID        string `json:"session_id,omitempty"`
}

func (r CreateRequest) normalized() CreateRequest {
	r.Target = domain.NormalizeAgentName(r.Target)
	r.Summary = strings.TrimSpace(r.Summary)
	r.Details = strings.TrimSpace(r.Details)
	r.ReferenceURL = strings.TrimSpace(r.ReferenceURL)
	r.SessionID = strings.TrimSpace(r.SessionID)
	return r
}

// reference prefers an explicit issue number over one found in the URL.
func (r CreateRequest) reference() string {
	if r.IssueNumber > 0 {
		return strconv.FormatInt(r.IssueNumber, 10)
	}
	return domain.ExtractReference(r.ReferenceURL)
}

// Detail is a task with its delivery history.
type Detail struct {
	domain.Task
	Deliveries []domain.Delivery `json:"deliveries"`
}

type ListFilter struct {
	Target   string
	Statuses []domain.TaskStatus
	Limit    int
}

// Hooks observe committed transitions. Nil fields are skipped.
type Hooks struct {
	OnCreated    func(domain.Task)
	OnTransition func(task domain.Task, op domain.TaskOp)
	OnDelivery   func(d domain.Delivery)
}

// NarrationSession is the hub session a pushed task is announced under.
func NarrationSession(taskID int64) string {
	return "task-" + strconv.FormatInt(taskID, 10)
}
