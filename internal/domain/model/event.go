package model

import "time"

type EventType string

const (
	EventCreditsUpdated EventType = "credits.updated"
	EventJobStatus      EventType = "job.status"
	EventAdminJobFailed EventType = "admin.job_failed"
	EventPackageExpired EventType = "admin.packages_expired"
)

// Event is a best-effort realtime notification. An empty AccountID marks a
// global (admin) event.
type Event struct {
	Type      EventType `json:"type"`
	AccountID string    `json:"account_id,omitempty"`
	Payload   any       `json:"payload"`
	At        time.Time `json:"at"`
}

func NewEvent(typ EventType, accountID string, payload any) Event {
	return Event{Type: typ, AccountID: accountID, Payload: payload, At: time.Now().UTC()}
}

func (e Event) IsGlobal() bool { return e.AccountID == "" }

type JobStatusPayload struct {
	JobID         string    `json:"job_id"`
	Kind          JobKind   `json:"kind"`
	Status        JobStatus `json:"status"`
	ResultURLs    []string  `json:"result_urls,omitempty"`
	ThumbnailURLs []string  `json:"thumbnail_urls,omitempty"`
	Error         string    `json:"error,omitempty"`
}

func NewJobStatusPayload(j *Job) JobStatusPayload {
	return JobStatusPayload{
		JobID:         j.ID,
		Kind:          j.Kind,
		Status:        j.Status,
		ResultURLs:    j.ResultURLs,
		ThumbnailURLs: j.ThumbnailURLs,
		Error:         j.ErrorMessage,
	}
}

type JobFailedPayload struct {
	JobID     string  `json:"job_id"`
	AccountID string  `json:"account_id"`
	Kind      JobKind `json:"kind"`
	Provider  string  `json:"provider"`
	Reason    string  `json:"reason"`
	Refunded  int     `json:"refunded"`
}
