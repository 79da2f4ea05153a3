package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// TaskRerouteLead re-enters a lead into the matcher after an SLA timeout
// returned it to the queue.
const TaskRerouteLead = "routing.lead.reroute"

type RerouteLeadPayload struct {
	LeadID   string `json:"leadId"`
	TenantID string `json:"tenantId"`
}

func NewRerouteLeadTask(payload RerouteLeadPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRerouteLead, data), nil
}

func ParseRerouteLeadPayload(task *asynq.Task) (RerouteLeadPayload, error) {
	var payload RerouteLeadPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RerouteLeadPayload{}, err
	}
	return payload, nil
}
