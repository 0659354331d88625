package protocol

import "time"

// ComputationPayload is the body of a TypeComputation envelope,
// describing a proposed average computation and the three coordinators
// that will run it.
type ComputationPayload struct {
	Deadline          time.Time `json:"deadline"`
	CompID            string    `json:"comp_id"`
	ProposerUID       string    `json:"proposer_uid"`
	ComputationPrompt string    `json:"computation_prompt"`
	ResponseSchema    string    `json:"response_schema"`
	Coordinators      [3]string `json:"coordinators"`
	MinParticipants   int       `json:"min_participants"`
}

// SharePayload is the body of a TypeShare envelope, carrying one
// participant's additive share of its response value to one coordinator.
type SharePayload struct {
	CompID     string `json:"comp_id"`
	SenderUID  string `json:"sender_uid"`
	ShareValue uint32 `json:"share_value"`
}

// InitConfirmPayload is the body of a TypeInitConfirm envelope.
type InitConfirmPayload struct {
	CompID    string `json:"comp_id"`
	SenderUID string `json:"sender_uid"`
}

// RevealRequestPayload is the body of a TypeRevealRequest envelope.
type RevealRequestPayload struct {
	CompID    string `json:"comp_id"`
	SenderUID string `json:"sender_uid"`
}

// RevealResponsePayload is the body of a TypeRevealResponse envelope.
type RevealResponsePayload struct {
	CompID           string `json:"comp_id"`
	SenderUID        string `json:"sender_uid"`
	Status           string `json:"status"`
	PartialSum       uint32 `json:"partial_sum"`
	ParticipantCount int    `json:"participant_count"`
}
