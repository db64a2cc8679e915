package models

type Specialist struct {
	SpecialistID  string `json:"specialist_id"`
	Department    string `json:"department"`
	DailyCapacity *int   `json:"daily_capacity,omitempty"`
}
