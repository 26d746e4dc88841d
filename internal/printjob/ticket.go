package printjob

import "time"

// TicketDocument is one document of a submitted order as the fulfillment
// side sees it: where the bytes live and what to print.
type TicketDocument struct {
	RecordID   int64        `json:"recordId"`
	FileName   string       `json:"fileName"`
	StorageKey string       `json:"storageKey"`
	PageCount  int          `json:"totalPages"`
	Pages      PageAnalysis `json:"pagesWithImages"`
	Settings   Settings     `json:"settings"`
	Price      float64      `json:"price"`
}

// Ticket is the fulfillment message for one submission.
type Ticket struct {
	SubmissionID string           `json:"submissionId"`
	Name         string           `json:"name"`
	Email        string           `json:"email"`
	Documents    []TicketDocument `json:"documents"`
	TotalPrice   float64          `json:"totalPrice"`
	CreatedAt    time.Time        `json:"createdAt"`
	Attempt      int              `json:"attempt"`
}
