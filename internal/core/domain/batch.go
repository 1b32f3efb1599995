package domain

import "time"

// BatchRequest is an ordered collection of jobs submitted together.
type BatchRequest struct {
	ID          string     `json:"id"           db:"id"`
	Total       int        `json:"total"        db:"total"`
	Completed   int        `json:"completed"    db:"completed"`
	Failed      int        `json:"failed"       db:"failed"`
	AspectRatio string     `json:"aspect_ratio" db:"aspect_ratio"`
	CreatedAt   time.Time  `json:"created_at"   db:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty" db:"finished_at"`

	// Assignments maps item index to the credential fixed for it at submission.
	Assignments []string `json:"assignments" db:"-"`

	Jobs []*GenerationJob `json:"-" db:"-"`
}

// Resolved returns the number of items in a terminal state.
func (b *BatchRequest) Resolved() int {
	return b.Completed + b.Failed
}

// Done reports whether every item has resolved.
func (b *BatchRequest) Done() bool {
	return b.Resolved() >= b.Total
}
