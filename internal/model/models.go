// internal/model/models.go
package model

import "time"

// Repository represents the metadata of a GitHub repository as harvested
// from the GraphQL search API. ID is GitHub's numeric databaseId and is the
// sole conflict key for upserts.
type Repository struct {
	ID        int64
	Name      string
	Owner     string
	FullName  string
	Stars     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StarObservation is one append-only sample of a repository's star count.
// At most one observation is stored per repository per day.
type StarObservation struct {
	RepositoryID int64
	Stars        int
	ObservedAt   time.Time
}

// Page is one page of search results plus the pagination and rate-limit
// telemetry GitHub returns alongside it.
type Page struct {
	Repos         []Repository
	EndCursor     string
	HasNextPage   bool
	RateRemaining int
	RateResetAt   time.Time
	Cost          int
}
