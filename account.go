package ingest

import (
	"errors"
	"time"
)

// Account is a GitHub account as published to the accounts topic. ID is
// required: a record whose id is missing or 0 fails Validate and is dropped
// as malformed by the AccountsConsumer.
type Account struct {
	ID          int64     `json:"id"`
	Login       string    `json:"login,omitempty"`
	Name        string    `json:"name,omitempty"`
	Type        string    `json:"type,omitempty"`
	Company     string    `json:"company,omitempty"`
	Location    string    `json:"location,omitempty"`
	Email       string    `json:"email,omitempty"`
	Bio         string    `json:"bio,omitempty"`
	PublicRepos int       `json:"public_repos,omitempty"`
	Followers   int       `json:"followers,omitempty"`
	Following   int       `json:"following,omitempty"`
	Languages   []string  `json:"languages"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate reports a PayloadError when the Account is missing its identifier.
// A payload that is syntactically valid but has no id does not describe an
// account and is treated the same as malformed data.
func (a Account) Validate() error {
	if a.ID == 0 {
		return &PayloadError{Err: errors.New("account is missing required field id")}
	}
	return nil
}
