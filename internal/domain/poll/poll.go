// Package poll models community polls and their votes.
package poll

import (
	"strings"
	"time"

	svcerrors "github.com/memelearn/service_layer/internal/errors"
)

// DefaultDuration is how long a poll stays open when no end date is given.
const DefaultDuration = 7 * 24 * time.Hour

// Poll is a multiple-choice question with running tallies.
type Poll struct {
	ID         string         `json:"id"`
	Question   string         `json:"question"`
	Options    []string       `json:"options"`
	Votes      map[string]int `json:"votes"`
	TotalVotes int            `json:"total_votes"`
	IsActive   bool           `json:"is_active"`
	EndDate    time.Time      `json:"end_date"`
	CreatedBy  string         `json:"created_by,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Response is one user's vote.
type Response struct {
	PollID    string    `json:"poll_id" db:"poll_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Option    string    `json:"option" db:"option"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Prepare trims input and fills defaults for a new poll.
func (p Poll) Prepare(now time.Time) Poll {
	p.Question = strings.TrimSpace(p.Question)
	opts := make([]string, 0, len(p.Options))
	for _, o := range p.Options {
		if o = strings.TrimSpace(o); o != "" {
			opts = append(opts, o)
		}
	}
	p.Options = opts
	p.Votes = make(map[string]int, len(opts))
	for _, o := range opts {
		p.Votes[o] = 0
	}
	p.TotalVotes = 0
	p.IsActive = true
	if p.EndDate.IsZero() {
		p.EndDate = now.Add(DefaultDuration)
	}
	p.CreatedAt = now
	return p
}

// Validate checks a prepared poll.
func (p Poll) Validate(now time.Time) error {
	if p.Question == "" {
		return svcerrors.Validation("question", "Question is required.")
	}
	if len(p.Options) < 2 {
		return svcerrors.Validation("options", "A poll needs at least two options.")
	}
	seen := make(map[string]bool, len(p.Options))
	for _, o := range p.Options {
		if seen[o] {
			return svcerrors.Validation("options", "Poll options must be unique.")
		}
		seen[o] = true
	}
	if !p.EndDate.After(now) {
		return svcerrors.Validation("end_date", "End date must be in the future.")
	}
	return nil
}

// HasOption reports whether option is one of the poll's choices.
func (p Poll) HasOption(option string) bool {
	for _, o := range p.Options {
		if o == option {
			return true
		}
	}
	return false
}

// Open reports whether the poll accepts votes at now.
func (p Poll) Open(now time.Time) bool {
	return p.IsActive && p.EndDate.After(now)
}

// CheckVote validates a vote against the poll.
func (p Poll) CheckVote(userID, option string, now time.Time) error {
	if userID == "" {
		return svcerrors.Unauthorized("Sign in to vote.")
	}
	if !p.HasOption(option) {
		return svcerrors.Validation("option", "Unknown poll option.")
	}
	if !p.Open(now) {
		return svcerrors.Validation("poll", "This poll is closed.")
	}
	return nil
}

// ErrAlreadyVoted is returned when a user votes twice on the same poll.
func ErrAlreadyVoted(pollID string) error {
	return svcerrors.Validation("poll", "You have already voted on this poll.").WithDetails("poll_id", pollID)
}

// Clone returns a deep copy.
func (p Poll) Clone() Poll {
	out := p
	out.Options = append([]string(nil), p.Options...)
	out.Votes = make(map[string]int, len(p.Votes))
	for k, v := range p.Votes {
		out.Votes[k] = v
	}
	return out
}
