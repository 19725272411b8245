// Package user models learner profiles and their subscriptions.
package user

import (
	"regexp"
	"strings"
	"time"

	svcerrors "github.com/memelearn/service_layer/internal/errors"
)

// Risk tolerance levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 8

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Profile is the application's view of a user.
type Profile struct {
	ID              string    `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	Email           string    `json:"email" db:"email"`
	RiskTolerance   string    `json:"risk_tolerance" db:"risk_tolerance"`
	InvestmentGoals []string  `json:"investment_goals" db:"-"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Attrs are the profile attributes supplied at sign-up.
type Attrs struct {
	Name            string   `json:"name"`
	RiskTolerance   string   `json:"risk_tolerance"`
	InvestmentGoals []string `json:"investment_goals"`
}

// Validate checks sign-up attributes.
func (a Attrs) Validate() error {
	switch a.RiskTolerance {
	case "", RiskLow, RiskMedium, RiskHigh:
	default:
		return svcerrors.Validation("risk_tolerance", "Risk tolerance must be low, medium or high.")
	}
	return nil
}

// NewProfile builds a profile for a freshly registered identity.
func NewProfile(id, email string, attrs Attrs, now time.Time) Profile {
	name := strings.TrimSpace(attrs.Name)
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	risk := attrs.RiskTolerance
	if risk == "" {
		risk = RiskMedium
	}
	return Profile{
		ID:              id,
		Name:            name,
		Email:           email,
		RiskTolerance:   risk,
		InvestmentGoals: attrs.InvestmentGoals,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// ValidateCredentials checks an email and password pair.
func ValidateCredentials(email, password string) error {
	if !ValidEmail(email) {
		return svcerrors.Validation("email", "Please enter a valid email address.")
	}
	if len(password) < MinPasswordLength {
		return svcerrors.Validation("password", "Password must be at least 8 characters.")
	}
	return nil
}

// ValidEmail reports whether email looks like an address.
func ValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// Subscription states.
const (
	SubscriptionPending   = "pending"
	SubscriptionActive    = "active"
	SubscriptionCancelled = "cancelled"
	SubscriptionPastDue   = "past_due"
)

// Subscription links a user to a pricing plan.
type Subscription struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	PlanID    string    `json:"plan_id" db:"plan_id"`
	Status    string    `json:"status" db:"status"`
	SessionID string    `json:"checkout_session_id,omitempty" db:"checkout_session_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
