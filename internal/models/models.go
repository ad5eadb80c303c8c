package models

import (
	"sort"
	"time"
)

// Appointment statuses as reported by the backend.
const (
	StatusScheduled  = "SCHEDULED"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusCancelled  = "CANCELLED"
)

// Session roles.
const (
	RoleCustomer = "customer"
	RoleProvider = "provider"
)

// Appointment is the client-side read-only copy of one booked slot.
// The backend owns it; TokenNumber is assigned at creation and stable
// for the appointment's lifetime.
type Appointment struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	ProviderID  int64     `json:"provider_id"`
	ServiceName string    `json:"service_name"`
	DateTime    time.Time `json:"date_time"`
	Status      string    `json:"status"`
	TokenNumber int       `json:"token_number"`
	Price       float64   `json:"price,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Active reports whether the appointment still participates in a queue.
func (a *Appointment) Active() bool {
	return a.Status == StatusScheduled || a.Status == StatusInProgress
}

// SameDay reports whether the appointment is scheduled on the same
// calendar day as t, in t's location.
func (a *Appointment) SameDay(t time.Time) bool {
	ay, am, ad := a.DateTime.In(t.Location()).Date()
	ty, tm, td := t.Date()
	return ay == ty && am == tm && ad == td
}

// QueueSnapshot is a point-in-time read of the backend's queue state for
// one appointment. Position is tri-state: 0 means "next", negative means
// "being served now", positive is the count of people strictly ahead.
// A snapshot is superseded wholesale by the next one, never merged.
type QueueSnapshot struct {
	YourToken    int  `json:"your_token"`
	CurrentToken *int `json:"current_token"`
	Position     int  `json:"position"`
	WaitMinutes  int  `json:"wait_time"`

	// Seq is stamped at request start; stale responses are discarded
	// by comparing sequences, not arrival order.
	Seq        uint64    `json:"-"`
	ReceivedAt time.Time `json:"-"`
}

// WaitingListEntry is the cockpit's view of one queued appointment.
type WaitingListEntry struct {
	TokenNumber int       `json:"token_number"`
	ServiceName string    `json:"service_name"`
	DateTime    time.Time `json:"date_time"`
	Status      string    `json:"status"`
}

// EntryFromAppointment projects an appointment onto its waiting-list row.
func EntryFromAppointment(a Appointment) WaitingListEntry {
	return WaitingListEntry{
		TokenNumber: a.TokenNumber,
		ServiceName: a.ServiceName,
		DateTime:    a.DateTime,
		Status:      a.Status,
	}
}

// SortWaitingList orders entries ascending by token number so
// first-come-first-served ordering is visible regardless of the order
// the backend returned them in.
func SortWaitingList(entries []WaitingListEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].TokenNumber < entries[j].TokenNumber
	})
}

// Board is the provider cockpit snapshot: at most one appointment being
// served plus today's waiting list, sorted by token.
type Board struct {
	CurrentlyServing *Appointment
	Waiting          []WaitingListEntry
	FetchedAt        time.Time
}

// Session is the authenticated actor. It is exposed to callers only as
// a value copy; the session store owns the mutable state.
type Session struct {
	UserID   int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"user_type"`
	Token    string `json:"-"`
}

// IsProvider reports whether the session may drive the cockpit.
func (s *Session) IsProvider() bool {
	return s != nil && s.Role == RoleProvider
}

// Provider is a bookable service provider as listed by the backend.
type Provider struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Profession  string  `json:"profession"`
	Rating      float64 `json:"rating,omitempty"`
	QueueLength int     `json:"queue_length,omitempty"`
}

// Service is one offering of a provider.
type Service struct {
	ID              int64   `json:"id"`
	ProviderID      int64   `json:"provider_id"`
	Name            string  `json:"name"`
	Price           float64 `json:"price,omitempty"`
	DurationMinutes int     `json:"duration_minutes,omitempty"`
}
