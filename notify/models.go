package notify

import "time"

// TopicCustomer is the outbox topic for customer-facing notifications.
const TopicCustomer = "customer.notification"

// Message is the payload carried from a committed transition to every sink.
type Message struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// Notification is one entry of a user's in-app inbox.
type Notification struct {
	ID        string
	UserID    string
	Title     string
	Message   string
	IsRead    bool
	CreatedAt time.Time
}

// Record is a claimed outbox row.
type Record struct {
	ID       string
	Topic    string
	Payload  []byte
	Attempts int
}
