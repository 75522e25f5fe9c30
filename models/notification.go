package models

import "time"

// NotificationStatus tells the client whether the run went well.
type NotificationStatus string

const (
	NotifySuccess NotificationStatus = "success"
	NotifyError   NotificationStatus = "error"
)

// PushType separates silent view refreshes from user-visible alerts.
type PushType string

const (
	PushRefresh      PushType = "refresh"
	PushNotification PushType = "notification"
)

// Notification is the event fanned out to a user's clients.
type Notification struct {
	TaskID   string             `json:"taskId"`
	Message  string             `json:"message"`
	Status   NotificationStatus `json:"status"`
	PushType PushType           `json:"pushType"`
}

// PushSubscription is a stored web push endpoint.
type PushSubscription struct {
	EndpointHash   string     `json:"endpointHash"`
	Endpoint       string     `json:"endpoint"`
	P256dh         string     `json:"p256dh"`
	Auth           string     `json:"auth"`
	ExpirationTime *time.Time `json:"expirationTime,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Expired reports whether the subscription's expiration is before now.
func (s PushSubscription) Expired(now time.Time) bool {
	return s.ExpirationTime != nil && s.ExpirationTime.Before(now)
}
