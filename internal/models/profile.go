package models

import "time"

// BusinessProfile describes the food business of one user
type BusinessProfile struct {
	Email        string    `json:"email"`
	BusinessName string    `json:"businessName"`
	ContactName  string    `json:"contactName,omitempty"`
	Category     string    `json:"category"`
	Cuisine      string    `json:"cuisine,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	Postcode     string    `json:"postcode"`
	District     string    `json:"district"`
	Ward         string    `json:"ward,omitempty"`
	Town         string    `json:"town,omitempty"`
	AddressLine  string    `json:"addressLine,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Account is the durable record of a signed-in user
type Account struct {
	Email            string     `json:"email"`
	ConsentGiven     bool       `json:"consentGiven"`
	ConsentTimestamp *time.Time `json:"consentTimestamp,omitempty"`
	ProfileCompleted bool       `json:"profileCompleted"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}
