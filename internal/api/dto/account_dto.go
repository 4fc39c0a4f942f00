package dto

import "time"

// Profile carries the free-text profile fields.
type Profile struct {
	Occupation string `json:"occupation,omitempty"`
	Workplace  string `json:"workplace,omitempty"`
	Address    string `json:"address,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	TaxID      string `json:"tax_id,omitempty"`
}

// AccountResponse is an account as returned by the API. Limited views only
// fill id, display_name and email.
type AccountResponse struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Email       string     `json:"email"`
	Phone       string     `json:"phone,omitempty"`
	Role        string     `json:"role,omitempty"`
	State       string     `json:"state,omitempty"`
	Visibility  string     `json:"visibility,omitempty"`
	Profile     *Profile   `json:"profile,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	Limited     bool       `json:"limited,omitempty"`
}

// PageMeta describes the page returned by a listing. NextPage is absent on
// the last page.
type PageMeta struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	Total    int  `json:"total"`
	NextPage *int `json:"next_page,omitempty"`
}

// ChangeRoleRequest payload.
type ChangeRoleRequest struct {
	Role string `json:"role"`
}

// ChangeStateRequest payload.
type ChangeStateRequest struct {
	State string `json:"state"`
}

// UpdateAccountRequest is a partial update; absent fields stay untouched.
type UpdateAccountRequest struct {
	DisplayName *string `json:"display_name"`
	Email       *string `json:"email"`
	Phone       *string `json:"phone"`
	Password    *string `json:"password"`
	Visibility  *string `json:"visibility"`
	Occupation  *string `json:"occupation"`
	Workplace   *string `json:"workplace"`
	Address     *string `json:"address"`
	PostalCode  *string `json:"postal_code"`
	TaxID       *string `json:"tax_id"`
	Role        *string `json:"role"`
	State       *string `json:"state"`
}
