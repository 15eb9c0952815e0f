// internal/model/connection.go
package model

const (
	ProviderTwilio   = "twilio"
	ProviderCloudAPI = "cloudapi"
)

// Connection is a business's provider configuration. It is read-only at send time.
type Connection struct {
	ID            int         `db:"id" json:"id"`
	BusinessID    int         `db:"business_id" json:"business_id"`
	Provider      string      `db:"provider" json:"provider"`
	PhoneNumber   string      `db:"phone_number" json:"phone_number"`
	PhoneNumberID string      `db:"phone_number_id" json:"phone_number_id,omitempty"`
	Credentials   Credentials `db:"credentials" json:"-"`
}

// Credentials is stored as a JSON document on the connection row.
type Credentials struct {
	AccountSID  string `json:"account_sid,omitempty"`
	AuthToken   string `json:"auth_token,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
	AppSecret   string `json:"app_secret,omitempty"`
	VerifyToken string `json:"verify_token,omitempty"`
}
