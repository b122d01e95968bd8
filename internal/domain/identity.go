package domain

// Identity is the pre-validated user identity supplied by the auth
// collaborator. The engine trusts it and never verifies tokens itself.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Color    string `json:"color,omitempty"`
}
