package dtos

// AuthResponse is the payload of GET /v2/auth: whether streaming is allowed
// for this SDK key, plus the short-lived channel-scoped JWT.
type AuthResponse struct {
	PushEnabled bool   `json:"pushEnabled"`
	Token       string `json:"token"`
}
