package models

// Cookie is one entry of the cookie jar prepared by the login bootstrap flow.
type Cookie struct {
	Name     string   `json:"name"`
	Value    string   `json:"value"`
	Domain   string   `json:"domain"`
	Path     string   `json:"path"`
	Expires  *float64 `json:"expires,omitempty"`
	Secure   *bool    `json:"secure,omitempty"`
	HTTPOnly *bool    `json:"httpOnly,omitempty"`
	SameSite string   `json:"sameSite,omitempty"`
}
