package domain

import (
	"time"
)

// Session represents an authenticated account together with its
// synchronized profile document. A zero UID means no one is signed in.
type Session struct {
	UID                string    `json:"uid"`
	Email              string    `json:"email"`
	DisplayName        string    `json:"display_name"`
	IDToken            string    `json:"-"`
	RefreshToken       string    `json:"-"`
	GoogleSignIn       bool      `json:"google_sign_in"`
	ProfilePicturePath string    `json:"profile_picture_path,omitempty"`
	Profile            Profile   `json:"profile"`
	AuthenticatedAt    time.Time `json:"authenticated_at"`
}
