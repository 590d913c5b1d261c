package headspa

// Session is a snapshot of the session provider: who is signed in and with
// which token. Resolving is true while the provider has not settled yet.
type Session struct {
	User      *User
	Token     string
	Resolving bool
}

// IsAuthenticated reports whether the session carries a settled identity.
func (s Session) IsAuthenticated() bool {
	return !s.Resolving && s.User != nil && s.User.ID != ""
}

// TokenSource returns a TokenSource yielding the session token.
func (s Session) TokenSource() TokenSource {
	return StaticToken(s.Token)
}
