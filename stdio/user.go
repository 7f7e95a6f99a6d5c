package stdio

import (
	"os/user"
)

// UserProvider names the local peer. The name is recorded as the remote
// address of the session's RequestInfo.
type UserProvider interface {
	CurrentUserID() (string, error)
}

// OSUserProvider reports the current OS user name, falling back to the uid.
type OSUserProvider struct{}

func (OSUserProvider) CurrentUserID() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return u.Uid, nil
}

// StaticUser is a UserProvider that always returns itself.
type StaticUser string

func (s StaticUser) CurrentUserID() (string, error) { return string(s), nil }
