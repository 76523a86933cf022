package message

// AuthSetUser replaces the current user. A nil User signs out.
type AuthSetUser struct {
	User *User
}

func (AuthSetUser) Type() string { return "auth:set-user" }

// AuthGetUser asks the auth actor to republish AuthChanged.
type AuthGetUser struct{}

func (AuthGetUser) Type() string { return "auth:get-user" }

// AuthSignOut is equivalent to AuthSetUser{User: nil}.
type AuthSignOut struct{}

func (AuthSignOut) Type() string { return "auth:sign-out" }

// AuthError records an authentication failure without changing the user.
type AuthError struct {
	Err error
}

func (AuthError) Type() string { return "auth:error" }

// AuthChanged carries the auth actor's current identity.
type AuthChanged struct {
	User *User
	Err  error
}

func (AuthChanged) Type() string { return "auth:changed" }
