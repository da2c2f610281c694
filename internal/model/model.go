package model

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleDeveloper Role = "developer"
	RoleEditor    Role = "editor"
)

// CanAdminister reports whether the role may use the admin endpoints.
func (r Role) CanAdminister() bool {
	return r == RoleAdmin || r == RoleDeveloper
}

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDeveloper, RoleEditor:
		return true
	}
	return false
}

// OTPPurpose distinguishes the flows an OTP may be issued for.
type OTPPurpose string

const (
	OTPPurposeLogin OTPPurpose = "login"
	OTPPurposeSetup OTPPurpose = "setup"
)

func (p OTPPurpose) Valid() bool {
	return p == OTPPurposeLogin || p == OTPPurposeSetup
}
