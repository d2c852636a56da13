package account

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
)

// ErrUnknownUser is returned when an account name does not exist on the host
var ErrUnknownUser = errors.New("unknown user")

// Account is a resolved system account
type Account struct {
	Name string
	UID  int
	GID  int
	Home string
}

// Lookup resolves an account by name, or by numeric uid when name is all digits.
func Lookup(name string) (*Account, error) {
	if name == "" {
		return nil, fmt.Errorf("empty user name: %w", ErrUnknownUser)
	}

	u, err := user.Lookup(name)
	if err != nil {
		var unknown user.UnknownUserError
		if !errors.As(err, &unknown) {
			return nil, fmt.Errorf("failed to look up user %q: %w", name, err)
		}
		if _, convErr := strconv.Atoi(name); convErr != nil {
			return nil, fmt.Errorf("%q: %w", name, ErrUnknownUser)
		}
		u, err = user.LookupId(name)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", name, ErrUnknownUser)
		}
	}

	return fromUser(u)
}

// Invoking returns the name of the account that started the tool. USER names
// it, unless the tool runs under sudo and USER still names the effective
// account, in which case SUDO_USER does. Without USER the current account is
// used.
func Invoking(getenv func(string) string) (string, error) {
	name := getenv("USER")
	if sudoUser := getenv("SUDO_USER"); sudoUser != "" && os.Geteuid() == 0 {
		if name == "" || name == effectiveName() {
			return sudoUser, nil
		}
	}
	if name != "" {
		return name, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("failed to determine invoking user: %w", err)
	}
	return u.Username, nil
}

// effectiveName returns the account name of the effective uid, or "" if the
// user database has no entry for it.
func effectiveName() string {
	u, err := user.LookupId(strconv.Itoa(os.Geteuid()))
	if err != nil {
		return ""
	}
	return u.Username
}

func fromUser(u *user.User) (*Account, error) {
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("non-numeric uid %q for %s", u.Uid, u.Username)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("non-numeric gid %q for %s", u.Gid, u.Username)
	}
	return &Account{
		Name: u.Username,
		UID:  uid,
		GID:  gid,
		Home: u.HomeDir,
	}, nil
}
