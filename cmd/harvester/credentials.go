package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/CZERTAINLY/Harvester/internal/model"
	"golang.org/x/term"
)

const (
	passwordEnv = "HARVESTER_PASSWORD"
	defaultUser = "root"
)

// credentials are read once, the password comes from the environment or
// from an interactive prompt
func credentials(user string) (model.Credentials, error) {
	if user == "" {
		user = defaultUser
	}
	if password, ok := os.LookupEnv(passwordEnv); ok {
		return model.Credentials{User: user, Password: password}, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return model.Credentials{}, fmt.Errorf("%w: no terminal to ask for a password, set %s", model.ErrStartup, passwordEnv)
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", user)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return model.Credentials{}, fmt.Errorf("%w: reading password: %w", model.ErrStartup, err)
	}
	password := strings.TrimRight(string(b), "\r\n")
	if password == "" {
		return model.Credentials{}, fmt.Errorf("%w: empty password", model.ErrStartup)
	}
	return model.Credentials{User: user, Password: password}, nil
}
