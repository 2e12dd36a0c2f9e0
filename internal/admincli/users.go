package admincli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"
	"lds.li/idsrv/internal/adminapi"
)

type ListUsersCmd struct {
	Output io.Writer `kong:"-"`
}

func (c *ListUsersCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}

	users, err := adminapi.NewClient(adminSocket).ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Fprintf(c.Output, "No users found.\n")
		return nil
	}

	w := tabwriter.NewWriter(c.Output, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tUsername\tName\tEmail\tRoles\tActive\n")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
			u.ID,
			u.Username,
			u.Name,
			u.Email,
			strings.Join(u.Roles, ","),
			u.Active,
		)
	}
	return w.Flush()
}

type AddUserCmd struct {
	Username      string   `arg:"" help:"Login name of the user."`
	Name          string   `help:"Full name of the user."`
	Email         string   `help:"Email address of the user."`
	EmailVerified bool     `help:"Mark the email address as verified."`
	Role          []string `name:"role" help:"Role to assign, may be repeated."`
	Group         []string `name:"group" help:"Group to assign, may be repeated."`

	// Input is where the password is read from, when it is not a terminal.
	Input  io.Reader `kong:"-"`
	Output io.Writer `kong:"-"`
}

func (c *AddUserCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}
	password, err := c.readPassword()
	if err != nil {
		return err
	}

	u, err := adminapi.NewClient(adminSocket).CreateUser(ctx, &adminapi.CreateUserRequest{
		Username:      c.Username,
		Name:          c.Name,
		Email:         c.Email,
		EmailVerified: c.EmailVerified,
		Roles:         c.Role,
		Groups:        c.Group,
		Password:      password,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Output, "User created.\n")
	fmt.Fprintf(c.Output, "ID: %s\n", u.ID)
	return nil
}

// readPassword prompts without echo on a terminal, otherwise it reads the
// first line of input.
func (c *AddUserCmd) readPassword() (string, error) {
	if c.Input == nil && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintf(os.Stderr, "Password: ")
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		if len(b) == 0 {
			return "", errors.New("password is required")
		}
		return string(b), nil
	}
	in := c.Input
	if in == nil {
		in = os.Stdin
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is required")
	}
	return line, nil
}

type SetUserActiveCmd struct {
	ID    string `arg:"" help:"ID of the user."`
	State string `arg:"" enum:"active,inactive" help:"active to enable the user, inactive to disable them and revoke their grants."`

	Output io.Writer `kong:"-"`
}

func (c *SetUserActiveCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}
	active := c.State == "active"
	if err := adminapi.NewClient(adminSocket).SetUserActive(ctx, c.ID, active); err != nil {
		return err
	}
	if active {
		fmt.Fprintf(c.Output, "User enabled.\n")
	} else {
		fmt.Fprintf(c.Output, "User disabled, their grants have been revoked.\n")
	}
	return nil
}
