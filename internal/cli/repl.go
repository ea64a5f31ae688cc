// Package cli is the interactive front end of a session instance.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/spec-kit/inspect-session/internal/auth"
	"github.com/spec-kit/inspect-session/internal/domain"
	apperrors "github.com/spec-kit/inspect-session/pkg/util"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// Session is the command surface the REPL drives.
type Session interface {
	Login(ctx context.Context, creds domain.Credentials) error
	Logout(ctx context.Context) error
	Refresh(ctx context.Context) error
	Status() domain.RefreshStatus
	CurrentToken() *auth.Token
	User() *domain.User
	Eligible() bool
}

const helpText = `Available commands:
  login <email>  sign in (password is read without echo)
  logout         sign out on every instance
  status         show refresh status and token expiry
  whoami         show the signed-in user
  refresh        force a token refresh
  help           show this help
  exit | quit    leave the program`

// Run reads commands from in until EOF, exit or quit. Command failures are
// printed and never end the loop.
func Run(ctx context.Context, s Session, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(out, "Inspection session CLI (type 'help' for commands)")

	for {
		fmt.Fprintf(out, "inspect %s> ", prompt(s))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		switch cmd {
		case "help":
			fmt.Fprintln(out, helpText)
		case "login":
			if len(args) != 1 {
				fmt.Fprintln(out, "Usage: login <email>")
				continue
			}
			login(ctx, s, args[0], out)
		case "logout":
			if err := s.Logout(ctx); err != nil {
				fmt.Fprintln(out, "Logout failed:", describe(err))
				continue
			}
			fmt.Fprintln(out, "Logged out.")
		case "status":
			printStatus(s, out)
		case "whoami":
			u := s.User()
			if u == nil {
				fmt.Fprintln(out, "Not signed in.")
				continue
			}
			fmt.Fprintf(out, "%s <%s> roles=%s\n", u.DisplayName(), u.Email, strings.Join(u.Roles, ","))
		case "refresh":
			if err := s.Refresh(ctx); err != nil {
				fmt.Fprintln(out, "Refresh failed:", describe(err))
				continue
			}
			fmt.Fprintln(out, "Token refreshed.")
		case "exit", "quit":
			fmt.Fprintln(out, "Bye!")
			return
		default:
			fmt.Fprintln(out, "Unknown command:", cmd)
		}
	}
}

func login(ctx context.Context, s Session, email string, out io.Writer) {
	fmt.Fprint(out, "Enter password: ")
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		fmt.Fprintln(out, "Could not read password:", err)
		return
	}

	err = s.Login(ctx, domain.Credentials{Email: email, Password: string(pw)})
	for i := range pw {
		pw[i] = 0
	}
	if err != nil {
		fmt.Fprintln(out, "Login failed:", describe(err))
		return
	}
	if u := s.User(); u != nil {
		fmt.Fprintf(out, "Welcome, %s.\n", u.DisplayName())
		return
	}
	fmt.Fprintln(out, "Logged in.")
}

func printStatus(s Session, out io.Writer) {
	fmt.Fprintf(out, "status:   %s\n", s.Status())
	fmt.Fprintf(out, "eligible: %t\n", s.Eligible())
	if tok := s.CurrentToken(); tok != nil {
		fmt.Fprintf(out, "token:    expires %s (in %s)\n",
			tok.ExpiresAt.Local().Format(time.RFC3339),
			time.Until(tok.ExpiresAt).Round(time.Second))
		return
	}
	fmt.Fprintln(out, "token:    none")
}

func prompt(s Session) string {
	if u := s.User(); u != nil {
		return fmt.Sprintf("(%s %s)", u.Email, strings.ToLower(s.Status().String()))
	}
	return fmt.Sprintf("(%s)", strings.ToLower(s.Status().String()))
}

func describe(err error) string {
	if de := apperrors.ToDomainError(err); de != nil && de.Code != apperrors.CodeInternal {
		return fmt.Sprintf("%s (%s)", de.Message, de.Code)
	}
	return err.Error()
}
