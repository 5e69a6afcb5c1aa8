// Package interactive provides the interactive command-line interface
// for thi-tunnel.
package interactive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/neuland-ingolstadt/thi-tunnel/pkg/api"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/cache"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/codec"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/session"
)

// errQuit ends the command loop.
var errQuit = errors.New("quit")

// Shell runs backend commands typed at a prompt.
type Shell struct {
	client    *api.Client
	manager   *session.Manager
	responses *cache.Cache[json.RawMessage]

	rl  *readline.Instance
	out io.Writer
}

// New creates a shell with a readline prompt.
func New(client *api.Client, manager *session.Manager, responses *cache.Cache[json.RawMessage]) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "thi> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	s := NewWithOutput(client, manager, responses, rl.Stdout())
	s.rl = rl
	return s, nil
}

// NewWithOutput creates a shell without a prompt that writes to out.
// Passwords must then be given on the command line.
func NewWithOutput(client *api.Client, manager *session.Manager, responses *cache.Cache[json.RawMessage], out io.Writer) *Shell {
	return &Shell{
		client:    client,
		manager:   manager,
		responses: responses,
		out:       out,
	}
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (s *Shell) Stdout() io.Writer {
	return s.out
}

// Run starts the interactive command loop.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}

		if err := s.Exec(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				fmt.Fprintln(s.out, "Exiting...")
				cancel()
				return
			}
			fmt.Fprintf(s.out, "Error: %v\n", err)
		}
	}
}

// Exec runs one command line.
func (s *Shell) Exec(ctx context.Context, line string) error {
	input := strings.TrimSpace(line)
	if input == "" {
		return nil
	}

	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
		return nil

	case "login":
		return s.cmdLogin(ctx, args)

	case "guest":
		if err := s.manager.GuestLogin(ctx); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "Logged in as guest")
		return nil

	case "call", "c":
		return s.cmdCall(ctx, args)

	case "cached":
		return s.cmdCached(ctx, args)

	case "alive":
		return s.cmdAlive(ctx)

	case "status", "s":
		return s.cmdStatus(ctx)

	case "flush":
		s.responses.Flush()
		fmt.Fprintln(s.out, "Cache flushed")
		return nil

	case "logout":
		if err := s.manager.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "Logged out")
		return nil

	case "quit", "exit", "q":
		return errQuit

	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
}

func (s *Shell) cmdLogin(ctx context.Context, args []string) error {
	persist := false
	var rest []string
	for _, a := range args {
		if a == "--persist" || a == "-p" {
			persist = true
			continue
		}
		rest = append(rest, a)
	}
	if len(rest) == 0 {
		return errors.New("usage: login <user> [password] [--persist]")
	}

	username := rest[0]
	var password string
	switch {
	case len(rest) > 1:
		password = rest[1]
	case s.rl != nil:
		pw, err := s.rl.ReadPassword("password: ")
		if err != nil {
			return err
		}
		password = string(pw)
	default:
		return errors.New("no password given")
	}

	if err := s.manager.Login(ctx, username, password, persist); err != nil {
		return err
	}

	student, err := s.manager.IsStudent(ctx)
	if err != nil {
		return err
	}
	role := "employee"
	if student {
		role = "student"
	}
	fmt.Fprintf(s.out, "Logged in as %s (%s)\n", session.NormalizeUsername(username, session.DefaultDomain), role)
	return nil
}

func (s *Shell) cmdCall(ctx context.Context, args []string) error {
	params, err := parseCall(args)
	if err != nil {
		return errors.New("usage: call <service> <method> [key=value ...]")
	}

	payload, err := session.Do(ctx, s.manager, func(ctx context.Context, token string) (json.RawMessage, error) {
		return s.client.Call(ctx, token, params)
	})
	if err != nil {
		return err
	}
	return s.printJSON(payload)
}

func (s *Shell) cmdCached(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return errors.New("usage: cached <key> <service> <method> [key=value ...]")
	}
	key := args[0]
	params, err := parseCall(args[1:])
	if err != nil {
		return err
	}

	if wait, ok := s.responses.InBackoff(key); ok {
		fmt.Fprintf(s.out, "(%s is backing off for %s)\n", key, wait.Round(time.Second))
	}

	payload, err := session.Cached(ctx, s.manager, s.responses, key, func(ctx context.Context, token string) (json.RawMessage, error) {
		return s.client.Call(ctx, token, params)
	})
	if err != nil {
		return err
	}
	return s.printJSON(payload)
}

func (s *Shell) cmdAlive(ctx context.Context) error {
	var alive bool
	err := s.manager.CallWithSession(ctx, func(ctx context.Context, token string) error {
		var err error
		alive, err = s.client.IsAlive(ctx, token)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Session alive: %v\n", alive)
	return nil
}

func (s *Shell) cmdStatus(ctx context.Context) error {
	state, err := s.manager.Load(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Session:       %s\n", state)
	if state == session.StateActive || state == session.StateExpired {
		student, err := s.manager.IsStudent(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Student:       %v\n", student)
	}
	fmt.Fprintf(s.out, "Cached keys:   %d\n", s.responses.Len())
	return nil
}

func (s *Shell) printJSON(payload json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		// Not JSON; print as received.
		fmt.Fprintln(s.out, string(payload))
		return nil
	}
	fmt.Fprintln(s.out, buf.String())
	return nil
}

// parseCall builds request parameters from "<service> <method> key=value...".
// format=json is added unless given.
func parseCall(args []string) (codec.Params, error) {
	if len(args) < 2 {
		return nil, errors.New("service and method required")
	}
	params := codec.Params{
		{Key: "service", Value: args[0]},
		{Key: "method", Value: args[1]},
	}
	for _, kv := range args[2:] {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q (want key=value)", kv)
		}
		params.Add(key, value)
	}
	if params.Get("format") == "" {
		params.Add("format", "json")
	}
	return params, nil
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
thi-tunnel Commands:
  Session:
    login <user> [pw] [--persist] - Log in (prompts for the password if omitted)
    guest                         - Continue as guest
    logout                        - Log out and forget stored credentials
    alive                         - Ask the backend whether the session is alive
    status                        - Show session and cache status

  Requests:
    call <service> <method> [k=v ...]         - Authenticated backend call
    cached <key> <service> <method> [k=v ...] - Call through the response cache
    flush                                     - Drop all cached responses

  General:
    help                          - Show this help
    quit                          - Exit`)
}
