// Package cli parses and runs the billing binary's operational subcommands.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// Subcommands of the billing binary.
const (
	CmdServe         = "serve"
	CmdMigrate       = "migrate"
	CmdJobsTrigger   = "jobs trigger"
	CmdJobsInspect   = "jobs inspect"
	CmdJobsScheduled = "jobs scheduled"
	CmdLedgerVerify  = "ledger verify"
)

// ErrUsage reports an unknown subcommand or malformed flags.
var ErrUsage = errors.New("usage: billing [serve | migrate | jobs trigger <generate|verify> [-period YYYY-MM|previous] [-ids a,b] | jobs inspect | jobs scheduled [-size n] | ledger verify [-ids a,b]]")

// Command is a parsed invocation.
type Command struct {
	Name   string
	Job    string
	Period string
	IDs    []uuid.UUID
	Size   int
}

// Parse reads os.Args[1:]. No arguments means serve.
func Parse(args []string, stderr io.Writer) (Command, error) {
	if len(args) == 0 || args[0] == CmdServe {
		return Command{Name: CmdServe}, nil
	}
	if args[0] == CmdMigrate && len(args) == 1 {
		return Command{Name: CmdMigrate}, nil
	}
	if len(args) < 2 {
		return Command{}, ErrUsage
	}
	cmd := Command{Name: args[0] + " " + args[1]}
	rest := args[2:]
	switch cmd.Name {
	case CmdJobsTrigger:
		if len(rest) == 0 {
			return Command{}, ErrUsage
		}
		cmd.Job, rest = rest[0], rest[1:]
		if cmd.Job != JobGenerate && cmd.Job != JobVerify {
			return Command{}, fmt.Errorf("%w: unknown job %q", ErrUsage, cmd.Job)
		}
	case CmdJobsInspect, CmdJobsScheduled, CmdLedgerVerify:
	default:
		return Command{}, ErrUsage
	}

	fs := flag.NewFlagSet(cmd.Name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cmd.Period, "period", "", "billing month (YYYY-MM) or \"previous\"")
	fs.IntVar(&cmd.Size, "size", 10, "number of scheduled tasks to list")
	ids := fs.String("ids", "", "comma separated Division or aggregate ids")
	if err := fs.Parse(rest); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	parsed, err := parseIDs(*ids)
	if err != nil {
		return Command{}, err
	}
	cmd.IDs = parsed
	return cmd, nil
}

func parseIDs(raw string) ([]uuid.UUID, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []uuid.UUID
	for _, part := range strings.Split(raw, ",") {
		id, err := uuid.Parse(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("%w: id %q: %v", ErrUsage, part, err)
		}
		out = append(out, id)
	}
	return out, nil
}
