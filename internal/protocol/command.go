// Package protocol implements the git-annex external special remote line
// protocol spoken over stdin and stdout.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Command verbs. Aliases are folded into their canonical verb by Parse.
const (
	VerbInitRemote      = "INITREMOTE"
	VerbPrepare         = "PREPARE"
	VerbTransfer        = "TRANSFER"
	VerbCheckPresent    = "CHECKPRESENT"
	VerbRemove          = "REMOVE"
	VerbWhereIs         = "WHEREIS"
	VerbGetCost         = "GETCOST"
	VerbGetAvailability = "GETAVAILABILITY"
	VerbGetUUID         = "GETUUID"
	VerbGetInfo         = "GETINFO"
	VerbListConfig      = "LISTCONFIG"
	VerbSetConfig       = "SETCONFIG"
	VerbVersion         = "VERSION"
	VerbQuit            = "QUIT"
)

// Transfer directions.
const (
	DirectionStore    = "STORE"
	DirectionRetrieve = "RETRIEVE"
)

// InlinePath marks a STORE whose content follows on the control channel.
const InlinePath = "-"

var (
	// ErrMalformedCommand reports a known verb with bad arguments.
	ErrMalformedCommand = errors.New("malformed command")
	// ErrUnsupported reports an unknown verb.
	ErrUnsupported = errors.New("unsupported command")
	// ErrPartialTransfer reports content shorter or longer than declared.
	ErrPartialTransfer = errors.New("partial transfer")
)

var aliases = map[string]string{
	"COST": VerbGetCost,
	"EXIT": VerbQuit,
}

// arity is the number of fields following the verb. The last field of a
// command takes the remainder of the line, so paths may contain spaces.
var arity = map[string]int{
	VerbInitRemote:      0,
	VerbPrepare:         0,
	VerbTransfer:        4,
	VerbCheckPresent:    1,
	VerbRemove:          1,
	VerbWhereIs:         1,
	VerbGetCost:         0,
	VerbGetAvailability: 0,
	VerbGetUUID:         0,
	VerbGetInfo:         0,
	VerbListConfig:      0,
	VerbSetConfig:       2,
	VerbVersion:         0,
	VerbQuit:            0,
}

// Command is one parsed control-channel line.
type Command struct {
	Verb string
	Args []string
	// Size is the declared byte count of a TRANSFER.
	Size int64
}

// Direction returns the TRANSFER direction.
func (c Command) Direction() string { return c.arg(0) }

// Key returns the content key of TRANSFER, CHECKPRESENT, REMOVE and WHEREIS.
func (c Command) Key() string {
	if c.Verb == VerbTransfer {
		return c.arg(1)
	}
	return c.arg(0)
}

// Path returns the local file of a TRANSFER.
func (c Command) Path() string { return c.arg(3) }

// Inline reports a STORE whose bytes follow the command line.
func (c Command) Inline() bool {
	return c.Verb == VerbTransfer && c.Direction() == DirectionStore && c.Path() == InlinePath
}

func (c Command) arg(i int) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return ""
}

// Parse tokenizes line into a Command.
func Parse(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Command{}, fmt.Errorf("%w: empty line", ErrMalformedCommand)
	}
	verb, rest, _ := strings.Cut(strings.TrimLeft(line, " "), " ")
	verb = strings.ToUpper(verb)
	if canonical, ok := aliases[verb]; ok {
		verb = canonical
	}
	n, ok := arity[verb]
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrUnsupported, verb)
	}
	cmd := Command{Verb: verb}
	if n == 0 {
		if strings.TrimSpace(rest) != "" {
			return Command{}, fmt.Errorf("%w: %s takes no arguments", ErrMalformedCommand, verb)
		}
		return cmd, nil
	}
	args := splitN(rest, n)
	if len(args) != n {
		return Command{}, fmt.Errorf("%w: %s expects %d argument(s), got %d", ErrMalformedCommand, verb, n, len(args))
	}
	cmd.Args = args
	if key := cmd.Key(); verb != VerbSetConfig && strings.ContainsAny(key, " \t") {
		return Command{}, fmt.Errorf("%w: key %q contains whitespace", ErrMalformedCommand, key)
	}
	if verb == VerbTransfer {
		switch strings.ToUpper(args[0]) {
		case DirectionStore, DirectionRetrieve:
			cmd.Args[0] = strings.ToUpper(args[0])
		default:
			return Command{}, fmt.Errorf("%w: unknown transfer direction %q", ErrMalformedCommand, args[0])
		}
		size, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil || size < 0 {
			return Command{}, fmt.Errorf("%w: invalid size %q", ErrMalformedCommand, args[2])
		}
		cmd.Size = size
		if cmd.Args[0] == DirectionRetrieve && args[3] == InlinePath {
			return Command{}, fmt.Errorf("%w: retrieve needs a destination path", ErrMalformedCommand)
		}
	}
	return cmd, nil
}

// splitN splits s on single spaces into at most n fields; the last field
// keeps the remainder verbatim.
func splitN(s string, n int) []string {
	var out []string
	for len(out) < n-1 {
		s = strings.TrimLeft(s, " ")
		if s == "" {
			return out
		}
		field, rest, found := strings.Cut(s, " ")
		out = append(out, field)
		if !found {
			return out
		}
		s = rest
	}
	s = strings.TrimLeft(s, " ")
	if s != "" {
		out = append(out, s)
	}
	return out
}
