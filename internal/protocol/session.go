package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/syncabletree/internal/annex"
	"pkt.systems/syncabletree/internal/annexmap"
	"pkt.systems/syncabletree/internal/correlation"
	"pkt.systems/syncabletree/internal/loggingutil"
	"pkt.systems/syncabletree/internal/storage"
	"pkt.systems/syncabletree/internal/version"
)

// State is the session lifecycle position.
type State int

// Session states.
const (
	StateUninitialized State = iota
	StatePrepared
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePrepared:
		return "prepared"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Availability values.
const (
	AvailabilityGlobal = "globally-available"
	AvailabilityLocal  = "locally-available"
)

// Default costs by backend locality.
const (
	DefaultLocalCost   = 100
	DefaultNetworkCost = 200
)

// DefaultIdleTimeout bounds the wait for inline STORE bytes.
const DefaultIdleTimeout = 30 * time.Second

// Target is an opened remote.
type Target struct {
	Backend storage.Backend
	// Map is the path-to-key document of the remote.
	Map annexmap.Document
	// UUID identifies the remote; GETUUID fails while it is empty.
	UUID string
}

// Opener opens the remote on INITREMOTE or PREPARE.
type Opener func(ctx context.Context) (Target, error)

// Settings are the values LISTCONFIG advertises and SETCONFIG changes.
type Settings struct {
	// Cost overrides the locality based default when positive.
	Cost int
	// Availability overrides the locality based default when set.
	Availability string
	// UUID overrides the opener's identity when set.
	UUID string
	// IdleTimeout bounds the wait for inline STORE bytes.
	IdleTimeout time.Duration
	// RetrieveReserve is the free space RETRIEVE keeps beyond the content.
	RetrieveReserve uint64
}

// Config wires a Session.
type Config struct {
	Open     Opener
	Resolver annex.Resolver
	Logger   pslog.Logger
	Settings Settings
	// TempDir receives inline STORE content; defaults to os.TempDir.
	TempDir string
	// FreeSpace reports the bytes available at a directory; defaults to a
	// gopsutil disk usage probe.
	FreeSpace func(ctx context.Context, dir string) (uint64, error)
}

// Session drives one control channel.
type Session struct {
	open      Opener
	resolver  annex.Resolver
	logger    pslog.Logger
	settings  Settings
	tempDir   string
	freeSpace func(ctx context.Context, dir string) (uint64, error)

	state  State
	target Target
	desc   storage.Description
	opened bool

	in  *bufio.Reader
	raw io.Reader
	out *bufio.Writer
}

// NewSession validates cfg.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Open == nil {
		return nil, errors.New("protocol: opener required")
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = annex.StaticResolver{}
	}
	settings := cfg.Settings
	if settings.IdleTimeout <= 0 {
		settings.IdleTimeout = DefaultIdleTimeout
	}
	freeSpace := cfg.FreeSpace
	if freeSpace == nil {
		freeSpace = diskFree
	}
	return &Session{
		open:      cfg.Open,
		resolver:  resolver,
		logger:    loggingutil.WithSubsystem(cfg.Logger, "protocol.session"),
		settings:  settings,
		tempDir:   cfg.TempDir,
		freeSpace: freeSpace,
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Serve answers commands from r on w until QUIT, end of input or ctx is
// done at a command boundary. The backend is closed on return.
func (s *Session) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.raw = r
	s.in = bufio.NewReader(r)
	s.out = bufio.NewWriter(w)
	defer s.closeBackend()
	for {
		if ctx.Err() != nil {
			s.logger.Info("protocol.session.cancelled", "state", s.state)
			return nil
		}
		line, err := s.in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("protocol: read command: %w", err)
		}
		if line == "" && err != nil {
			s.logger.Debug("protocol.session.eof", "state", s.state)
			return nil
		}
		if done := s.handleLine(ctx, line); done {
			return s.out.Flush()
		}
		if ferr := s.out.Flush(); ferr != nil {
			return fmt.Errorf("protocol: write response: %w", ferr)
		}
		if err != nil {
			return nil
		}
	}
}

func (s *Session) handleLine(ctx context.Context, line string) bool {
	ctx, logger := correlation.Start(ctx, s.logger)
	cmd, err := Parse(line)
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			logger.Debug("protocol.command.unsupported", "line", strings.TrimSpace(line))
			s.reply("UNSUPPORTED")
			return false
		}
		logger.Debug("protocol.command.malformed", "error", err)
		s.replyError(err)
		return false
	}
	begin := time.Now()
	logger.Trace("protocol.command.begin", "verb", cmd.Verb, "args", cmd.Args, "state", s.state)
	done := s.dispatch(ctx, logger, cmd)
	logger.Debug("protocol.command.done", "verb", cmd.Verb, "key", cmd.Key(), "state", s.state, "elapsed", time.Since(begin))
	return done
}

func (s *Session) dispatch(ctx context.Context, logger pslog.Logger, cmd Command) bool {
	switch cmd.Verb {
	case VerbQuit:
		s.reply("OK")
		s.state = StateClosed
		return true
	case VerbVersion:
		s.reply("VALUE 1")
		s.reply("OK")
		return false
	case VerbInitRemote:
		s.handleInitRemote(ctx, logger)
		return false
	}
	if err := s.requireState(cmd); err != nil {
		if cmd.Inline() {
			s.discardInline(cmd.Size)
		}
		s.replyError(err)
		return false
	}
	switch cmd.Verb {
	case VerbPrepare:
		s.handlePrepare(ctx, logger)
	case VerbTransfer:
		if cmd.Direction() == DirectionStore {
			s.handleStore(ctx, logger, cmd)
		} else {
			s.handleRetrieve(ctx, logger, cmd)
		}
	case VerbCheckPresent:
		s.handleCheckPresent(ctx, cmd)
	case VerbRemove:
		s.handleRemove(ctx, logger, cmd)
	case VerbWhereIs:
		s.handleWhereIs(ctx, cmd)
	case VerbGetCost:
		s.reply("VALUE " + strconv.Itoa(s.cost()))
		s.reply("OK")
	case VerbGetAvailability:
		s.reply("VALUE " + s.availability())
		s.reply("OK")
	case VerbGetUUID:
		s.handleGetUUID()
	case VerbGetInfo:
		s.handleGetInfo()
	case VerbListConfig:
		s.handleListConfig()
	case VerbSetConfig:
		s.handleSetConfig(logger, cmd)
	default:
		s.reply("UNSUPPORTED")
	}
	return false
}

func (s *Session) requireState(cmd Command) error {
	switch s.state {
	case StateUninitialized:
		return errors.New("remote not initialized")
	case StatePrepared:
		if cmd.Verb != VerbPrepare {
			return errors.New("remote not prepared")
		}
	case StateClosed:
		return errors.New("session closed")
	}
	return nil
}

func (s *Session) handleInitRemote(ctx context.Context, logger pslog.Logger) {
	if s.state != StateUninitialized {
		s.reply("OK")
		return
	}
	if err := s.ensureOpen(ctx); err != nil {
		logger.Warn("protocol.initremote.failed", "error", err)
		s.replyError(err)
		return
	}
	if err := storage.Verify(ctx, s.target.Backend); err != nil {
		logger.Warn("protocol.initremote.verify_failed", "error", err)
		s.closeBackend()
		s.replyError(err)
		return
	}
	s.state = StatePrepared
	logger.Info("protocol.initremote.ok", "backend", s.desc.Kind, "location", s.desc.Locator)
	s.reply("OK")
}

func (s *Session) handlePrepare(ctx context.Context, logger pslog.Logger) {
	if err := s.ensureOpen(ctx); err != nil {
		logger.Warn("protocol.prepare.failed", "error", err)
		s.replyError(err)
		return
	}
	s.state = StateReady
	s.reply("OK")
}

func (s *Session) ensureOpen(ctx context.Context) error {
	if s.opened {
		return nil
	}
	target, err := s.open(ctx)
	if err != nil {
		return fmt.Errorf("open remote: %w", err)
	}
	if target.Backend == nil {
		return errors.New("open remote: no backend")
	}
	if target.Map == nil {
		target.Backend.Close()
		return errors.New("open remote: no annexmap")
	}
	s.target = target
	s.desc, _ = storage.Describe(target.Backend)
	s.opened = true
	return nil
}

func (s *Session) closeBackend() {
	if !s.opened {
		return
	}
	if err := s.target.Backend.Close(); err != nil {
		s.logger.Warn("protocol.session.close_backend", "error", err)
	}
	s.opened = false
	s.target = Target{}
}

func (s *Session) handleCheckPresent(ctx context.Context, cmd Command) {
	ok, err := s.target.Backend.Exists(ctx, cmd.Key())
	if err != nil {
		s.replyError(err)
		return
	}
	if ok {
		s.reply("PRESENT")
	} else {
		s.reply("MISSING")
	}
	s.reply("OK")
}

func (s *Session) handleRemove(ctx context.Context, logger pslog.Logger, cmd Command) {
	key := cmd.Key()
	if err := s.target.Backend.Remove(ctx, key); err != nil {
		s.replyError(err)
		return
	}
	var dropped []string
	err := s.target.Map.Update(ctx, func(m *annexmap.Map) (bool, error) {
		dropped = m.RemoveKey(key)
		return len(dropped) > 0, nil
	})
	if err != nil {
		s.replyError(err)
		return
	}
	logger.Debug("protocol.remove.ok", "key", key, "unmapped", len(dropped))
	s.reply("OK")
}

func (s *Session) handleWhereIs(ctx context.Context, cmd Command) {
	m, err := s.target.Map.Read(ctx)
	if err != nil {
		s.replyError(err)
		return
	}
	for _, p := range m.PathsForKey(cmd.Key()) {
		s.reply("VALUE " + p)
	}
	s.reply("OK")
}

func (s *Session) handleGetUUID() {
	id := s.settings.UUID
	if id == "" {
		id = s.target.UUID
	}
	if id == "" {
		s.replyError(errors.New("remote uuid unknown"))
		return
	}
	s.reply("VALUE " + id)
	s.reply("OK")
}

func (s *Session) handleGetInfo() {
	s.reply("VALUE backend " + s.desc.Kind)
	s.reply("VALUE location " + s.desc.Locator)
	s.reply("VALUE annexmap " + s.target.Map.Location())
	s.reply("VALUE version " + version.Current())
	s.reply("OK")
}

var configDescriptions = []struct {
	name string
	desc string
}{
	{"cost", "transfer cost reported to git-annex (positive integer)"},
	{"availability", "globally-available or locally-available"},
	{"uuid", "remote uuid override"},
	{"idle-timeout", "maximum wait for inline transfer bytes (duration)"},
}

func (s *Session) handleListConfig() {
	for _, c := range configDescriptions {
		s.reply("VALUE " + c.name + " " + c.desc)
	}
	s.reply("OK")
}

func (s *Session) handleSetConfig(logger pslog.Logger, cmd Command) {
	name, value := strings.ToLower(cmd.Args[0]), strings.TrimSpace(cmd.Args[1])
	switch name {
	case "cost":
		cost, err := strconv.Atoi(value)
		if err != nil || cost <= 0 {
			s.replyError(fmt.Errorf("invalid cost %q", value))
			return
		}
		s.settings.Cost = cost
	case "availability":
		avail, err := ParseAvailability(value)
		if err != nil {
			s.replyError(err)
			return
		}
		s.settings.Availability = avail
	case "uuid":
		id, err := uuid.Parse(value)
		if err != nil {
			s.replyError(fmt.Errorf("invalid uuid %q", value))
			return
		}
		s.settings.UUID = id.String()
	case "idle-timeout":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			s.replyError(fmt.Errorf("invalid idle-timeout %q", value))
			return
		}
		s.settings.IdleTimeout = d
	default:
		s.replyError(fmt.Errorf("unknown setting %q", name))
		return
	}
	logger.Info("protocol.setconfig", "name", name, "value", value)
	s.reply("OK")
}

// ParseAvailability validates an availability value.
func ParseAvailability(value string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case AvailabilityGlobal, "global":
		return AvailabilityGlobal, nil
	case AvailabilityLocal, "local":
		return AvailabilityLocal, nil
	}
	return "", fmt.Errorf("invalid availability %q", value)
}

func (s *Session) cost() int {
	if s.settings.Cost > 0 {
		return s.settings.Cost
	}
	if s.desc.Local {
		return DefaultLocalCost
	}
	return DefaultNetworkCost
}

func (s *Session) availability() string {
	if s.settings.Availability != "" {
		return s.settings.Availability
	}
	if s.desc.Local {
		return AvailabilityLocal
	}
	return AvailabilityGlobal
}

func (s *Session) reply(line string) {
	_, _ = s.out.WriteString(line)
	_ = s.out.WriteByte('\n')
}

func (s *Session) replyError(err error) {
	s.reply("ERROR " + flatten(err.Error()))
}

// flatten keeps an error message on a single protocol line.
func flatten(msg string) string {
	msg = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, msg)
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "unknown error"
	}
	return msg
}
