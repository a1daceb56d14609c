package syncabletree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/syncabletree/internal/annex"
	"pkt.systems/syncabletree/internal/annexmap"
	"pkt.systems/syncabletree/internal/clock"
	"pkt.systems/syncabletree/internal/loggingutil"
	"pkt.systems/syncabletree/internal/protocol"
	"pkt.systems/syncabletree/internal/reconcile"
	"pkt.systems/syncabletree/internal/storage"
)

// ErrGitDisabled is returned by operations that need the git-annex work tree
// while Config.DisableGit is set.
var ErrGitDisabled = errors.New("syncabletree: git integration disabled")

// Option configures a Remote.
type Option func(*options)

type options struct {
	Logger  pslog.Logger
	Backend storage.Backend
	Clock   clock.Clock
	Runner  annex.Runner
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithRunner replaces the command runner used for git-annex calls.
func WithRunner(r annex.Runner) Option {
	return func(o *options) {
		o.Runner = r
	}
}

// Remote assembles protocol sessions and reconcilers for one configured store.
type Remote struct {
	cfg     Config
	logger  pslog.Logger
	clock   clock.Clock
	backend storage.Backend
	runner  annex.Runner
}

// NewRemote validates cfg and returns a Remote.
func NewRemote(cfg Config, opts ...Option) (*Remote, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	runner := o.Runner
	if runner == nil {
		runner = &annex.Executor{Dir: cfg.WorkTree, Logger: loggingutil.WithSubsystem(logger, "annex.exec")}
	}
	return &Remote{
		cfg:     cfg,
		logger:  logger,
		clock:   clk,
		backend: o.Backend,
		runner:  runner,
	}, nil
}

// Config returns the validated configuration.
func (r *Remote) Config() Config { return r.cfg }

// RemoteUUID derives a stable remote identity from a credential-free store
// locator.
func RemoteUUID(locator string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(locator)).String()
}

// Open builds the backend and resolves the remote identity and annexmap
// location. The caller owns the returned backend.
func (r *Remote) Open(ctx context.Context) (protocol.Target, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Target{}, err
	}
	backend := r.backend
	if backend == nil {
		var err error
		backend, err = OpenBackend(r.cfg, r.logger, r.clock)
		if err != nil {
			return protocol.Target{}, err
		}
	}
	id := r.cfg.UUID
	if id == "" {
		locator := r.cfg.Store
		if desc, ok := storage.Describe(backend); ok && desc.Locator != "" {
			locator = desc.Locator
		}
		id = RemoteUUID(locator)
	}
	doc, err := r.AnnexMap(backend, id)
	if err != nil {
		_ = backend.Close()
		return protocol.Target{}, err
	}
	r.logger.Debug("remote.open", "store", r.cfg.Store, "uuid", id, "annexmap", doc.Location())
	return protocol.Target{Backend: backend, Map: doc, UUID: id}, nil
}

// AnnexMap returns the path-to-key document of the remote: the explicit
// override, the root of a disk store, a reserved object inside stores that
// keep documents, or a per-uuid file under the state directory.
func (r *Remote) AnnexMap(backend storage.Backend, remoteUUID string) (annexmap.Document, error) {
	if r.cfg.AnnexMap != "" {
		p, err := filepath.Abs(r.cfg.AnnexMap)
		if err != nil {
			return nil, err
		}
		return annexmap.File(p), nil
	}
	if root, ok := r.diskRoot(); ok {
		return annexmap.File(filepath.Join(root, storage.AnnexMapName)), nil
	}
	dir := r.cfg.StateDir
	if dir == "" {
		var err error
		dir, err = DefaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve state dir: %w", err)
		}
	}
	if remoteUUID == "" {
		return nil, errors.New("syncabletree: remote uuid required for annexmap location")
	}
	if docs, ok := storage.Documents(backend); ok {
		locator := r.cfg.Store
		if desc, ok := storage.Describe(backend); ok && desc.Locator != "" {
			locator = desc.Locator
		}
		return annexmap.NewObjectDocument(docs, storage.AnnexMapName, documentLocator(locator, storage.AnnexMapName), filepath.Join(dir, remoteUUID+".lock")), nil
	}
	return annexmap.File(filepath.Join(dir, remoteUUID+".json")), nil
}

// documentLocator appends name to the path of a store locator, keeping any
// query in place.
func documentLocator(locator, name string) string {
	u, err := url.Parse(locator)
	if err != nil {
		return strings.TrimSuffix(locator, "/") + "/" + name
	}
	u.Path = path.Join("/", u.Path, name)
	return u.String()
}

func (r *Remote) diskRoot() (string, bool) {
	u, err := url.Parse(r.cfg.Store)
	if err != nil || u.Scheme != "disk" {
		return "", false
	}
	_, root, err := BuildDiskConfig(r.cfg)
	if err != nil {
		return "", false
	}
	return root, true
}

func (r *Remote) resolver() annex.Resolver {
	if r.cfg.DisableGit {
		return annex.StaticResolver{}
	}
	return annex.GitResolver{Runner: r.runner}
}

// NewSession returns a protocol session that opens the remote on
// INITREMOTE or PREPARE.
func (r *Remote) NewSession() (*protocol.Session, error) {
	return protocol.NewSession(protocol.Config{
		Open:     r.Open,
		Resolver: r.resolver(),
		Logger:   r.logger,
		Settings: protocol.Settings{
			Cost:            r.cfg.Cost,
			Availability:    r.cfg.Availability,
			IdleTimeout:     r.cfg.IdleTimeout,
			RetrieveReserve: r.cfg.RetrieveReserveBytes(),
		},
		TempDir: r.cfg.TempDir,
	})
}

// Serve speaks the remote protocol on in and out until QUIT or end of input.
func (r *Remote) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	session, err := r.NewSession()
	if err != nil {
		return err
	}
	return session.Serve(ctx, in, out)
}

// OpenReconciler opens the remote and returns a reconciler registering
// imports in the work tree. The caller closes target.Backend.
func (r *Remote) OpenReconciler(ctx context.Context) (*reconcile.Reconciler, protocol.Target, error) {
	if r.cfg.DisableGit {
		return nil, protocol.Target{}, ErrGitDisabled
	}
	target, err := r.Open(ctx)
	if err != nil {
		return nil, protocol.Target{}, err
	}
	rec, err := reconcile.New(reconcile.Config{
		Backend:       target.Backend,
		Map:           target.Map,
		Registrar:     annex.GitRegistrar{Runner: r.runner},
		Logger:        r.logger,
		Commit:        !r.cfg.NoCommit,
		CommitMessage: r.cfg.CommitMessage,
	})
	if err != nil {
		_ = target.Backend.Close()
		return nil, protocol.Target{}, err
	}
	return rec, target, nil
}

// WatchConfig returns the watch settings of the remote. Disk stores are
// watched through filesystem events; every other store is polled.
func (r *Remote) WatchConfig() reconcile.WatchConfig {
	cfg := reconcile.WatchConfig{
		Interval: r.cfg.WatchInterval,
		Debounce: r.cfg.WatchDebounce,
		Clock:    r.clock,
	}
	if root, ok := r.diskRoot(); ok {
		cfg.Dirs = []string{root}
	}
	return cfg
}
