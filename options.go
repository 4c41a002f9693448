package bunrui

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	logger          *slog.Logger
	version         string
	toolTypes       []toolTypeReg
	collaborators   map[string]Collaborator
	extraMigrations []fs.FS
}

type toolTypeReg struct {
	code        int
	name        string
	dispatchKey string
}

// WithPort overrides the TCP port from config (BUNRUI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithToolType registers an additional classification code at startup, beyond
// the built-in codes. Registration happens once, before the server accepts
// requests; re-registering a code with different attributes fails App
// construction. dispatchKey may be empty for codes with no dispatch target.
func WithToolType(code int, name, dispatchKey string) Option {
	return func(o *resolvedOptions) {
		o.toolTypes = append(o.toolTypes, toolTypeReg{code: code, name: name, dispatchKey: dispatchKey})
	}
}

// WithCollaborator binds a collaborator to a dispatch key. Terminal runs
// whose tool type carries that key are delivered to it by the outbox worker.
// If the collaborator also implements Canceller, it receives cancellation
// advisories. Only one collaborator per key — the last call wins.
func WithCollaborator(dispatchKey string, c Collaborator) Option {
	return func(o *resolvedOptions) {
		if o.collaborators == nil {
			o.collaborators = map[string]Collaborator{}
		}
		o.collaborators[dispatchKey] = c
	}
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the embedded migrations. Multiple filesystems may be registered;
// they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
