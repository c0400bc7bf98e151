// Package integration wires one configured account into a running entry:
// API client, signal bus, update coordinator, platforms and the commands
// exposed to the outside.
//
// Lifecycle:
//  1. Setup validates the credentials, builds the components, connects the
//     platforms and starts the periodic update
//  2. Call runs a registered command such as "update"
//  3. Unload disconnects the platforms, cancels the update and closes the
//     client
package integration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/blueconnect/internal/api"
	"github.com/tejusbharadwaj/blueconnect/internal/coordinator"
	"github.com/tejusbharadwaj/blueconnect/internal/dispatcher"
	"github.com/tejusbharadwaj/blueconnect/internal/entity"
	"github.com/tejusbharadwaj/blueconnect/internal/platform"
	"github.com/tejusbharadwaj/blueconnect/internal/registry"
	"github.com/tejusbharadwaj/blueconnect/internal/scheduler"
)

// Domain is the command namespace of the integration
const Domain = "blue_connect"

// ServiceUpdate forces an immediate fetch
const ServiceUpdate = "update"

var (
	ErrUnknownService = errors.New("unknown service")
	ErrUnloaded       = errors.New("entry unloaded")
)

// Command is a named operation exposed by an entry
type Command func(ctx context.Context) error

// Config is the per-entry configuration
type Config struct {
	// ID of the entry; a random one is generated when empty
	ID          string
	Username    string
	Password    string
	Update      coordinator.Config
	Retention   registry.Retention
	EntityGauge *prometheus.GaugeVec // optional

	// Passive entries never poll, updates only come from the update command
	Passive bool
}

// Dependencies are the process-wide collaborators shared by entries
type Dependencies struct {
	// Scheduler may be nil for passive entries
	Scheduler *scheduler.Scheduler
	Sink      entity.Sink
	NewClient api.ClientFactory
	Logger    *logrus.Logger

	// Validator is optional; without it credentials are not checked
	Validator *api.CredentialValidator
	Metrics   *coordinator.Metrics // optional

	// HealthListeners are attached to the coordinator before it starts
	HealthListeners []func(coordinator.Health)
}

// Entry is the running state of one configured account
type Entry struct {
	ID            string
	Client        api.Client
	Dispatcher    *dispatcher.Dispatcher
	Coordinator   *coordinator.Coordinator
	BinarySensors *platform.BinarySensors
	Sensors       *platform.Sensors

	logger *logrus.Entry

	mu       sync.RWMutex
	commands map[string]Command
	unloaded bool
}

// Setup creates and starts an entry. Invalid credentials fail with
// api.ErrInvalidCredentials before anything is started.
func Setup(ctx context.Context, config Config, deps Dependencies) (*Entry, error) {
	if deps.Validator != nil {
		if err := deps.Validator.Validate(ctx, config.Username, config.Password); err != nil {
			return nil, err
		}
	}

	id := config.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := deps.Logger.WithFields(logrus.Fields{"entry_id": id, "domain": Domain})

	client := deps.NewClient(config.Username, config.Password)
	d := dispatcher.New()

	opts := registry.Options{
		EntryID:   id,
		Retention: config.Retention,
		Entities:  config.EntityGauge,
		Logger:    deps.Logger,
	}

	e := &Entry{
		ID:            id,
		Client:        client,
		Dispatcher:    d,
		BinarySensors: platform.SetupBinarySensors(d, client, deps.Sink, opts),
		Sensors:       platform.SetupSensors(d, client, deps.Sink, opts),
		Coordinator:   coordinator.New(id, client, d, deps.Scheduler, config.Update, deps.Metrics, deps.Logger),
		logger:        logger,
		commands:      make(map[string]Command),
	}
	e.Register(ServiceUpdate, e.Coordinator.ForceUpdate)
	for _, fn := range deps.HealthListeners {
		e.Coordinator.OnHealthChange(fn)
	}

	if config.Passive {
		logger.Info("Entry set up without polling")
		return e, nil
	}
	if err := e.Coordinator.Start(); err != nil {
		e.BinarySensors.Unload()
		e.Sensors.Unload()
		err = fmt.Errorf("starting coordinator: %w", err)
		if closeErr := client.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("closing API client: %w", closeErr))
		}
		return nil, err
	}

	logger.Info("Entry set up")
	return e, nil
}

// Register exposes fn as the command name, replacing any previous one
func (e *Entry) Register(name string, fn Command) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands[name] = fn
}

// Services returns the registered command names, sorted
func (e *Entry) Services() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.commands))
	for name := range e.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call runs the command name
func (e *Entry) Call(ctx context.Context, name string) error {
	e.mu.RLock()
	fn, ok := e.commands[name]
	unloaded := e.unloaded
	e.mu.RUnlock()

	if unloaded {
		return ErrUnloaded
	}
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownService, Domain, name)
	}
	return fn(ctx)
}

// ForceUpdate runs the update command
func (e *Entry) ForceUpdate(ctx context.Context) error {
	return e.Call(ctx, ServiceUpdate)
}

// Status returns the health of the update loop
func (e *Entry) Status() coordinator.Health {
	return e.Coordinator.Status()
}

// Unload disconnects the platforms, cancels the periodic update and
// closes the client. Calling it again is a no-op.
func (e *Entry) Unload() error {
	e.mu.Lock()
	if e.unloaded {
		e.mu.Unlock()
		return nil
	}
	e.unloaded = true
	e.commands = make(map[string]Command)
	e.mu.Unlock()

	e.BinarySensors.Unload()
	e.Sensors.Unload()

	if err := e.Coordinator.Stop(); err != nil {
		return fmt.Errorf("unloading entry %s: %w", e.ID, err)
	}
	e.logger.Info("Entry unloaded")
	return nil
}
