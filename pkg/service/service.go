package service

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/vantorsec/opflow/pkg/models"
	"github.com/vantorsec/opflow/pkg/storage"
)

// Logger defines the logging interface for OrchestrationService
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Config tunes the orchestration engine. Zero values fall back to defaults.
type Config struct {
	MaxParallelTasks     int           // Tasks dispatched per wave
	DefaultTaskTimeout   time.Duration // Execution budget on a dispatched record
	PollInterval         time.Duration // Lifecycle tracker poll cadence
	MinConnectionQuality int           // Agents below this are dropped from matching
	AgentMaxConcurrent   int           // Per-agent capacity assumed by the load provider
	FailedTaskThreshold  int           // Failed tasks beyond this trip the kill switch
	LoopMaxIterations    int           // Refinement loop iteration ceiling
	LoopMaxDuration      time.Duration // Refinement loop wall-clock ceiling
	SupervisorInterval   time.Duration // Loop supervisor tick
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallelTasks:     5,
		DefaultTaskTimeout:   10 * time.Minute,
		PollInterval:         2 * time.Second,
		MinConnectionQuality: 20,
		AgentMaxConcurrent:   3,
		FailedTaskThreshold:  10,
		LoopMaxIterations:    5,
		LoopMaxDuration:      5 * time.Minute,
		SupervisorInterval:   time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxParallelTasks <= 0 {
		c.MaxParallelTasks = def.MaxParallelTasks
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = def.DefaultTaskTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MinConnectionQuality <= 0 {
		c.MinConnectionQuality = def.MinConnectionQuality
	}
	if c.AgentMaxConcurrent <= 0 {
		c.AgentMaxConcurrent = def.AgentMaxConcurrent
	}
	if c.FailedTaskThreshold <= 0 {
		c.FailedTaskThreshold = def.FailedTaskThreshold
	}
	if c.LoopMaxIterations <= 0 {
		c.LoopMaxIterations = def.LoopMaxIterations
	}
	if c.LoopMaxDuration <= 0 {
		c.LoopMaxDuration = def.LoopMaxDuration
	}
	if c.SupervisorInterval <= 0 {
		c.SupervisorInterval = def.SupervisorInterval
	}
	return c
}

// AgentInvoker hands text to an agent and returns its output. Only the loop
// runner consumes it; workflow tasks always travel through dispatched
// records instead.
type AgentInvoker interface {
	Invoke(ctx context.Context, agentID, targetID, input string) (string, error)
}

// DispatchNotifier announces queued tasks and kill-switch broadcasts to the
// execution fabric. The record plus polling contract stays authoritative;
// announcements only let agents react sooner.
type DispatchNotifier interface {
	AnnounceTask(t models.RemoteTask) error
	AnnounceKill(workflowID string, reason models.KillReason) error
}

// OrchestrationService coordinates workflow scheduling, agent matching,
// safety enforcement, remote task tracking and peer refinement loops over a
// shared Store.
type OrchestrationService struct {
	store        storage.Store
	ctx          context.Context
	logger       Logger
	cfg          Config
	audit        *auditRecorder
	matcher      *AgentMatcher
	loadProvider LoadInfoProvider
	waiter       CompletionWaiter
	invoker      AgentInvoker
	notifier     DispatchNotifier
	commands     CommandPolicy
	loopConfigs  map[string]models.LoopAgentConfig
	loops        *loopRegistry
}

// Option customizes an OrchestrationService at construction time.
type Option func(*OrchestrationService)

// WithConfig replaces the default engine tuning.
func WithConfig(cfg Config) Option {
	return func(s *OrchestrationService) { s.cfg = cfg }
}

// WithInvoker installs the agent invocation provider used by loops.
func WithInvoker(inv AgentInvoker) Option {
	return func(s *OrchestrationService) { s.invoker = inv }
}

// WithNotifier installs a fabric announcer for dispatches and kills.
func WithNotifier(n DispatchNotifier) Option {
	return func(s *OrchestrationService) { s.notifier = n }
}

// WithLoopAgents declares which agents may start refinement loops.
func WithLoopAgents(cfgs ...models.LoopAgentConfig) Option {
	return func(s *OrchestrationService) {
		for _, c := range cfgs {
			s.loopConfigs[c.AgentID] = c
		}
	}
}

// WithCompletionWaiter replaces the polling lifecycle tracker, e.g. with a
// push-based one.
func WithCompletionWaiter(w CompletionWaiter) Option {
	return func(s *OrchestrationService) { s.waiter = w }
}

// WithLoadProvider replaces the store-backed agent load source.
func WithLoadProvider(p LoadInfoProvider) Option {
	return func(s *OrchestrationService) { s.loadProvider = p }
}

// WithCommandPolicy replaces the substring-based forbidden command matcher.
func WithCommandPolicy(p CommandPolicy) Option {
	return func(s *OrchestrationService) { s.commands = p }
}

// NewOrchestrationService wires the engine around the given store. The
// context bounds every background goroutine the service starts.
func NewOrchestrationService(ctx context.Context, store storage.Store, logger Logger, opts ...Option) *OrchestrationService {
	s := &OrchestrationService{
		store:       store,
		ctx:         ctx,
		logger:      logger,
		cfg:         DefaultConfig(),
		loopConfigs: make(map[string]models.LoopAgentConfig),
		loops:       newLoopRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg = s.cfg.withDefaults()
	s.audit = &auditRecorder{store: store, logger: logger}
	if s.loadProvider == nil {
		s.loadProvider = &storeLoadProvider{store: store, maxConcurrent: s.cfg.AgentMaxConcurrent}
	}
	s.matcher = NewAgentMatcher(store, s.loadProvider, logger)
	if s.waiter == nil {
		s.waiter = &pollingWaiter{store: store, interval: s.cfg.PollInterval}
	}
	if s.commands == nil {
		s.commands = substringCommandPolicy{}
	}
	return s
}

// RegisterAgent upserts an agent record. Normally the execution fabric owns
// these; this entry point serves bootstrap tooling and tests.
func (s *OrchestrationService) RegisterAgent(a models.ExecutionAgent) error {
	if a.ID == "" {
		return errors.New("agent id cannot be empty")
	}
	now := time.Now()
	if a.RegisteredAt.IsZero() {
		a.RegisteredAt = now
	}
	if a.LastSeenAt.IsZero() {
		a.LastSeenAt = now
	}
	if a.Status == "" {
		a.Status = models.ConnectedAgentStatus
	}
	if err := s.store.SaveAgent(a); err != nil {
		return errors.Wrapf(err, "register agent '%s'", a.ID)
	}
	s.logger.Infof("Registered agent '%s' (%s, quality %d)", a.ID, a.Type, a.ConnectionQuality)
	return nil
}

// GetWorkflow fetches a workflow by id.
func (s *OrchestrationService) GetWorkflow(id string) (models.Workflow, error) {
	wf, err := s.store.GetWorkflow(id)
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "get workflow %s", id)
	}
	return wf, nil
}

func (s *OrchestrationService) ListWorkflows() ([]models.Workflow, error) {
	return s.store.ListWorkflows()
}

func (s *OrchestrationService) ListAgents() ([]models.ExecutionAgent, error) {
	return s.store.ListAgents()
}

func (s *OrchestrationService) GetAgent(id string) (models.ExecutionAgent, error) {
	return s.store.GetAgent(id)
}

// RemoteTasks lists the dispatched records of a workflow.
func (s *OrchestrationService) RemoteTasks(workflowID string) ([]models.RemoteTask, error) {
	return s.store.ListRemoteTasks(workflowID)
}

// AuditTrail returns the persisted audit entries of a workflow in insertion
// order.
func (s *OrchestrationService) AuditTrail(workflowID string) ([]models.AuditEntry, error) {
	return s.store.ListAuditEntries(workflowID)
}
