package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/casepilot/internal/agent"
	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/classifier"
	"github.com/dativo-io/casepilot/internal/config"
	"github.com/dativo-io/casepilot/internal/database"
	"github.com/dativo-io/casepilot/internal/drafting"
	"github.com/dativo-io/casepilot/internal/escalation"
	"github.com/dativo-io/casepilot/internal/evidence"
	"github.com/dativo-io/casepilot/internal/llm"
	"github.com/dativo-io/casepilot/internal/policy"
	"github.com/dativo-io/casepilot/internal/proposal"
	"github.com/dativo-io/casepilot/internal/review"
	"github.com/dativo-io/casepilot/internal/transport"
)

// app is everything a command needs, opened from the operator config and
// the policy file.
type app struct {
	cfg         *config.Config
	pol         *policy.Policy
	db          *database.DB
	cases       *cases.Store
	proposals   *proposal.Store
	decisions   *evidence.Store
	escalations *escalation.Manager
	outbox      *transport.Outbox
	runs        *agent.Store
	review      *review.Service
	lock        *agent.RedisLock

	runner *agent.Runner // nil unless opened withRunner
}


// openApp loads config and policy and opens the stores. withRunner also
// builds the LLM-backed runner.
func openApp(ctx context.Context, withRunner bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	pol, err := loadPolicy(ctx, cfg)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(cfg.DatabaseDSN())
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, pol: pol, db: db}
	if err := a.openStores(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if withRunner {
		if err := a.buildRunner(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// loadPolicy reads the policy file and applies operator overrides.
func loadPolicy(ctx context.Context, cfg *config.Config) (*policy.Policy, error) {
	pol, err := policy.LoadOrDefault(ctx, cfg.DefaultPolicy, ".")
	if err != nil {
		return nil, fmt.Errorf("loading policy: %w", err)
	}
	if cfg.AutopilotMode != "" {
		pol.Autopilot.Mode = string(cfg.AutopilotMode)
	}
	if cfg.NotifyWebhook != "" {
		pol.Notifications.WebhookURL = cfg.NotifyWebhook
	}
	if cfg.LLMProvider != "" {
		pol.Models.Provider = cfg.LLMProvider
	}
	if cfg.LLMModel != "" {
		pol.Models.Drafter = cfg.LLMModel
	}
	return pol, nil
}

func (a *app) openStores() error {
	var err error
	if a.cases, err = cases.NewStore(a.db); err != nil {
		return err
	}
	if a.proposals, err = proposal.NewStore(a.db); err != nil {
		return err
	}
	signer, err := evidence.NewSigner(a.cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("decision log signer: %w", err)
	}
	if a.decisions, err = evidence.NewStore(a.db, signer); err != nil {
		return err
	}
	es, err := escalation.NewStore(a.db)
	if err != nil {
		return err
	}
	var notifier escalation.Notifier = escalation.LogNotifier{}
	if url := a.pol.Notifications.WebhookURL; url != "" {
		notifier = escalation.NewWebhookNotifier(url)
	}
	a.escalations = escalation.NewManager(es, a.cases, notifier)
	if a.outbox, err = transport.NewOutbox(a.db); err != nil {
		return err
	}
	if a.runs, err = agent.NewStore(a.db); err != nil {
		return err
	}
	a.review = review.NewService(a.cases, a.proposals, a.runs)
	return nil
}

func (a *app) buildRunner(ctx context.Context) error {
	provider, err := llm.NewProvider(a.pol.Models.Provider, config.APIKeyFor(a.pol.Models.Provider), a.cfg.OpenAIBaseURL)
	if err != nil {
		return fmt.Errorf("llm provider: %w", err)
	}
	rc := agent.RunnerConfig{
		Cases:       a.cases,
		Proposals:   a.proposals,
		Decisions:   a.decisions,
		Escalations: a.escalations,
		Runs:        a.runs,
		Classifier:  classifier.NewLLMClassifier(provider, a.pol.Models.Classifier),
		Drafter:     drafting.NewLLMDrafter(provider, a.pol.Models.Drafter),
		Sender:      a.outbox,
		Policy:      a.pol,
	}
	if a.cfg.RedisAddr != "" {
		a.lock = agent.NewRedisLock(a.cfg.RedisAddr, a.cfg.RedisPassword, 0, 0)
		if err := a.lock.Ping(ctx); err != nil {
			return fmt.Errorf("connecting to redis at %s: %w", a.cfg.RedisAddr, err)
		}
		rc.Lock = a.lock
	}
	a.runner, err = agent.NewRunner(ctx, rc)
	if err != nil {
		return err
	}
	log.Debug().
		Str("provider", provider.Name()).
		Str("mode", a.pol.Autopilot.Mode).
		Bool("redis_lock", a.lock != nil).
		Msg("runner_ready")
	return nil
}

// Close waits for pending notifications and releases connections.
func (a *app) Close() {
	if a.escalations != nil {
		a.escalations.Flush()
	}
	if a.lock != nil {
		_ = a.lock.Close()
	}
	_ = a.db.Close()
}
