// Command replyflow runs a scripted demonstration of the reply flow state
// machine with in-process collaborators, persisting to the configured store
// and emitting analytics events and Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"replyflow/pkg/config"
	"replyflow/pkg/eventlog"
	"replyflow/pkg/logx"
	"replyflow/pkg/metrics"
	"replyflow/pkg/reply"
	"replyflow/pkg/replystore"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	targetID := flag.String("target", "demo-listing-1", "listing id to reply to")
	newUser := flag.Bool("new-user", false, "simulate a first-time visitor who registers")
	flag.Parse()

	if err := run(*configPath, *targetID, *newUser); err != nil {
		fmt.Fprintf(os.Stderr, "replyflow: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, targetID string, newUser bool) error {
	if err := config.LoadConfig(configPath); err != nil {
		return err
	}
	cfg := config.GetConfig()
	logger := logx.NewLogger("replyflow")

	events, err := eventlog.NewWriter(cfg.EventLogDir)
	if err != nil {
		return fmt.Errorf("failed to create event log: %w", err)
	}
	defer func() { _ = events.Close() }()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	recorder := metrics.NewPrometheusRecorder()
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("Metrics listening on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("Metrics server failed: %v", err)
			}
		}()
	}

	identity := &demoIdentity{logger: logx.NewLogger("identity")}
	if !newUser {
		identity.user = &reply.Profile{ID: "demo-user", Email: "demo@example.com"}
	}
	groups := &demoGroups{
		logger: logx.NewLogger("groups"),
		listing: &reply.Listing{
			ID:     targetID,
			Groups: []reply.GroupID{"neighborhood-group"},
		},
	}
	chat := &demoChat{logger: logx.NewLogger("chat")}

	m := reply.NewMachine(targetID, reply.Deps{
		Identity: identity,
		Groups:   groups,
		Chat:     chat,
		Store:    store,
		Events:   events,
		Metrics:  recorder,
		Logger:   logger,
	}, &reply.Options{
		ProcessingTimeout: cfg.ProcessingTimeout,
		StaleThreshold:    cfg.StaleThreshold,
	})
	defer m.Close()

	m.SetRefs(reply.Refs{
		Form:       alwaysValidForm{},
		ChatButton: struct{}{},
		EmailField: noopEmailField{},
	})
	m.SetReplySource("demo")

	logger.Info("Initialized in state %s", m.State())

	m.StartTyping()
	m.SetReplyText("Hi, is this still available?")
	m.SetCollectText("weekday evenings after 6pm")
	if newUser {
		m.SetEmail("visitor@example.com", true)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan struct{})
	m.Submit(ctx, func() { close(done) })
	<-done

	if m.ShowWelcomeModal() {
		logger.Info("Welcome modal shown, generated password: %s", m.NewUserPassword())
		m.CloseWelcomeModal()
	}

	logger.Info("Final state: %s", m.State())
	if errMsg := m.Error(); errMsg != "" {
		return fmt.Errorf("reply flow failed: %s", errMsg)
	}

	for i, tr := range m.Transitions() {
		logger.Info("  %2d. %s + %s -> %s", i+1, tr.FromState, tr.Event, tr.ToState)
	}
	logger.Info("Event log: %s", events.GetCurrentLogFile())

	return nil
}

// openStore picks the SQLite store when a database path is configured, the
// file store otherwise.
func openStore(cfg config.Config) (reply.ReplyStore, func(), error) {
	if cfg.DatabasePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		store, err := replystore.NewSQLiteStore(cfg.DatabasePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}

	store, err := replystore.NewStore(cfg.StoreDir)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

// demoIdentity is an in-process identity provider for the demo run.
type demoIdentity struct {
	logger       *logx.Logger
	user         *reply.Profile
	loginNeeded  bool
	loggedInEver bool
}

func (d *demoIdentity) CurrentUser() *reply.Profile { return d.user }

func (d *demoIdentity) Register(_ context.Context, email string) (*reply.RegistrationResult, error) {
	d.logger.Info("Registering new account for %s", email)
	return &reply.RegistrationResult{
		AccountCreated: true,
		Password:       "demo-password-1234",
		JWT:            "demo-jwt",
		Persistent:     &reply.SessionTokens{UserID: "demo-new-user", Token: "demo-token"},
	}, nil
}

func (d *demoIdentity) SetAuth(_ string, tokens *reply.SessionTokens) {
	if tokens != nil {
		d.user = &reply.Profile{ID: tokens.UserID}
	}
}

func (d *demoIdentity) RequireLogin(required bool) {
	d.loginNeeded = required
	if required {
		d.logger.Info("Login UI requested")
	}
}

func (d *demoIdentity) SetLoggedInEver(v bool) { d.loggedInEver = v }

func (d *demoIdentity) RefreshProfile(_ context.Context, _ bool) error { return nil }

// demoGroups is an in-process group service for the demo run.
type demoGroups struct {
	logger  *logx.Logger
	listing *reply.Listing
	joined  map[reply.GroupID]struct{}
}

func (d *demoGroups) CurrentMemberships() map[reply.GroupID]struct{} {
	out := make(map[reply.GroupID]struct{}, len(d.joined))
	for k := range d.joined {
		out[k] = struct{}{}
	}
	return out
}

func (d *demoGroups) Join(_ context.Context, userID string, groupID reply.GroupID) error {
	d.logger.Info("User %s joining group %s", userID, groupID)
	if d.joined == nil {
		d.joined = make(map[reply.GroupID]struct{})
	}
	d.joined[groupID] = struct{}{}
	return nil
}

func (d *demoGroups) FetchListing(_ context.Context, id string, _ bool) (*reply.Listing, error) {
	d.logger.Debug("Fetching listing %s", id)
	return d.listing, nil
}

// demoChat is an in-process chat service for the demo run.
type demoChat struct {
	logger *logx.Logger
}

func (d *demoChat) CreateFromBoundForm(_ context.Context, _ reply.ChatButtonHandle) (bool, error) {
	d.logger.Info("Chat created, message delivered")
	return true, nil
}

type alwaysValidForm struct{}

func (alwaysValidForm) Validate(_ context.Context) (*reply.ValidationResult, error) {
	return &reply.ValidationResult{Valid: true}, nil
}

type noopEmailField struct{}

func (noopEmailField) Focus() {}
