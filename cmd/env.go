package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/dealdesk/internal/ingest"
	"github.com/sells-group/dealdesk/internal/model"
	"github.com/sells-group/dealdesk/internal/quality"
	"github.com/sells-group/dealdesk/internal/secrets"
	"github.com/sells-group/dealdesk/internal/signal"
	"github.com/sells-group/dealdesk/internal/store"
	"github.com/sells-group/dealdesk/pkg/anthropic"
	"github.com/sells-group/dealdesk/pkg/gmail"
	"github.com/sells-group/dealdesk/pkg/gong"
	"github.com/sells-group/dealdesk/pkg/gtm"
	sfpkg "github.com/sells-group/dealdesk/pkg/salesforce"
	"github.com/sells-group/dealdesk/pkg/slackapi"
)

// appEnv wires the store, providers and domain services for a command
// invocation. Close releases the store.
type appEnv struct {
	Store        store.Store
	Aggregator   *signal.Aggregator
	Orchestrator *ingest.Orchestrator
	Reviewer     *ingest.Reviewer
	Quality      *quality.Engine
	Slack        slackapi.Client
	Gmail        gmail.Client
	Gong         gong.Client
	GTM          gtm.Client
	SF           sfpkg.Client
}

func (e *appEnv) Close() {
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			zap.L().Warn("store close failed", zap.Error(err))
		}
	}
}

func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	env := &appEnv{Store: st}

	fetchTimeout := 20 * time.Second
	if cfg.Signals.FetchTimeoutSecs > 0 {
		fetchTimeout = time.Duration(cfg.Signals.FetchTimeoutSecs) * time.Second
	}
	providerHTTP := &http.Client{Timeout: fetchTimeout}

	env.Gmail = gmail.NewClient(cfg.Gmail.AccessToken,
		gmail.WithBaseURL(cfg.Gmail.BaseURL),
		gmail.WithHTTPClient(providerHTTP))
	env.Slack = slackapi.NewClient(cfg.Slack.UserToken, cfg.Slack.BotToken, cfg.Slack.SigningSecret,
		slackapi.WithBaseURL(cfg.Slack.BaseURL),
		slackapi.WithHTTPClient(providerHTTP))
	env.Gong = gong.NewClient(cfg.Gong.AccessKey, cfg.Gong.AccessKeySecret,
		gong.WithBaseURL(cfg.Gong.BaseURL),
		gong.WithSignalEndpoint(cfg.Gong.SignalEndpoint),
		gong.WithHTTPClient(providerHTTP))
	env.GTM = gtm.NewClient(cfg.GTMAgent.BaseURL, cfg.GTMAgent.APIKey,
		gtm.WithHTTPClient(providerHTTP))

	if cfg.Salesforce.ClientID != "" {
		sf, err := initSalesforce()
		if err != nil {
			env.Close()
			return nil, err
		}
		env.SF = sf
	}

	collector := &signal.Collector{
		Gmail:        env.Gmail,
		Slack:        env.Slack,
		Gong:         env.Gong,
		GTM:          env.GTM,
		SlackUpdates: st,
	}

	env.Aggregator = &signal.Aggregator{
		SF:        env.SF,
		TasConfig: tasConfig(),
		Store:     st,
		Collector: collector,
		Cache:     signal.NewCache(time.Duration(cfg.Signals.CacheTTLSecs) * time.Second),
		AuthMode:  cfg.Signals.AuthMode,
	}

	enc, err := secrets.New(cfg.Secrets.EncryptionKey)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "cmd: init encryption key")
	}

	var ai anthropic.Client
	if cfg.Anthropic.Key != "" {
		ai = anthropic.NewClient(cfg.Anthropic.Key)
	}

	env.Orchestrator = &ingest.Orchestrator{
		Store:            st,
		Extractor:        &ingest.Extractor{AI: ai, Model: cfg.Anthropic.ExtractionModel},
		Secrets:          enc,
		ConfidenceFloor:  cfg.Ingest.ConfidenceFloor,
		MaxDeltasPerRun:  cfg.Ingest.MaxDeltasPerRun,
		MinContextLength: cfg.Ingest.MinContextLength,
	}
	env.Reviewer = &ingest.Reviewer{Store: st}
	env.Quality = &quality.Engine{
		AI:    ai,
		Model: cfg.Anthropic.QualityModel,
		Cache: quality.NewReportCache(time.Duration(cfg.Quality.CacheTTLSecs) * time.Second),
	}

	return env, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite", "":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "dealdesk.db"
		}
		st, err := store.NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("cmd: unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initSalesforce() (sfpkg.Client, error) {
	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "cmd: read salesforce key")
	}

	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         cfg.Salesforce.LoginURL,
		Username:       cfg.Salesforce.Username,
		ConsumerKey:    cfg.Salesforce.ClientID,
		ConsumerRSAPem: string(pemData),
	})
	if err != nil {
		return nil, eris.Wrap(err, "cmd: salesforce JWT auth")
	}

	var opts []sfpkg.ClientOption
	if cfg.Salesforce.RateLimitRPS > 0 {
		opts = append(opts, sfpkg.WithRateLimit(cfg.Salesforce.RateLimitRPS))
	}
	return sfpkg.NewClient(sf, opts...), nil
}

// tasConfig maps questionnaire fields onto the blueprint object. Field API
// names follow the TAS_Q<n>__c convention on the configured custom object;
// a YAML file at salesforce.field_map_path overrides individual mappings
// for orgs whose schema predates the convention.
func tasConfig() sfpkg.TasConfig {
	object := cfg.Salesforce.TasObject
	if object == "" {
		object = "TAS_State__c"
	}
	fieldMap := make(map[string]string, model.TasTotalQuestions)
	for _, q := range model.AllQuestions() {
		fieldMap[q.ID] = fmt.Sprintf("TAS_%s__c", strings.ToUpper(q.ID))
	}
	if path := cfg.Salesforce.FieldMapPath; path != "" {
		overrides, err := loadFieldMap(path)
		if err != nil {
			zap.L().Warn("field map override unavailable, using defaults",
				zap.String("path", path),
				zap.Error(err))
		}
		for q, field := range overrides {
			fieldMap[q] = field
		}
	}
	return sfpkg.TasConfig{
		Object:           object,
		OpportunityField: "Opportunity__c",
		FieldMap:         fieldMap,
	}
}

// loadFieldMap reads a question-ID to field-API-name mapping from YAML.
func loadFieldMap(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "cmd: read field map %s", path)
	}

	var wrapper struct {
		Fields map[string]string `yaml:"fields"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "cmd: parse field map")
	}
	return wrapper.Fields, nil
}

func viewer() signal.Viewer {
	return signal.Viewer{
		UserID: viewerUserID,
		Email:  viewerEmail,
		Role:   parseRole(viewerRole),
	}
}

func parseRole(raw string) model.UserRole {
	switch model.UserRole(strings.ToUpper(strings.TrimSpace(raw))) {
	case model.RoleSE:
		return model.RoleSE
	case model.RoleSA:
		return model.RoleSA
	case model.RoleManager:
		return model.RoleManager
	default:
		return model.RoleAD
	}
}
