package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/dealdesk/internal/db"
	"github.com/sells-group/dealdesk/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"upsert_answer": `INSERT INTO tas_answers (deal_id, question_id, user_id, answer, status, updated_by, evidence_links, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (deal_id, question_id) DO UPDATE SET answer = $4, status = $5, updated_by = $6, evidence_links = $7, updated_at = $8`,
	"list_answers":     `SELECT question_id, answer, status, updated_by, evidence_links, updated_at FROM tas_answers WHERE deal_id = $1 AND user_id = $2 ORDER BY question_id ASC`,
	"insert_run":       `INSERT INTO ingestion_runs (id, deal_id, submitted_by, source_type, raw_context_enc, status, model, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
	"get_delta":        `SELECT d.id, d.run_id, d.deal_id, d.question_id, d.old_value, d.proposed_value, d.confidence, d.evidence, d.reasoning, d.status, d.decided_by, d.decided_at, d.created_at FROM ingestion_deltas d JOIN ingestion_runs r ON r.id = d.run_id WHERE d.id = $1 AND r.submitted_by = $2`,
	"count_pending":    `SELECT count(*) FROM ingestion_deltas WHERE deal_id = $1 AND status = 'pending'`,
	"snapshot_version": `SELECT COALESCE(MAX(version), 0) + 1 FROM ingestion_snapshots WHERE deal_id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS manual_deals (
	id                    TEXT PRIMARY KEY,
	user_id               TEXT NOT NULL,
	account_name          TEXT NOT NULL,
	opportunity_name      TEXT NOT NULL,
	stage                 TEXT NOT NULL,
	amount                DOUBLE PRECISION NOT NULL DEFAULT 0,
	close_date            TIMESTAMPTZ NOT NULL,
	owner_name            TEXT NOT NULL DEFAULT '',
	owner_email           TEXT NOT NULL DEFAULT '',
	source_opportunity_id TEXT,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tas_answers (
	deal_id        TEXT NOT NULL,
	question_id    TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	answer         TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'confirmed',
	updated_by     TEXT NOT NULL DEFAULT '',
	evidence_links JSONB NOT NULL DEFAULT '[]',
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (deal_id, question_id)
);

CREATE TABLE IF NOT EXISTS ingestion_runs (
	id              TEXT PRIMARY KEY,
	deal_id         TEXT NOT NULL,
	submitted_by    TEXT NOT NULL,
	source_type     TEXT NOT NULL,
	raw_context_enc TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'processing',
	model           TEXT NOT NULL DEFAULT '',
	error_message   TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ingestion_snapshots (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES ingestion_runs(id),
	deal_id    TEXT NOT NULL,
	version    INTEGER NOT NULL,
	fields     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (deal_id, version)
);

CREATE TABLE IF NOT EXISTS ingestion_deltas (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL REFERENCES ingestion_runs(id),
	deal_id        TEXT NOT NULL,
	question_id    TEXT NOT NULL,
	old_value      TEXT,
	proposed_value TEXT NOT NULL,
	confidence     DOUBLE PRECISION NOT NULL,
	evidence       JSONB NOT NULL DEFAULT '[]',
	reasoning      TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'pending',
	decided_by     TEXT,
	decided_at     TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS slack_updates (
	channel_id       TEXT NOT NULL,
	message_ts       TEXT NOT NULL,
	event_id         TEXT NOT NULL,
	user_id          TEXT NOT NULL,
	thread_ts        TEXT,
	slack_user_id    TEXT,
	text             TEXT NOT NULL,
	permalink        TEXT NOT NULL,
	opportunity_id   TEXT,
	account_name     TEXT,
	opportunity_name TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (channel_id, message_ts)
);

CREATE INDEX IF NOT EXISTS idx_manual_deals_user ON manual_deals(user_id);
CREATE INDEX IF NOT EXISTS idx_tas_answers_deal ON tas_answers(deal_id);
CREATE INDEX IF NOT EXISTS idx_ingestion_runs_deal ON ingestion_runs(deal_id, submitted_by);
CREATE INDEX IF NOT EXISTS idx_ingestion_snapshots_deal ON ingestion_snapshots(deal_id);
CREATE INDEX IF NOT EXISTS idx_ingestion_deltas_deal ON ingestion_deltas(deal_id, status);
CREATE INDEX IF NOT EXISTS idx_ingestion_deltas_run ON ingestion_deltas(run_id);
CREATE INDEX IF NOT EXISTS idx_slack_updates_user ON slack_updates(user_id);
CREATE INDEX IF NOT EXISTS idx_slack_updates_created ON slack_updates(created_at DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Manual deals ---

func (s *PostgresStore) CreateManualDeal(ctx context.Context, userID string, draft model.ManualDealDraft, sourceOpportunityID string) (*model.DealCard, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	var srcID any
	if sourceOpportunityID != "" {
		srcID = sourceOpportunityID
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO manual_deals (id, user_id, account_name, opportunity_name, stage, amount, close_date, owner_name, owner_email, source_opportunity_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		id, userID, draft.AccountName, draft.OpportunityName, draft.Stage, draft.Amount,
		draft.CloseDate, draft.OwnerName, draft.OwnerEmail, srcID, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert manual deal")
	}

	card := manualDealCard(id, sourceOpportunityID, draft)
	return &card, nil
}

func (s *PostgresStore) GetManualDeal(ctx context.Context, userID, opportunityID string) (*model.DealCard, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, account_name, opportunity_name, stage, amount, close_date, owner_name, owner_email, source_opportunity_id
		 FROM manual_deals WHERE id = $1 AND user_id = $2`,
		opportunityID, userID,
	)
	card, err := scanManualDeal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get manual deal %s", opportunityID)
	}
	return card, nil
}

func (s *PostgresStore) ListManualDeals(ctx context.Context, userID, ownerEmail string) ([]model.DealCard, error) {
	query := `SELECT id, account_name, opportunity_name, stage, amount, close_date, owner_name, owner_email, source_opportunity_id
		FROM manual_deals WHERE user_id = $1`
	args := []any{userID}
	if ownerEmail != "" {
		query += ` AND lower(owner_email) = lower($2)`
		args = append(args, ownerEmail)
	}
	query += ` ORDER BY close_date ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list manual deals")
	}
	defer rows.Close()

	var cards []model.DealCard
	for rows.Next() {
		card, err := scanManualDeal(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan manual deal")
		}
		cards = append(cards, *card)
	}
	return cards, eris.Wrap(rows.Err(), "postgres: list manual deals iterate")
}

// --- Answers ---

func (s *PostgresStore) ListAnswers(ctx context.Context, dealID, userID string) ([]model.TasAnswerState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT question_id, answer, status, updated_by, evidence_links, updated_at
		 FROM tas_answers WHERE deal_id = $1 AND user_id = $2 ORDER BY question_id ASC`,
		dealID, userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list answers")
	}
	defer rows.Close()

	var states []model.TasAnswerState
	for rows.Next() {
		var st model.TasAnswerState
		var linksJSON []byte
		var updatedAt time.Time
		if err := rows.Scan(&st.QuestionID, &st.Answer, &st.Status, &st.LastUpdatedBy, &linksJSON, &updatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan answer")
		}
		var links []string
		if err := json.Unmarshal(linksJSON, &links); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal evidence links")
		}
		st.LastUpdatedAt = &updatedAt
		st.Evidence = evidenceChips(st.QuestionID, links)
		states = append(states, st)
	}
	return states, eris.Wrap(rows.Err(), "postgres: list answers iterate")
}

func (s *PostgresStore) UpsertAnswer(ctx context.Context, upsert AnswerUpsert) error {
	linksJSON, err := json.Marshal(nonNil(upsert.EvidenceLinks))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal evidence links")
	}

	status := upsert.Status
	if status == "" {
		status = model.TasConfirmed
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tas_answers (deal_id, question_id, user_id, answer, status, updated_by, evidence_links, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (deal_id, question_id) DO UPDATE SET answer = $4, status = $5, updated_by = $6, evidence_links = $7, updated_at = $8`,
		upsert.DealID, upsert.QuestionID, upsert.UserID, upsert.Answer, string(status),
		upsert.UpdatedBy, linksJSON, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: upsert answer")
}

// --- Ingestion runs ---

func (s *PostgresStore) CreateIngestionRun(ctx context.Context, run *model.IngestionRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = model.RunProcessing
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingestion_runs (id, deal_id, submitted_by, source_type, raw_context_enc, status, model, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.DealID, run.SubmittedBy, string(run.SourceType), run.RawContextEnc,
		string(run.Status), run.Model, run.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert ingestion run")
}

func (s *PostgresStore) CompleteIngestionRun(ctx context.Context, runID, modelID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_runs SET status = 'completed', model = $1 WHERE id = $2`,
		modelID, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FailIngestionRun(ctx context.Context, runID, errorMessage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_runs SET status = 'failed', error_message = $1 WHERE id = $2`,
		errorMessage, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetIngestionRun(ctx context.Context, runID, userID string) (*model.IngestionRun, error) {
	var run model.IngestionRun
	var sourceType, status string
	var errMsg *string

	err := s.pool.QueryRow(ctx,
		`SELECT r.id, r.deal_id, r.submitted_by, r.source_type, r.raw_context_enc, r.status, r.model, r.error_message, r.created_at,
		        (SELECT count(*) FROM ingestion_deltas d WHERE d.run_id = r.id)
		 FROM ingestion_runs r WHERE r.id = $1 AND r.submitted_by = $2`,
		runID, userID,
	).Scan(&run.ID, &run.DealID, &run.SubmittedBy, &sourceType, &run.RawContextEnc,
		&status, &run.Model, &errMsg, &run.CreatedAt, &run.DeltaCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	run.SourceType = model.IngestionSourceType(sourceType)
	run.Status = model.RunStatus(status)
	if errMsg != nil {
		run.ErrorMessage = *errMsg
	}
	return &run, nil
}

func (s *PostgresStore) ListIngestionRuns(ctx context.Context, dealID, userID string) ([]model.IngestionRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.deal_id, r.submitted_by, r.source_type, r.status, r.model, r.error_message, r.created_at,
		        (SELECT count(*) FROM ingestion_deltas d WHERE d.run_id = r.id)
		 FROM ingestion_runs r WHERE r.deal_id = $1 AND r.submitted_by = $2 ORDER BY r.created_at DESC`,
		dealID, userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.IngestionRun
	for rows.Next() {
		var run model.IngestionRun
		var sourceType, status string
		var errMsg *string
		if err := rows.Scan(&run.ID, &run.DealID, &run.SubmittedBy, &sourceType, &status,
			&run.Model, &errMsg, &run.CreatedAt, &run.DeltaCount); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		run.SourceType = model.IngestionSourceType(sourceType)
		run.Status = model.RunStatus(status)
		if errMsg != nil {
			run.ErrorMessage = *errMsg
		}
		runs = append(runs, run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// --- Snapshots ---

func (s *PostgresStore) NextSnapshotVersion(ctx context.Context, dealID string) (int, error) {
	var version int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM ingestion_snapshots WHERE deal_id = $1`,
		dealID,
	).Scan(&version)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: next snapshot version")
	}
	return version, nil
}

func (s *PostgresStore) CreateSnapshot(ctx context.Context, snap *model.IngestionSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	fieldsJSON, err := json.Marshal(snap.Fields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal snapshot fields")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO ingestion_snapshots (id, run_id, deal_id, version, fields, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		snap.ID, snap.RunID, snap.DealID, snap.Version, fieldsJSON, snap.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert snapshot")
}

// --- Deltas ---

func (s *PostgresStore) InsertDeltas(ctx context.Context, deltas []model.IngestionDelta) error {
	for i := range deltas {
		d := &deltas[i]
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = time.Now().UTC()
		}
		if d.Status == "" {
			d.Status = model.DeltaPending
		}

		evidenceJSON, err := json.Marshal(nonNil(d.EvidenceSnippets))
		if err != nil {
			return eris.Wrap(err, "postgres: marshal delta evidence")
		}

		var oldValue any
		if d.OldValue != "" {
			oldValue = d.OldValue
		}

		_, err = s.pool.Exec(ctx,
			`INSERT INTO ingestion_deltas (id, run_id, deal_id, question_id, old_value, proposed_value, confidence, evidence, reasoning, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			d.ID, d.RunID, d.DealID, d.QuestionID, oldValue, d.ProposedValue,
			d.Confidence, evidenceJSON, d.Reasoning, string(d.Status), d.CreatedAt,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: insert delta")
		}
	}
	return nil
}

const deltaColumns = `d.id, d.run_id, d.deal_id, d.question_id, d.old_value, d.proposed_value, d.confidence, d.evidence, d.reasoning, d.status, d.decided_by, d.decided_at, d.created_at`

func (s *PostgresStore) GetDelta(ctx context.Context, deltaID, userID string) (*model.IngestionDelta, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deltaColumns+` FROM ingestion_deltas d JOIN ingestion_runs r ON r.id = d.run_id
		 WHERE d.id = $1 AND r.submitted_by = $2`,
		deltaID, userID,
	)
	delta, err := scanDelta(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get delta %s", deltaID)
	}
	return delta, nil
}

func (s *PostgresStore) ListDeltas(ctx context.Context, dealID, userID string) ([]model.IngestionDelta, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deltaColumns+` FROM ingestion_deltas d JOIN ingestion_runs r ON r.id = d.run_id
		 WHERE d.deal_id = $1 AND r.submitted_by = $2 ORDER BY d.created_at DESC`,
		dealID, userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list deltas")
	}
	defer rows.Close()

	deltas, err := collectDeltas(rows)
	if err != nil {
		return nil, err
	}

	// Pending work surfaces first regardless of age.
	sort.SliceStable(deltas, func(i, j int) bool {
		return deltaStatusRank(deltas[i].Status) < deltaStatusRank(deltas[j].Status)
	})
	return deltas, nil
}

func (s *PostgresStore) ListPendingDeltas(ctx context.Context, dealID, userID string, filter DeltaFilter) ([]model.IngestionDelta, error) {
	query := `SELECT ` + deltaColumns + ` FROM ingestion_deltas d JOIN ingestion_runs r ON r.id = d.run_id
		WHERE d.deal_id = $1 AND r.submitted_by = $2 AND d.status = 'pending'`
	args := []any{dealID, userID}
	if filter.MinConfidence > 0 {
		query += ` AND d.confidence >= $3`
		args = append(args, filter.MinConfidence)
	}
	query += ` ORDER BY d.created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending deltas")
	}
	defer rows.Close()

	return collectDeltas(rows)
}

func (s *PostgresStore) CountPendingDeltas(ctx context.Context, dealID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM ingestion_deltas WHERE deal_id = $1 AND status = 'pending'`,
		dealID,
	).Scan(&count)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: count pending deltas")
	}
	return count, nil
}

func (s *PostgresStore) ApplyDecision(ctx context.Context, deltaID string, decision DeltaDecision, answer *AnswerUpsert) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin decision tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM ingestion_deltas WHERE id = $1 FOR UPDATE`,
		deltaID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return eris.Wrapf(err, "postgres: lock delta %s", deltaID)
	}
	if model.DeltaStatus(status).Terminal() {
		return ErrAlreadyDecided
	}

	_, err = tx.Exec(ctx,
		`UPDATE ingestion_deltas SET proposed_value = COALESCE(NULLIF($1, ''), proposed_value), status = $2, decided_by = $3, decided_at = $4 WHERE id = $5`,
		decision.FinalValue, string(decision.Status), decision.DecidedBy, decision.DecidedAt, deltaID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: decide delta %s", deltaID)
	}

	if answer != nil {
		if err := upsertAnswerTx(ctx, tx, *answer); err != nil {
			return err
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit decision")
}

func (s *PostgresStore) ApplyBulkDecision(ctx context.Context, deltaIDs []string, decision DeltaDecision, answers []AnswerUpsert) error {
	if len(deltaIDs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin bulk decision tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`UPDATE ingestion_deltas SET status = $1, decided_by = $2, decided_at = $3 WHERE id = ANY($4) AND status = 'pending'`,
		string(decision.Status), decision.DecidedBy, decision.DecidedAt, deltaIDs,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: bulk decide deltas")
	}

	for _, answer := range answers {
		if err := upsertAnswerTx(ctx, tx, answer); err != nil {
			return err
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit bulk decision")
}

func upsertAnswerTx(ctx context.Context, tx pgx.Tx, upsert AnswerUpsert) error {
	linksJSON, err := json.Marshal(nonNil(upsert.EvidenceLinks))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal evidence links")
	}

	status := upsert.Status
	if status == "" {
		status = model.TasConfirmed
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO tas_answers (deal_id, question_id, user_id, answer, status, updated_by, evidence_links, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (deal_id, question_id) DO UPDATE SET answer = $4, status = $5, updated_by = $6, evidence_links = $7, updated_at = $8`,
		upsert.DealID, upsert.QuestionID, upsert.UserID, upsert.Answer, string(status),
		upsert.UpdatedBy, linksJSON, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: upsert answer")
}

// --- Slack updates ---

func (s *PostgresStore) UpsertSlackUpdate(ctx context.Context, update model.SlackDealUpdate) error {
	if update.CreatedAt.IsZero() {
		update.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO slack_updates (channel_id, message_ts, event_id, user_id, thread_ts, slack_user_id, text, permalink, opportunity_id, account_name, opportunity_name, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (channel_id, message_ts) DO UPDATE SET event_id = $3, user_id = $4, thread_ts = $5, slack_user_id = $6, text = $7, permalink = $8, opportunity_id = $9, account_name = $10, opportunity_name = $11, created_at = $12`,
		update.ChannelID, update.MessageTS, update.EventID, update.UserID,
		nullable(update.ThreadTS), nullable(update.SlackUserID), update.Text, update.Permalink,
		nullable(update.OpportunityID), nullable(update.AccountName), nullable(update.OpportunityName),
		update.CreatedAt,
	)
	return eris.Wrap(err, "postgres: upsert slack update")
}

func (s *PostgresStore) FindSlackThreadRoot(ctx context.Context, channelID, threadTS, userID string) (*model.SlackDealUpdate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+slackUpdateColumns+` FROM slack_updates
		 WHERE channel_id = $1 AND message_ts = $2 AND user_id = $3`,
		channelID, threadTS, userID,
	)
	update, err := scanSlackUpdate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: find slack thread root")
	}
	return update, nil
}

const slackUpdateColumns = `channel_id, message_ts, event_id, user_id, thread_ts, slack_user_id, text, permalink, opportunity_id, account_name, opportunity_name, created_at`

func (s *PostgresStore) ListSlackUpdates(ctx context.Context, query model.SignalQuery, restrictToUser string) ([]model.SlackDealUpdate, error) {
	sql := `SELECT ` + slackUpdateColumns + ` FROM slack_updates WHERE `
	args := []any{}
	idx := 1

	if restrictToUser != "" {
		sql += fmt.Sprintf(`user_id = $%d AND `, idx)
		args = append(args, restrictToUser)
		idx++
	}

	var ors []string
	if query.OpportunityID != "" {
		ors = append(ors, fmt.Sprintf(`opportunity_id = $%d`, idx))
		args = append(args, query.OpportunityID)
		idx++
	}
	if query.AccountName != "" {
		ors = append(ors, fmt.Sprintf(`account_name ILIKE $%d`, idx))
		args = append(args, "%"+normalizeToken(query.AccountName)+"%")
		idx++
		ors = append(ors, fmt.Sprintf(`text ILIKE $%d`, idx))
		args = append(args, "%"+query.AccountName+"%")
		idx++
	}
	if query.OpportunityName != "" {
		ors = append(ors, fmt.Sprintf(`opportunity_name ILIKE $%d`, idx))
		args = append(args, "%"+normalizeToken(query.OpportunityName)+"%")
		idx++
		ors = append(ors, fmt.Sprintf(`text ILIKE $%d`, idx))
		args = append(args, "%"+query.OpportunityName+"%")
		idx++
	}
	if len(ors) == 0 {
		return nil, nil
	}
	sql += `(` + strings.Join(ors, ` OR `) + `) ORDER BY created_at DESC LIMIT 40`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list slack updates")
	}
	defer rows.Close()

	var updates []model.SlackDealUpdate
	for rows.Next() {
		update, err := scanSlackUpdate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan slack update")
		}
		updates = append(updates, *update)
	}
	return updates, eris.Wrap(rows.Err(), "postgres: list slack updates iterate")
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManualDeal(row rowScanner) (*model.DealCard, error) {
	var card model.DealCard
	var srcID *string
	err := row.Scan(&card.OpportunityID, &card.AccountName, &card.OpportunityName, &card.Stage,
		&card.Amount, &card.CloseDate, &card.OwnerName, &card.OwnerEmail, &srcID)
	if err != nil {
		return nil, err
	}
	if srcID != nil {
		card.SourceOpportunityID = *srcID
	}
	card.Origin = model.OriginManual
	applyEmptyCardDefaults(&card)
	return &card, nil
}

func scanDelta(row rowScanner) (*model.IngestionDelta, error) {
	var d model.IngestionDelta
	var oldValue, decidedBy *string
	var decidedAt *time.Time
	var status string
	var evidenceJSON []byte

	err := row.Scan(&d.ID, &d.RunID, &d.DealID, &d.QuestionID, &oldValue, &d.ProposedValue,
		&d.Confidence, &evidenceJSON, &d.Reasoning, &status, &decidedBy, &decidedAt, &d.CreatedAt)
	if err != nil {
		return nil, err
	}

	if oldValue != nil {
		d.OldValue = *oldValue
	}
	if decidedBy != nil {
		d.DecidedBy = *decidedBy
	}
	d.DecidedAt = decidedAt
	d.Status = model.DeltaStatus(status)
	if err := json.Unmarshal(evidenceJSON, &d.EvidenceSnippets); err != nil {
		return nil, eris.Wrap(err, "unmarshal delta evidence")
	}
	return &d, nil
}

func collectDeltas(rows pgx.Rows) ([]model.IngestionDelta, error) {
	var deltas []model.IngestionDelta
	for rows.Next() {
		d, err := scanDelta(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan delta")
		}
		deltas = append(deltas, *d)
	}
	return deltas, eris.Wrap(rows.Err(), "postgres: iterate deltas")
}

func scanSlackUpdate(row rowScanner) (*model.SlackDealUpdate, error) {
	var u model.SlackDealUpdate
	var threadTS, slackUserID, oppID, accountName, oppName *string

	err := row.Scan(&u.ChannelID, &u.MessageTS, &u.EventID, &u.UserID, &threadTS, &slackUserID,
		&u.Text, &u.Permalink, &oppID, &accountName, &oppName, &u.CreatedAt)
	if err != nil {
		return nil, err
	}

	u.ThreadTS = deref(threadTS)
	u.SlackUserID = deref(slackUserID)
	u.OpportunityID = deref(oppID)
	u.AccountName = deref(accountName)
	u.OpportunityName = deref(oppName)
	return &u, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
