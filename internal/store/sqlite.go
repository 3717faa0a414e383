package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/dealdesk/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// development and single-operator CLI use; Postgres is the deployed path.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS manual_deals (
	id                    TEXT PRIMARY KEY,
	user_id               TEXT NOT NULL,
	account_name          TEXT NOT NULL,
	opportunity_name      TEXT NOT NULL,
	stage                 TEXT NOT NULL,
	amount                REAL NOT NULL DEFAULT 0,
	close_date            DATETIME NOT NULL,
	owner_name            TEXT NOT NULL DEFAULT '',
	owner_email           TEXT NOT NULL DEFAULT '',
	source_opportunity_id TEXT,
	created_at            DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS tas_answers (
	deal_id        TEXT NOT NULL,
	question_id    TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	answer         TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'confirmed',
	updated_by     TEXT NOT NULL DEFAULT '',
	evidence_links TEXT NOT NULL DEFAULT '[]',
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now')),
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
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS ingestion_snapshots (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES ingestion_runs(id),
	deal_id    TEXT NOT NULL,
	version    INTEGER NOT NULL,
	fields     TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (deal_id, version)
);

CREATE TABLE IF NOT EXISTS ingestion_deltas (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL REFERENCES ingestion_runs(id),
	deal_id        TEXT NOT NULL,
	question_id    TEXT NOT NULL,
	old_value      TEXT,
	proposed_value TEXT NOT NULL,
	confidence     REAL NOT NULL,
	evidence       TEXT NOT NULL DEFAULT '[]',
	reasoning      TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'pending',
	decided_by     TEXT,
	decided_at     DATETIME,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
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
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (channel_id, message_ts)
);

CREATE INDEX IF NOT EXISTS idx_manual_deals_user ON manual_deals(user_id);
CREATE INDEX IF NOT EXISTS idx_tas_answers_deal ON tas_answers(deal_id);
CREATE INDEX IF NOT EXISTS idx_ingestion_runs_deal ON ingestion_runs(deal_id, submitted_by);
CREATE INDEX IF NOT EXISTS idx_ingestion_snapshots_deal ON ingestion_snapshots(deal_id);
CREATE INDEX IF NOT EXISTS idx_ingestion_deltas_deal ON ingestion_deltas(deal_id, status);
CREATE INDEX IF NOT EXISTS idx_ingestion_deltas_run ON ingestion_deltas(run_id);
CREATE INDEX IF NOT EXISTS idx_slack_updates_user ON slack_updates(user_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateManualDeal(ctx context.Context, userID string, draft model.ManualDealDraft, sourceOpportunityID string) (*model.DealCard, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	var srcID any
	if sourceOpportunityID != "" {
		srcID = sourceOpportunityID
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO manual_deals (id, user_id, account_name, opportunity_name, stage, amount, close_date, owner_name, owner_email, source_opportunity_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, userID, draft.AccountName, draft.OpportunityName, draft.Stage, draft.Amount,
		draft.CloseDate, draft.OwnerName, draft.OwnerEmail, srcID, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert manual deal")
	}

	card := manualDealCard(id, sourceOpportunityID, draft)
	return &card, nil
}

func (s *SQLiteStore) GetManualDeal(ctx context.Context, userID, opportunityID string) (*model.DealCard, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, account_name, opportunity_name, stage, amount, close_date, owner_name, owner_email, source_opportunity_id
		 FROM manual_deals WHERE id = ? AND user_id = ?`,
		opportunityID, userID,
	)
	card, err := scanManualDeal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get manual deal %s", opportunityID)
	}
	return card, nil
}

func (s *SQLiteStore) ListManualDeals(ctx context.Context, userID, ownerEmail string) ([]model.DealCard, error) {
	query := `SELECT id, account_name, opportunity_name, stage, amount, close_date, owner_name, owner_email, source_opportunity_id
		FROM manual_deals WHERE user_id = ?`
	args := []any{userID}
	if ownerEmail != "" {
		query += ` AND lower(owner_email) = lower(?)`
		args = append(args, ownerEmail)
	}
	query += ` ORDER BY close_date ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list manual deals")
	}
	defer rows.Close()

	var cards []model.DealCard
	for rows.Next() {
		card, err := scanManualDeal(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan manual deal")
		}
		cards = append(cards, *card)
	}
	return cards, eris.Wrap(rows.Err(), "sqlite: list manual deals iterate")
}

func (s *SQLiteStore) ListAnswers(ctx context.Context, dealID, userID string) ([]model.TasAnswerState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question_id, answer, status, updated_by, evidence_links, updated_at
		 FROM tas_answers WHERE deal_id = ? AND user_id = ? ORDER BY question_id ASC`,
		dealID, userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list answers")
	}
	defer rows.Close()

	var states []model.TasAnswerState
	for rows.Next() {
		var st model.TasAnswerState
		var linksJSON string
		var updatedAt time.Time
		if err := rows.Scan(&st.QuestionID, &st.Answer, &st.Status, &st.LastUpdatedBy, &linksJSON, &updatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan answer")
		}
		var links []string
		if err := json.Unmarshal([]byte(linksJSON), &links); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal evidence links")
		}
		st.LastUpdatedAt = &updatedAt
		st.Evidence = evidenceChips(st.QuestionID, links)
		states = append(states, st)
	}
	return states, eris.Wrap(rows.Err(), "sqlite: list answers iterate")
}

func (s *SQLiteStore) UpsertAnswer(ctx context.Context, upsert AnswerUpsert) error {
	return sqliteUpsertAnswer(ctx, s.db, upsert)
}

// queryExecer is satisfied by both *sql.DB and *sql.Tx.
type queryExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqliteUpsertAnswer(ctx context.Context, q queryExecer, upsert AnswerUpsert) error {
	linksJSON, err := json.Marshal(nonNil(upsert.EvidenceLinks))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal evidence links")
	}

	status := upsert.Status
	if status == "" {
		status = model.TasConfirmed
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO tas_answers (deal_id, question_id, user_id, answer, status, updated_by, evidence_links, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (deal_id, question_id) DO UPDATE SET answer = excluded.answer, status = excluded.status, updated_by = excluded.updated_by, evidence_links = excluded.evidence_links, updated_at = excluded.updated_at`,
		upsert.DealID, upsert.QuestionID, upsert.UserID, upsert.Answer, string(status),
		upsert.UpdatedBy, string(linksJSON), time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: upsert answer")
}

func (s *SQLiteStore) CreateIngestionRun(ctx context.Context, run *model.IngestionRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = model.RunProcessing
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingestion_runs (id, deal_id, submitted_by, source_type, raw_context_enc, status, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.DealID, run.SubmittedBy, string(run.SourceType), run.RawContextEnc,
		string(run.Status), run.Model, run.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert ingestion run")
}

func (s *SQLiteStore) CompleteIngestionRun(ctx context.Context, runID, modelID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_runs SET status = 'completed', model = ? WHERE id = ?`,
		modelID, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) FailIngestionRun(ctx context.Context, runID, errorMessage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_runs SET status = 'failed', error_message = ? WHERE id = ?`,
		errorMessage, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res)
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const sqliteRunColumns = `r.id, r.deal_id, r.submitted_by, r.source_type, r.raw_context_enc, r.status, r.model, r.error_message, r.created_at,
	(SELECT count(*) FROM ingestion_deltas d WHERE d.run_id = r.id)`

func (s *SQLiteStore) GetIngestionRun(ctx context.Context, runID, userID string) (*model.IngestionRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM ingestion_runs r WHERE r.id = ? AND r.submitted_by = ?`,
		runID, userID,
	)
	run, err := scanSQLiteRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return run, nil
}

func (s *SQLiteStore) ListIngestionRuns(ctx context.Context, dealID, userID string) ([]model.IngestionRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM ingestion_runs r WHERE r.deal_id = ? AND r.submitted_by = ? ORDER BY r.created_at DESC`,
		dealID, userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.IngestionRun
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func scanSQLiteRun(row rowScanner) (*model.IngestionRun, error) {
	var run model.IngestionRun
	var sourceType, status string
	var errMsg *string

	err := row.Scan(&run.ID, &run.DealID, &run.SubmittedBy, &sourceType, &run.RawContextEnc,
		&status, &run.Model, &errMsg, &run.CreatedAt, &run.DeltaCount)
	if err != nil {
		return nil, err
	}

	run.SourceType = model.IngestionSourceType(sourceType)
	run.Status = model.RunStatus(status)
	if errMsg != nil {
		run.ErrorMessage = *errMsg
	}
	return &run, nil
}

func (s *SQLiteStore) NextSnapshotVersion(ctx context.Context, dealID string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM ingestion_snapshots WHERE deal_id = ?`,
		dealID,
	).Scan(&version)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: next snapshot version")
	}
	return version, nil
}

func (s *SQLiteStore) CreateSnapshot(ctx context.Context, snap *model.IngestionSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	fieldsJSON, err := json.Marshal(snap.Fields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal snapshot fields")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ingestion_snapshots (id, run_id, deal_id, version, fields, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.RunID, snap.DealID, snap.Version, string(fieldsJSON), snap.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert snapshot")
}

func (s *SQLiteStore) InsertDeltas(ctx context.Context, deltas []model.IngestionDelta) error {
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
			return eris.Wrap(err, "sqlite: marshal delta evidence")
		}

		var oldValue any
		if d.OldValue != "" {
			oldValue = d.OldValue
		}

		_, err = s.db.ExecContext(ctx,
			`INSERT INTO ingestion_deltas (id, run_id, deal_id, question_id, old_value, proposed_value, confidence, evidence, reasoning, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.RunID, d.DealID, d.QuestionID, oldValue, d.ProposedValue,
			d.Confidence, string(evidenceJSON), d.Reasoning, string(d.Status), d.CreatedAt,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert delta")
		}
	}
	return nil
}

func (s *SQLiteStore) GetDelta(ctx context.Context, deltaID, userID string) (*model.IngestionDelta, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deltaColumns+` FROM ingestion_deltas d JOIN ingestion_runs r ON r.id = d.run_id
		 WHERE d.id = ? AND r.submitted_by = ?`,
		deltaID, userID,
	)
	delta, err := scanDelta(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get delta %s", deltaID)
	}
	return delta, nil
}

func (s *SQLiteStore) ListDeltas(ctx context.Context, dealID, userID string) ([]model.IngestionDelta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deltaColumns+` FROM ingestion_deltas d JOIN ingestion_runs r ON r.id = d.run_id
		 WHERE d.deal_id = ? AND r.submitted_by = ? ORDER BY d.created_at DESC`,
		dealID, userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list deltas")
	}
	defer rows.Close()

	deltas, err := collectSQLiteDeltas(rows)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(deltas, func(i, j int) bool {
		return deltaStatusRank(deltas[i].Status) < deltaStatusRank(deltas[j].Status)
	})
	return deltas, nil
}

func (s *SQLiteStore) ListPendingDeltas(ctx context.Context, dealID, userID string, filter DeltaFilter) ([]model.IngestionDelta, error) {
	query := `SELECT ` + deltaColumns + ` FROM ingestion_deltas d JOIN ingestion_runs r ON r.id = d.run_id
		WHERE d.deal_id = ? AND r.submitted_by = ? AND d.status = 'pending'`
	args := []any{dealID, userID}
	if filter.MinConfidence > 0 {
		query += ` AND d.confidence >= ?`
		args = append(args, filter.MinConfidence)
	}
	query += ` ORDER BY d.created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending deltas")
	}
	defer rows.Close()

	return collectSQLiteDeltas(rows)
}

func collectSQLiteDeltas(rows *sql.Rows) ([]model.IngestionDelta, error) {
	var deltas []model.IngestionDelta
	for rows.Next() {
		d, err := scanDelta(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan delta")
		}
		deltas = append(deltas, *d)
	}
	return deltas, eris.Wrap(rows.Err(), "sqlite: iterate deltas")
}

func (s *SQLiteStore) CountPendingDeltas(ctx context.Context, dealID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM ingestion_deltas WHERE deal_id = ? AND status = 'pending'`,
		dealID,
	).Scan(&count)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: count pending deltas")
	}
	return count, nil
}

func (s *SQLiteStore) ApplyDecision(ctx context.Context, deltaID string, decision DeltaDecision, answer *AnswerUpsert) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin decision tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM ingestion_deltas WHERE id = ?`,
		deltaID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return eris.Wrapf(err, "sqlite: load delta %s", deltaID)
	}
	if model.DeltaStatus(status).Terminal() {
		return ErrAlreadyDecided
	}

	finalValue := decision.FinalValue
	_, err = tx.ExecContext(ctx,
		`UPDATE ingestion_deltas SET proposed_value = CASE WHEN ? != '' THEN ? ELSE proposed_value END, status = ?, decided_by = ?, decided_at = ? WHERE id = ?`,
		finalValue, finalValue, string(decision.Status), decision.DecidedBy, decision.DecidedAt, deltaID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: decide delta %s", deltaID)
	}

	if answer != nil {
		if err := sqliteUpsertAnswer(ctx, tx, *answer); err != nil {
			return err
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit decision")
}

func (s *SQLiteStore) ApplyBulkDecision(ctx context.Context, deltaIDs []string, decision DeltaDecision, answers []AnswerUpsert) error {
	if len(deltaIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin bulk decision tx")
	}
	defer tx.Rollback() //nolint:errcheck

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(deltaIDs)), ",")
	args := []any{string(decision.Status), decision.DecidedBy, decision.DecidedAt}
	for _, id := range deltaIDs {
		args = append(args, id)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE ingestion_deltas SET status = ?, decided_by = ?, decided_at = ? WHERE id IN (`+placeholders+`) AND status = 'pending'`,
		args...,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: bulk decide deltas")
	}

	for _, answer := range answers {
		if err := sqliteUpsertAnswer(ctx, tx, answer); err != nil {
			return err
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit bulk decision")
}

func (s *SQLiteStore) UpsertSlackUpdate(ctx context.Context, update model.SlackDealUpdate) error {
	if update.CreatedAt.IsZero() {
		update.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO slack_updates (channel_id, message_ts, event_id, user_id, thread_ts, slack_user_id, text, permalink, opportunity_id, account_name, opportunity_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (channel_id, message_ts) DO UPDATE SET event_id = excluded.event_id, user_id = excluded.user_id, thread_ts = excluded.thread_ts, slack_user_id = excluded.slack_user_id, text = excluded.text, permalink = excluded.permalink, opportunity_id = excluded.opportunity_id, account_name = excluded.account_name, opportunity_name = excluded.opportunity_name, created_at = excluded.created_at`,
		update.ChannelID, update.MessageTS, update.EventID, update.UserID,
		nullable(update.ThreadTS), nullable(update.SlackUserID), update.Text, update.Permalink,
		nullable(update.OpportunityID), nullable(update.AccountName), nullable(update.OpportunityName),
		update.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: upsert slack update")
}

func (s *SQLiteStore) FindSlackThreadRoot(ctx context.Context, channelID, threadTS, userID string) (*model.SlackDealUpdate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+slackUpdateColumns+` FROM slack_updates
		 WHERE channel_id = ? AND message_ts = ? AND user_id = ?`,
		channelID, threadTS, userID,
	)
	update, err := scanSlackUpdate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "sqlite: find slack thread root")
	}
	return update, nil
}

func (s *SQLiteStore) ListSlackUpdates(ctx context.Context, query model.SignalQuery, restrictToUser string) ([]model.SlackDealUpdate, error) {
	sqlQuery := `SELECT ` + slackUpdateColumns + ` FROM slack_updates WHERE `
	args := []any{}

	if restrictToUser != "" {
		sqlQuery += `user_id = ? AND `
		args = append(args, restrictToUser)
	}

	var ors []string
	if query.OpportunityID != "" {
		ors = append(ors, `opportunity_id = ?`)
		args = append(args, query.OpportunityID)
	}
	if query.AccountName != "" {
		ors = append(ors, `lower(account_name) LIKE ?`, `lower(text) LIKE ?`)
		args = append(args, "%"+normalizeToken(query.AccountName)+"%", "%"+normalizeToken(query.AccountName)+"%")
	}
	if query.OpportunityName != "" {
		ors = append(ors, `lower(opportunity_name) LIKE ?`, `lower(text) LIKE ?`)
		args = append(args, "%"+normalizeToken(query.OpportunityName)+"%", "%"+normalizeToken(query.OpportunityName)+"%")
	}
	if len(ors) == 0 {
		return nil, nil
	}
	sqlQuery += `(` + strings.Join(ors, ` OR `) + `) ORDER BY created_at DESC LIMIT 40`

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list slack updates")
	}
	defer rows.Close()

	var updates []model.SlackDealUpdate
	for rows.Next() {
		update, err := scanSlackUpdate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan slack update")
		}
		updates = append(updates, *update)
	}
	return updates, eris.Wrap(rows.Err(), "sqlite: list slack updates iterate")
}
