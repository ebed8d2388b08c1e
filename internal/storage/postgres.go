package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/Garl-Protocol/garl/internal/core"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store on top of postgres via sqlx.
type PostgresStore struct {
	db     *sqlx.DB
	logger *log.Logger
}

// NewPostgresStore connects, pings and migrates the database.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, core.WrapError(core.KindConfig, err, "storage unreachable")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	logger := log.New(log.Writer(), "[STORAGE] ", log.LstdFlags)

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, core.WrapError(core.KindConfig, err, "goose dialect")
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, core.WrapError(core.KindConfig, err, "migrations failed")
	}
	logger.Printf("✅ Connected to postgres, schema up to date")

	return &PostgresStore{db: db, logger: logger}, nil
}

// agentRow mirrors the agents table; JSONB columns land as raw bytes.
type agentRow struct {
	core.Agent
	RecentReliabilityJSON   []byte `db:"recent_reliability"`
	RecentStatusesJSON      []byte `db:"recent_statuses"`
	AnomalyFlagsJSON        []byte `db:"anomaly_flags"`
	PermissionsDeclaredJSON []byte `db:"permissions_declared"`
}

func (r *agentRow) toAgent() (*core.Agent, error) {
	a := r.Agent
	if err := json.Unmarshal(r.RecentReliabilityJSON, &a.RecentReliability); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(r.RecentStatusesJSON, &a.RecentStatuses); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(r.AnomalyFlagsJSON, &a.AnomalyFlags); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(r.PermissionsDeclaredJSON, &a.PermissionsDeclared); err != nil {
		return nil, err
	}
	return &a, nil
}

func marshalOr(v interface{}, empty string) []byte {
	b, err := json.Marshal(v)
	if err != nil || v == nil {
		return []byte(empty)
	}
	if string(b) == "null" {
		return []byte(empty)
	}
	return b
}

const agentColumns = `id, sovereign_id, name, description, framework, category, homepage_url,
	api_key_hash, is_sandbox, is_deleted,
	trust_score, score_reliability, score_security, score_speed, score_cost_efficiency,
	score_consistency, certification_tier, total_traces, success_count, success_rate,
	consecutive_successes, clean_trace_streak, avg_duration_ms, total_cost_usd,
	recent_reliability, recent_statuses, anomaly_flags, permissions_declared,
	endorsement_score, endorsement_count, last_trace_at, created_at, updated_at`

func (s *PostgresStore) CreateAgent(ctx context.Context, a *core.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
		        $21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33)`,
		a.ID, a.SovereignID, a.Name, a.Description, a.Framework, a.Category, a.HomepageURL,
		a.APIKeyHash, a.IsSandbox, a.IsDeleted,
		a.TrustScore, a.ScoreReliability, a.ScoreSecurity, a.ScoreSpeed, a.ScoreCostEfficiency,
		a.ScoreConsistency, a.CertificationTier, a.TotalTraces, a.SuccessCount, a.SuccessRate,
		a.ConsecutiveSuccesses, a.CleanTraceStreak, a.AvgDurationMs, a.TotalCostUSD,
		marshalOr(a.RecentReliability, "[]"), marshalOr(a.RecentStatuses, "[]"),
		marshalOr(a.AnomalyFlags, "[]"), marshalOr(a.PermissionsDeclared, "[]"),
		a.EndorsementScore, a.EndorsementCount, a.LastTraceAt, a.CreatedAt, a.UpdatedAt)
	return translatePQ(err)
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*core.Agent, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrAgentNotFound
	}
	if err != nil {
		return nil, translatePQ(err)
	}
	return row.toAgent()
}

func (s *PostgresStore) GetAgentByAPIKeyHash(ctx context.Context, hash string) (*core.Agent, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, `SELECT `+agentColumns+` FROM agents WHERE api_key_hash = $1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrAgentNotFound
	}
	if err != nil {
		return nil, translatePQ(err)
	}
	return row.toAgent()
}

const agentUpdateSQL = `
	UPDATE agents SET
		name=$2, description=$3, framework=$4, category=$5, homepage_url=$6,
		is_sandbox=$7, is_deleted=$8,
		trust_score=$9, score_reliability=$10, score_security=$11, score_speed=$12,
		score_cost_efficiency=$13, score_consistency=$14, certification_tier=$15,
		total_traces=$16, success_count=$17, success_rate=$18, consecutive_successes=$19,
		clean_trace_streak=$20, avg_duration_ms=$21, total_cost_usd=$22,
		recent_reliability=$23, recent_statuses=$24, anomaly_flags=$25,
		permissions_declared=$26, endorsement_score=$27, endorsement_count=$28,
		last_trace_at=$29, updated_at=$30
	WHERE id = $1`

func agentUpdateArgs(a *core.Agent) []interface{} {
	return []interface{}{
		a.ID, a.Name, a.Description, a.Framework, a.Category, a.HomepageURL,
		a.IsSandbox, a.IsDeleted,
		a.TrustScore, a.ScoreReliability, a.ScoreSecurity, a.ScoreSpeed,
		a.ScoreCostEfficiency, a.ScoreConsistency, a.CertificationTier,
		a.TotalTraces, a.SuccessCount, a.SuccessRate, a.ConsecutiveSuccesses,
		a.CleanTraceStreak, a.AvgDurationMs, a.TotalCostUSD,
		marshalOr(a.RecentReliability, "[]"), marshalOr(a.RecentStatuses, "[]"),
		marshalOr(a.AnomalyFlags, "[]"), marshalOr(a.PermissionsDeclared, "[]"),
		a.EndorsementScore, a.EndorsementCount, a.LastTraceAt, a.UpdatedAt,
	}
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, a *core.Agent) error {
	res, err := s.db.ExecContext(ctx, agentUpdateSQL, agentUpdateArgs(a)...)
	if err != nil {
		return translatePQ(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrAgentNotFound
	}
	return nil
}

func (s *PostgresStore) ListAgents(ctx context.Context, f AgentFilter) ([]*core.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	var args []interface{}
	n := 0
	arg := func(v interface{}) string {
		n++
		args = append(args, v)
		return "$" + strconv.Itoa(n)
	}

	if !f.IncludeDeleted {
		q += ` AND NOT is_deleted`
	}
	if !f.IncludeSandbox {
		q += ` AND NOT is_sandbox`
	}
	if f.Category != "" {
		q += ` AND category = ` + arg(string(f.Category))
	}
	if len(f.Tiers) > 0 {
		tiers := make([]string, len(f.Tiers))
		for i, t := range f.Tiers {
			tiers[i] = string(t)
		}
		q += ` AND certification_tier = ANY(` + arg(pq.Array(tiers)) + `)`
	}
	if f.Query != "" {
		p := arg("%" + f.Query + "%")
		q += ` AND (name ILIKE ` + p + ` OR description ILIKE ` + p + `)`
	}
	q += ` ORDER BY trust_score DESC, total_traces DESC`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}
	if f.Offset > 0 {
		q += ` OFFSET ` + arg(f.Offset)
	}

	var rows []agentRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, translatePQ(err)
	}
	out := make([]*core.Agent, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toAgent()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *PostgresStore) CountAgents(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM agents WHERE NOT is_deleted AND NOT is_sandbox`)
	return n, translatePQ(err)
}

// ============================================================================
// TRACES
// ============================================================================

type traceRow struct {
	core.Trace
	ToolCallsJSON   []byte `db:"tool_calls"`
	MetadataJSON    []byte `db:"metadata"`
	CertificateJSON []byte `db:"certificate"`
}

func (r *traceRow) toTrace() (*core.Trace, error) {
	t := r.Trace
	if err := json.Unmarshal(r.ToolCallsJSON, &t.ToolCalls); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(r.MetadataJSON, &t.Metadata); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(r.CertificateJSON, &t.Certificate); err != nil {
		return nil, err
	}
	return &t, nil
}

const traceColumns = `id, agent_id, task_description, status, duration_ms, category,
	cost_usd, token_count, input_summary, output_summary, runtime_env,
	tool_calls, metadata, trace_hash, certificate, trust_delta, created_at`

const traceInsertSQL = `
	INSERT INTO traces (` + traceColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`

func traceInsertArgs(t *core.Trace) []interface{} {
	return []interface{}{
		t.ID, t.AgentID, t.TaskDescription, t.Status, t.DurationMs, t.Category,
		t.CostUSD, t.TokenCount, t.InputSummary, t.OutputSummary, t.RuntimeEnv,
		marshalOr(t.ToolCalls, "[]"), marshalOr(t.Metadata, "{}"),
		t.TraceHash, marshalOr(t.Certificate, "{}"), t.TrustDelta, t.CreatedAt,
	}
}

func (s *PostgresStore) GetTrace(ctx context.Context, id string) (*core.Trace, error) {
	var row traceRow
	err := s.db.GetContext(ctx, &row, `SELECT `+traceColumns+` FROM traces WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrTraceNotFound
	}
	if err != nil {
		return nil, translatePQ(err)
	}
	return row.toTrace()
}

func (s *PostgresStore) GetTraceByHash(ctx context.Context, agentID, traceHash string) (*core.Trace, error) {
	var row traceRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+traceColumns+` FROM traces WHERE agent_id = $1 AND trace_hash = $2`,
		agentID, traceHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrTraceNotFound
	}
	if err != nil {
		return nil, translatePQ(err)
	}
	return row.toTrace()
}

func (s *PostgresStore) ListTraces(ctx context.Context, agentID string, limit, offset int) ([]*core.Trace, error) {
	var rows []traceRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+traceColumns+` FROM traces WHERE agent_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		agentID, limit, offset)
	if err != nil {
		return nil, translatePQ(err)
	}
	return tracesFromRows(rows)
}

func (s *PostgresStore) RecentTraces(ctx context.Context, limit int) ([]*core.Trace, error) {
	var rows []traceRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+traceColumns+` FROM traces ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, translatePQ(err)
	}
	return tracesFromRows(rows)
}

func tracesFromRows(rows []traceRow) ([]*core.Trace, error) {
	out := make([]*core.Trace, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTrace()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *PostgresStore) CountTraces(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM traces`)
	return n, translatePQ(err)
}

const historyInsertSQL = `
	INSERT INTO reputation_history
		(id, agent_id, trust_score, event_type, trust_delta,
		 score_reliability, score_security, score_speed, score_cost_efficiency,
		 score_consistency, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

func historyInsertArgs(h *core.HistoryEntry) []interface{} {
	return []interface{}{
		h.ID, h.AgentID, h.TrustScore, h.EventType, h.TrustDelta,
		h.ScoreReliability, h.ScoreSecurity, h.ScoreSpeed, h.ScoreCostEfficiency,
		h.ScoreConsistency, h.CreatedAt,
	}
}

func (s *PostgresStore) RecordTrace(ctx context.Context, agent *core.Agent, trace *core.Trace, history *core.HistoryEntry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return translatePQ(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, traceInsertSQL, traceInsertArgs(trace)...); err != nil {
		return translatePQ(err)
	}
	if _, err := tx.ExecContext(ctx, historyInsertSQL, historyInsertArgs(history)...); err != nil {
		return translatePQ(err)
	}
	if _, err := tx.ExecContext(ctx, agentUpdateSQL, agentUpdateArgs(agent)...); err != nil {
		return translatePQ(err)
	}
	return translatePQ(tx.Commit())
}

// ============================================================================
// HISTORY
// ============================================================================

func (s *PostgresStore) AppendHistory(ctx context.Context, entry *core.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, historyInsertSQL, historyInsertArgs(entry)...)
	return translatePQ(err)
}

func (s *PostgresStore) ListHistory(ctx context.Context, agentID string, limit int) ([]*core.HistoryEntry, error) {
	var out []*core.HistoryEntry
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, agent_id, trust_score, event_type, trust_delta,
		        score_reliability, score_security, score_speed,
		        score_cost_efficiency, score_consistency, created_at
		 FROM reputation_history WHERE agent_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		agentID, limit)
	return out, translatePQ(err)
}

// ============================================================================
// ENDORSEMENTS
// ============================================================================

const endorsementColumns = `id, endorser_id, target_id, endorser_score, endorser_traces,
	endorser_tier, bonus_applied, tier_multiplier, context, created_at`

func (s *PostgresStore) CreateEndorsement(ctx context.Context, e *core.Endorsement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO endorsements (`+endorsementColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.EndorserID, e.TargetID, e.EndorserScore, e.EndorserTraces,
		e.EndorserTier, e.BonusApplied, e.TierMultiplier, e.Context, e.CreatedAt)
	return translatePQ(err)
}

func (s *PostgresStore) GetEndorsementPair(ctx context.Context, endorserID, targetID string) (*core.Endorsement, error) {
	var e core.Endorsement
	err := s.db.GetContext(ctx, &e,
		`SELECT `+endorsementColumns+` FROM endorsements WHERE endorser_id = $1 AND target_id = $2`,
		endorserID, targetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewError(core.KindNotFound, "endorsement not found")
	}
	return &e, translatePQ(err)
}

func (s *PostgresStore) ListEndorsementsByTarget(ctx context.Context, targetID string) ([]*core.Endorsement, error) {
	var out []*core.Endorsement
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+endorsementColumns+` FROM endorsements WHERE target_id = $1 ORDER BY created_at DESC`,
		targetID)
	return out, translatePQ(err)
}

func (s *PostgresStore) ListEndorsementsByEndorser(ctx context.Context, endorserID string) ([]*core.Endorsement, error) {
	var out []*core.Endorsement
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+endorsementColumns+` FROM endorsements WHERE endorser_id = $1 ORDER BY created_at DESC`,
		endorserID)
	return out, translatePQ(err)
}

// ============================================================================
// WEBHOOKS
// ============================================================================

type webhookRow struct {
	core.Webhook
	EventsJSON []byte `db:"events"`
}

func (r *webhookRow) toWebhook() (*core.Webhook, error) {
	w := r.Webhook
	if err := json.Unmarshal(r.EventsJSON, &w.Events); err != nil {
		return nil, err
	}
	return &w, nil
}

const webhookColumns = `id, agent_id, url, secret, events, is_active, created_at, last_triggered_at`

func (s *PostgresStore) CreateWebhook(ctx context.Context, w *core.Webhook) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhooks (`+webhookColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		w.ID, w.AgentID, w.URL, w.Secret, marshalOr(w.Events, "[]"),
		w.IsActive, w.CreatedAt, w.LastTriggeredAt)
	return translatePQ(err)
}

func (s *PostgresStore) GetWebhook(ctx context.Context, id string) (*core.Webhook, error) {
	var row webhookRow
	err := s.db.GetContext(ctx, &row, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrWebhookNotFound
	}
	if err != nil {
		return nil, translatePQ(err)
	}
	return row.toWebhook()
}

func (s *PostgresStore) ListWebhooks(ctx context.Context, agentID string) ([]*core.Webhook, error) {
	var rows []webhookRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+webhookColumns+` FROM webhooks WHERE agent_id = $1 ORDER BY created_at`, agentID)
	if err != nil {
		return nil, translatePQ(err)
	}
	out := make([]*core.Webhook, 0, len(rows))
	for i := range rows {
		w, err := rows[i].toWebhook()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *PostgresStore) ActiveWebhooksFor(ctx context.Context, agentID string, event core.EventType) ([]*core.Webhook, error) {
	var rows []webhookRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+webhookColumns+` FROM webhooks
		 WHERE agent_id = $1 AND is_active AND events @> $2`,
		agentID, marshalOr([]core.EventType{event}, "[]"))
	if err != nil {
		return nil, translatePQ(err)
	}
	out := make([]*core.Webhook, 0, len(rows))
	for i := range rows {
		w, err := rows[i].toWebhook()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *PostgresStore) UpdateWebhook(ctx context.Context, w *core.Webhook) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET url=$2, events=$3, is_active=$4 WHERE id = $1`,
		w.ID, w.URL, marshalOr(w.Events, "[]"), w.IsActive)
	if err != nil {
		return translatePQ(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrWebhookNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return translatePQ(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrWebhookNotFound
	}
	return nil
}

func (s *PostgresStore) TouchWebhook(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET last_triggered_at = $2 WHERE id = $1`, id, at)
	return translatePQ(err)
}

// ============================================================================
// AGGREGATES
// ============================================================================

func (s *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.db.GetContext(ctx, stats, `
		SELECT COUNT(*)                    AS total_agents,
		       COALESCE(AVG(trust_score), 0) AS avg_trust_score
		FROM agents WHERE NOT is_deleted AND NOT is_sandbox`)
	if err != nil {
		return nil, translatePQ(err)
	}
	if err := s.db.GetContext(ctx, &stats.TotalTraces, `SELECT COUNT(*) FROM traces`); err != nil {
		return nil, translatePQ(err)
	}

	var top struct {
		ID         string  `db:"id"`
		Name       string  `db:"name"`
		TrustScore float64 `db:"trust_score"`
	}
	err = s.db.GetContext(ctx, &top, `
		SELECT id, name, trust_score FROM agents
		WHERE NOT is_deleted AND NOT is_sandbox
		ORDER BY trust_score DESC, total_traces DESC LIMIT 1`)
	if err == nil {
		stats.TopAgentID = top.ID
		stats.TopAgentName = top.Name
		stats.TopAgentScore = top.TrustScore
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, translatePQ(err)
	}
	return stats, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// translatePQ maps driver errors onto domain error kinds. Unique violations
// become Duplicate so the pipeline can serve idempotent retries.
func translatePQ(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return core.WrapError(core.KindDuplicate, err, "unique constraint violated")
	}
	return core.WrapError(core.KindStorage, err, "storage operation failed")
}
