package assignments

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/coursebridge/assignments-backend/internal/domain"
	domassign "github.com/coursebridge/assignments-backend/internal/domain/assignments"
	"github.com/coursebridge/assignments-backend/internal/platform/dbctx"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

// ListQuery filters and orders the annotated admin list. OrderBy accepts
// recent_action_time, learner_state_sort_order, content_quantity, and
// created_at, each with an optional leading '-' for descending; unknown
// values fall back to -recent_action_time.
type ListQuery struct {
	ConfigurationID uuid.UUID
	States          []string
	Search          string
	OrderBy         string
	Offset          int
	Limit           int
}

// AnnotatedAssignment pairs an assignment row with its query-time derived
// fields. LearnerState is empty for assignments hidden from admin views.
type AnnotatedAssignment struct {
	Assignment            *types.LearnerContentAssignment
	RecentAction          types.RecentAction
	RecentActionTime      time.Time
	LearnerState          types.LearnerState
	LearnerStateSortOrder int
	LearnerAcknowledged   *bool
}

type LearnerContentAssignmentRepo interface {
	Create(dbc dbctx.Context, rows []*types.LearnerContentAssignment) ([]*types.LearnerContentAssignment, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.LearnerContentAssignment, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.LearnerContentAssignment, error)
	// GetForConfiguration returns the subset of ids owned by the
	// configuration; missing ids are silently absent.
	GetForConfiguration(dbc dbctx.Context, configID uuid.UUID, ids []uuid.UUID) ([]*types.LearnerContentAssignment, error)
	// LockByIDs loads rows FOR UPDATE inside the ambient transaction.
	LockByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.LearnerContentAssignment, error)
	// FindByEmailsAndContent matches learner emails case-insensitively in
	// any state; allocation uses it to decide create vs re-allocate.
	FindByEmailsAndContent(dbc dbctx.Context, configID uuid.UUID, emails []string, contentKey string) ([]*types.LearnerContentAssignment, error)
	GetByTransactionUUID(dbc dbctx.Context, txn uuid.UUID) (*types.LearnerContentAssignment, error)
	// ListUnlinkedByEmail matches any configuration: learner registration
	// links every assignment held under that address.
	ListUnlinkedByEmail(dbc dbctx.Context, email string) ([]*types.LearnerContentAssignment, error)
	// KnownLMSUserIDForEmail returns an lms_user_id already recorded for the
	// email on some other assignment, nil when the learner never registered.
	KnownLMSUserIDForEmail(dbc dbctx.Context, email string) (*int64, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// ListStatePage pages a configuration's assignments in the given states
	// with stable created_at,id order for sweep jobs.
	ListStatePage(dbc dbctx.Context, configID uuid.UUID, states []string, offset, limit int) ([]*types.LearnerContentAssignment, error)
	// ListPIIClearCandidates finds expired rows past the allocation-timeout
	// cutoff whose PII is still intact, across all configurations.
	ListPIIClearCandidates(dbc dbctx.Context, allocatedBefore time.Time, offset, limit int) ([]*types.LearnerContentAssignment, error)

	ActionFactsByAssignmentIDs(dbc dbctx.Context, ids []uuid.UUID) (map[uuid.UUID]types.ActionFacts, error)
	ListAnnotated(dbc dbctx.Context, q ListQuery) ([]AnnotatedAssignment, int64, error)
	LearnerStateCounts(dbc dbctx.Context, configID uuid.UUID) ([]types.LearnerStateCount, error)
}

type learnerContentAssignmentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLearnerContentAssignmentRepo(db *gorm.DB, log *logger.Logger) LearnerContentAssignmentRepo {
	return &learnerContentAssignmentRepo{db: db, log: log.With("repo", "LearnerContentAssignmentRepo")}
}

func (r *learnerContentAssignmentRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *learnerContentAssignmentRepo) Create(dbc dbctx.Context, rows []*types.LearnerContentAssignment) ([]*types.LearnerContentAssignment, error) {
	if len(rows) == 0 {
		return []*types.LearnerContentAssignment{}, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *learnerContentAssignmentRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.LearnerContentAssignment, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing id")
	}
	var out types.LearnerContentAssignment
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Take(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *learnerContentAssignmentRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.LearnerContentAssignment, error) {
	if len(ids) == 0 {
		return []*types.LearnerContentAssignment{}, nil
	}
	var out []*types.LearnerContentAssignment
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.LearnerContentAssignment{}).
		Where("id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *learnerContentAssignmentRepo) GetForConfiguration(dbc dbctx.Context, configID uuid.UUID, ids []uuid.UUID) ([]*types.LearnerContentAssignment, error) {
	if configID == uuid.Nil {
		return nil, fmt.Errorf("missing configuration id")
	}
	if len(ids) == 0 {
		return []*types.LearnerContentAssignment{}, nil
	}
	var out []*types.LearnerContentAssignment
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.LearnerContentAssignment{}).
		Where("assignment_configuration_id = ? AND id IN ?", configID, ids).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *learnerContentAssignmentRepo) LockByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.LearnerContentAssignment, error) {
	if dbc.Tx == nil {
		return nil, fmt.Errorf("LockByIDs requires dbc.Tx")
	}
	if len(ids) == 0 {
		return []*types.LearnerContentAssignment{}, nil
	}
	q := dbc.Tx.WithContext(dbc.Ctx).
		Model(&types.LearnerContentAssignment{}).
		Where("id IN ?", ids).
		Order("id ASC")
	// sqlite serializes writers at the database level, so row locks are
	// redundant there and the clause is not valid syntax.
	if dbc.Tx.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var out []*types.LearnerContentAssignment
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *learnerContentAssignmentRepo) FindByEmailsAndContent(dbc dbctx.Context, configID uuid.UUID, emails []string, contentKey string) ([]*types.LearnerContentAssignment, error) {
	if configID == uuid.Nil {
		return nil, fmt.Errorf("missing configuration id")
	}
	if strings.TrimSpace(contentKey) == "" {
		return nil, fmt.Errorf("missing content key")
	}
	if len(emails) == 0 {
		return []*types.LearnerContentAssignment{}, nil
	}
	lowered := make([]string, 0, len(emails))
	for _, e := range emails {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(e)))
	}
	var out []*types.LearnerContentAssignment
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.LearnerContentAssignment{}).
		Where("assignment_configuration_id = ? AND content_key = ? AND lower(learner_email) IN ?", configID, contentKey, lowered).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *learnerContentAssignmentRepo) GetByTransactionUUID(dbc dbctx.Context, txn uuid.UUID) (*types.LearnerContentAssignment, error) {
	if txn == uuid.Nil {
		return nil, fmt.Errorf("missing transaction uuid")
	}
	var out types.LearnerContentAssignment
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("transaction_uuid = ?", txn).
		Take(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *learnerContentAssignmentRepo) ListUnlinkedByEmail(dbc dbctx.Context, email string) ([]*types.LearnerContentAssignment, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("missing email")
	}
	var out []*types.LearnerContentAssignment
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.LearnerContentAssignment{}).
		Where("lower(learner_email) = ? AND lms_user_id IS NULL", email).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *learnerContentAssignmentRepo) KnownLMSUserIDForEmail(dbc dbctx.Context, email string) (*int64, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("missing email")
	}
	var rows []*types.LearnerContentAssignment
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.LearnerContentAssignment{}).
		Select("lms_user_id").
		Where("lower(learner_email) = ? AND lms_user_id IS NOT NULL", email).
		Order("updated_at DESC").
		Limit(1).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 || rows[0].LMSUserID == nil {
		return nil, nil
	}
	id := *rows[0].LMSUserID
	return &id, nil
}

func (r *learnerContentAssignmentRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["updated_at"] = time.Now().UTC()
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.LearnerContentAssignment{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *learnerContentAssignmentRepo) ListStatePage(dbc dbctx.Context, configID uuid.UUID, states []string, offset, limit int) ([]*types.LearnerContentAssignment, error) {
	if configID == uuid.Nil {
		return nil, fmt.Errorf("missing configuration id")
	}
	if len(states) == 0 {
		return []*types.LearnerContentAssignment{}, nil
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []*types.LearnerContentAssignment
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.LearnerContentAssignment{}).
		Where("assignment_configuration_id = ? AND state IN ?", configID, states).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *learnerContentAssignmentRepo) ListPIIClearCandidates(dbc dbctx.Context, allocatedBefore time.Time, offset, limit int) ([]*types.LearnerContentAssignment, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []*types.LearnerContentAssignment
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.LearnerContentAssignment{}).
		Where("state = ? AND pii_cleared_at IS NULL AND allocated_at <= ?", "expired", allocatedBefore).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ActionFactsByAssignmentIDs loads the action rows relevant to derivation in
// one query and reduces them in memory. Used by the single-row path and as
// the sqlite fallback for the annotated list.
func (r *learnerContentAssignmentRepo) ActionFactsByAssignmentIDs(dbc dbctx.Context, ids []uuid.UUID) (map[uuid.UUID]types.ActionFacts, error) {
	out := make(map[uuid.UUID]types.ActionFacts, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var actions []types.LearnerContentAssignmentAction
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.LearnerContentAssignmentAction{}).
		Where("assignment_id IN ? AND action_type IN ?", ids, []string{
			string(domassign.ActionNotified),
			string(domassign.ActionReminded),
			string(domassign.ActionExpiredAcknowledged),
			string(domassign.ActionCancelledAcknowledged),
		}).
		Find(&actions).Error; err != nil {
		return nil, err
	}
	grouped := make(map[uuid.UUID][]types.LearnerContentAssignmentAction, len(ids))
	for i := range actions {
		grouped[actions[i].AssignmentID] = append(grouped[actions[i].AssignmentID], actions[i])
	}
	for id, acts := range grouped {
		out[id] = domassign.FactsFromActions(acts)
	}
	return out, nil
}

func (r *learnerContentAssignmentRepo) ListAnnotated(dbc dbctx.Context, q ListQuery) ([]AnnotatedAssignment, int64, error) {
	if q.ConfigurationID == uuid.Nil {
		return nil, 0, fmt.Errorf("missing configuration id")
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 100
	}
	if r.handle(dbc).Dialector.Name() == "sqlite" {
		return r.listAnnotatedInMemory(dbc, q)
	}
	return r.listAnnotatedSQL(dbc, q)
}

// listAnnotatedSQL computes every derived field in one statement so list
// views stay a constant two queries (page + count) regardless of page size.
func (r *learnerContentAssignmentRepo) listAnnotatedSQL(dbc dbctx.Context, q ListQuery) ([]AnnotatedAssignment, int64, error) {
	txx := r.handle(dbc)

	where, args := annotatedFilters(q)

	var total int64
	if err := txx.WithContext(dbc.Ctx).
		Raw("SELECT COUNT(*) FROM learner_content_assignment a WHERE "+where, args...).
		Scan(&total).Error; err != nil {
		return nil, 0, err
	}

	sql := fmt.Sprintf(`
SELECT q.*,
       CASE q.learner_state
            WHEN 'notifying' THEN 0
            WHEN 'waiting' THEN 1
            WHEN 'expired' THEN 2
            WHEN 'failed' THEN 3
            ELSE 999
       END AS learner_state_sort_order
FROM (
    SELECT a.*,
           CASE WHEN agg.last_reminded IS NOT NULL AND agg.last_reminded > a.allocated_at
                THEN 'reminded' ELSE 'assigned' END AS recent_action,
           CASE WHEN agg.last_reminded IS NOT NULL AND agg.last_reminded > a.allocated_at
                THEN agg.last_reminded ELSE a.allocated_at END AS recent_action_time,
           CASE WHEN a.state = 'allocated' AND COALESCE(agg.notified_success, 0) > 0 THEN 'waiting'
                WHEN a.state = 'allocated' AND COALESCE(agg.notified_error, 0) > 0 THEN 'failed'
                WHEN a.state = 'allocated' THEN 'notifying'
                WHEN a.state = 'expired' THEN 'expired'
                WHEN a.state = 'errored' THEN 'failed'
           END AS learner_state,
           CASE WHEN a.state = 'expired' THEN COALESCE(agg.expired_acks, 0) > 0
                WHEN a.state = 'cancelled' THEN COALESCE(agg.cancelled_acks, 0) > 0
           END AS learner_acknowledged
    FROM learner_content_assignment a
    LEFT JOIN (%s) agg ON agg.assignment_id = a.id
    WHERE %s
) q
ORDER BY %s
LIMIT ? OFFSET ?`, actionAggregateSQL, where, annotatedOrder(q.OrderBy))

	pageArgs := append(append([]any{}, args...), q.Limit, q.Offset)

	type row struct {
		types.LearnerContentAssignment
		RecentActionRaw        string    `gorm:"column:recent_action"`
		RecentActionTimeRaw    time.Time `gorm:"column:recent_action_time"`
		LearnerStateRaw        *string   `gorm:"column:learner_state"`
		SortOrderRaw           int       `gorm:"column:learner_state_sort_order"`
		LearnerAcknowledgedRaw *bool     `gorm:"column:learner_acknowledged"`
	}
	var rows []row
	if err := txx.WithContext(dbc.Ctx).Raw(sql, pageArgs...).Scan(&rows).Error; err != nil {
		return nil, 0, err
	}

	out := make([]AnnotatedAssignment, 0, len(rows))
	for i := range rows {
		a := rows[i].LearnerContentAssignment
		ls := types.LearnerState("")
		if rows[i].LearnerStateRaw != nil {
			ls = types.LearnerState(*rows[i].LearnerStateRaw)
		}
		out = append(out, AnnotatedAssignment{
			Assignment:            &a,
			RecentAction:          types.RecentAction(rows[i].RecentActionRaw),
			RecentActionTime:      rows[i].RecentActionTimeRaw,
			LearnerState:          ls,
			LearnerStateSortOrder: rows[i].SortOrderRaw,
			LearnerAcknowledged:   rows[i].LearnerAcknowledgedRaw,
		})
	}
	return out, total, nil
}

// listAnnotatedInMemory is the sqlite path: filtered rows plus one batched
// action load, derivation and ordering in memory. Still two queries.
func (r *learnerContentAssignmentRepo) listAnnotatedInMemory(dbc dbctx.Context, q ListQuery) ([]AnnotatedAssignment, int64, error) {
	txx := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.LearnerContentAssignment{}).
		Where("assignment_configuration_id = ?", q.ConfigurationID)
	if len(q.States) > 0 {
		txx = txx.Where("state IN ?", q.States)
	}
	if s := strings.TrimSpace(q.Search); s != "" {
		p := "%" + strings.ToLower(s) + "%"
		txx = txx.Where("(lower(content_title) LIKE ? OR lower(learner_email) LIKE ?)", p, p)
	}
	var base []*types.LearnerContentAssignment
	if err := txx.Order("created_at ASC, id ASC").Find(&base).Error; err != nil {
		return nil, 0, err
	}
	total := int64(len(base))

	ids := make([]uuid.UUID, 0, len(base))
	for _, a := range base {
		ids = append(ids, a.ID)
	}
	facts, err := r.ActionFactsByAssignmentIDs(dbc, ids)
	if err != nil {
		return nil, 0, err
	}

	annotated := make([]AnnotatedAssignment, 0, len(base))
	for _, a := range base {
		d := domassign.Derive(a, facts[a.ID])
		annotated = append(annotated, AnnotatedAssignment{
			Assignment:            a,
			RecentAction:          d.RecentAction,
			RecentActionTime:      d.RecentActionTime,
			LearnerState:          d.LearnerState,
			LearnerStateSortOrder: d.SortOrder,
			LearnerAcknowledged:   d.LearnerAcknowledged,
		})
	}
	sortAnnotated(annotated, q.OrderBy)

	if q.Offset >= len(annotated) {
		return []AnnotatedAssignment{}, total, nil
	}
	end := q.Offset + q.Limit
	if end > len(annotated) {
		end = len(annotated)
	}
	return annotated[q.Offset:end], total, nil
}

func (r *learnerContentAssignmentRepo) LearnerStateCounts(dbc dbctx.Context, configID uuid.UUID) ([]types.LearnerStateCount, error) {
	if configID == uuid.Nil {
		return nil, fmt.Errorf("missing configuration id")
	}
	if r.handle(dbc).Dialector.Name() == "sqlite" {
		return r.learnerStateCountsInMemory(dbc, configID)
	}

	sql := fmt.Sprintf(`
SELECT q.learner_state AS learner_state, COUNT(*) AS count
FROM (
    SELECT a.id,
           CASE WHEN a.state = 'allocated' AND COALESCE(agg.notified_success, 0) > 0 THEN 'waiting'
                WHEN a.state = 'allocated' AND COALESCE(agg.notified_error, 0) > 0 THEN 'failed'
                WHEN a.state = 'allocated' THEN 'notifying'
                WHEN a.state = 'expired' THEN 'expired'
                WHEN a.state = 'errored' THEN 'failed'
           END AS learner_state
    FROM learner_content_assignment a
    LEFT JOIN (%s) agg ON agg.assignment_id = a.id
    WHERE a.assignment_configuration_id = ?
) q
WHERE q.learner_state IS NOT NULL
GROUP BY q.learner_state
ORDER BY count DESC, learner_state ASC`, actionAggregateSQL)

	type row struct {
		LearnerState string `gorm:"column:learner_state"`
		Count        int    `gorm:"column:count"`
	}
	var rows []row
	if err := r.handle(dbc).WithContext(dbc.Ctx).Raw(sql, configID).Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.LearnerStateCount, 0, len(rows))
	for _, rw := range rows {
		out = append(out, types.LearnerStateCount{
			LearnerState: types.LearnerState(rw.LearnerState),
			Count:        rw.Count,
		})
	}
	return out, nil
}

func (r *learnerContentAssignmentRepo) learnerStateCountsInMemory(dbc dbctx.Context, configID uuid.UUID) ([]types.LearnerStateCount, error) {
	annotated, _, err := r.listAnnotatedInMemory(dbc, ListQuery{ConfigurationID: configID, Limit: 500})
	if err != nil {
		return nil, err
	}
	counts := map[types.LearnerState]int{}
	for _, a := range annotated {
		if a.LearnerState == "" {
			continue
		}
		counts[a.LearnerState]++
	}
	out := make([]types.LearnerStateCount, 0, len(counts))
	for ls, n := range counts {
		out = append(out, types.LearnerStateCount{LearnerState: ls, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].LearnerState < out[j].LearnerState
	})
	return out, nil
}

// actionAggregateSQL groups the action log once per statement. Successful
// means completed_at set with no error; errored rows carry error_reason and
// a null completed_at.
const actionAggregateSQL = `
        SELECT act.assignment_id,
               MAX(act.completed_at) FILTER (WHERE act.action_type = 'reminded' AND act.error_reason IS NULL) AS last_reminded,
               COUNT(*) FILTER (WHERE act.action_type = 'notified' AND act.completed_at IS NOT NULL AND act.error_reason IS NULL) AS notified_success,
               COUNT(*) FILTER (WHERE act.action_type = 'notified' AND act.error_reason IS NOT NULL) AS notified_error,
               COUNT(*) FILTER (WHERE act.action_type = 'expired_acknowledged' AND act.completed_at IS NOT NULL AND act.error_reason IS NULL) AS expired_acks,
               COUNT(*) FILTER (WHERE act.action_type = 'cancelled_acknowledged' AND act.completed_at IS NOT NULL AND act.error_reason IS NULL) AS cancelled_acks
        FROM learner_content_assignment_action act
        GROUP BY act.assignment_id`

func annotatedFilters(q ListQuery) (string, []any) {
	where := "a.assignment_configuration_id = ?"
	args := []any{q.ConfigurationID}
	if len(q.States) > 0 {
		where += " AND a.state IN ?"
		args = append(args, q.States)
	}
	if s := strings.TrimSpace(q.Search); s != "" {
		where += " AND (lower(a.content_title) LIKE ? OR lower(a.learner_email) LIKE ?)"
		p := "%" + strings.ToLower(s) + "%"
		args = append(args, p, p)
	}
	return where, args
}

func annotatedOrder(orderBy string) string {
	switch strings.TrimSpace(orderBy) {
	case "recent_action_time":
		return "q.recent_action_time ASC, q.id ASC"
	case "learner_state_sort_order":
		return "learner_state_sort_order ASC, q.recent_action_time DESC, q.id ASC"
	case "-learner_state_sort_order":
		return "learner_state_sort_order DESC, q.recent_action_time DESC, q.id ASC"
	case "content_quantity":
		return "q.content_quantity ASC, q.id ASC"
	case "-content_quantity":
		return "q.content_quantity DESC, q.id ASC"
	case "created_at":
		return "q.created_at ASC, q.id ASC"
	case "-created_at":
		return "q.created_at DESC, q.id ASC"
	default:
		return "q.recent_action_time DESC, q.id ASC"
	}
}

func sortAnnotated(rows []AnnotatedAssignment, orderBy string) {
	less := func(i, j int) bool { return rows[i].RecentActionTime.After(rows[j].RecentActionTime) }
	switch strings.TrimSpace(orderBy) {
	case "recent_action_time":
		less = func(i, j int) bool { return rows[i].RecentActionTime.Before(rows[j].RecentActionTime) }
	case "learner_state_sort_order":
		less = func(i, j int) bool {
			if rows[i].LearnerStateSortOrder != rows[j].LearnerStateSortOrder {
				return rows[i].LearnerStateSortOrder < rows[j].LearnerStateSortOrder
			}
			return rows[i].RecentActionTime.After(rows[j].RecentActionTime)
		}
	case "-learner_state_sort_order":
		less = func(i, j int) bool {
			if rows[i].LearnerStateSortOrder != rows[j].LearnerStateSortOrder {
				return rows[i].LearnerStateSortOrder > rows[j].LearnerStateSortOrder
			}
			return rows[i].RecentActionTime.After(rows[j].RecentActionTime)
		}
	case "content_quantity":
		less = func(i, j int) bool { return rows[i].Assignment.ContentQuantity < rows[j].Assignment.ContentQuantity }
	case "-content_quantity":
		less = func(i, j int) bool { return rows[i].Assignment.ContentQuantity > rows[j].Assignment.ContentQuantity }
	case "created_at":
		less = func(i, j int) bool { return rows[i].Assignment.CreatedAt.Before(rows[j].Assignment.CreatedAt) }
	case "-created_at":
		less = func(i, j int) bool { return rows[i].Assignment.CreatedAt.After(rows[j].Assignment.CreatedAt) }
	}
	sort.SliceStable(rows, less)
}
