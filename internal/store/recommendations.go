package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"autotrader/internal/domain"
)

// RecommendationRepo 持久化专家建议，供评级变更类条件回看上一次建议。
type RecommendationRepo struct {
	db    *sql.DB
	retry *Retryer
}

// NewRecommendationRepo 创建建议仓库。
func NewRecommendationRepo(store *Store, retry *Retryer) *RecommendationRepo {
	return &RecommendationRepo{db: store.DB(), retry: retry}
}

const recommendationColumns = `id, expert_id, use_case, symbol, action, confidence, expected_profit_percent, risk_level, time_horizon, price_at_date, created_at`

// Save 写入一条建议记录。建议一经创建不可变，只有插入，没有更新。
func (r *RecommendationRepo) Save(ctx context.Context, rec domain.Recommendation) error {
	return r.retry.Do(ctx, "recommendation.save", func() error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO recommendations (`+recommendationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			rec.ID, rec.ExpertID, rec.UseCase, rec.Symbol, string(rec.Action),
			rec.Confidence, rec.ExpectedProfitPercent, string(rec.RiskLevel),
			string(rec.TimeHorizon), rec.PriceAtDate, formatTime(rec.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("写入建议失败: %w", err)
		}
		return nil
	})
}

// Previous 返回同一 (expert, use_case, symbol) 范围内早于 rec 的最近一条建议。
// 不存在时返回 ErrNotFound。
func (r *RecommendationRepo) Previous(ctx context.Context, rec domain.Recommendation) (domain.Recommendation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recommendationColumns+` FROM recommendations
		 WHERE expert_id=? AND use_case=? AND symbol=? AND created_at < ? AND id != ?
		 ORDER BY created_at DESC LIMIT 1`,
		rec.ExpertID, rec.UseCase, rec.Symbol, formatTime(rec.CreatedAt), rec.ID)
	prev, err := scanRecommendation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Recommendation{}, ErrNotFound
	}
	return prev, err
}

// Get 读取单条建议。
func (r *RecommendationRepo) Get(ctx context.Context, id string) (domain.Recommendation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recommendationColumns+` FROM recommendations WHERE id=?`, id)
	rec, err := scanRecommendation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Recommendation{}, fmt.Errorf("recommendation %s: %w", id, ErrNotFound)
	}
	return rec, err
}

func scanRecommendation(row rowScanner) (domain.Recommendation, error) {
	var (
		rec                             domain.Recommendation
		action, riskLevel, timeHorizon  string
		createdAt                       string
	)
	err := row.Scan(&rec.ID, &rec.ExpertID, &rec.UseCase, &rec.Symbol, &action,
		&rec.Confidence, &rec.ExpectedProfitPercent, &riskLevel, &timeHorizon,
		&rec.PriceAtDate, &createdAt)
	if err != nil {
		return domain.Recommendation{}, err
	}
	rec.Action = domain.RecommendedAction(action)
	rec.RiskLevel = domain.RiskLevel(riskLevel)
	rec.TimeHorizon = domain.TimeHorizon(timeHorizon)
	rec.CreatedAt = parseTime(createdAt)
	return rec, nil
}
