package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"autotrader/internal/domain"
)

// ErrNotFound 表示目标记录不存在。
var ErrNotFound = errors.New("记录不存在")

// TransactionRepo 负责逻辑持仓的持久化，出入参均为普通值对象，
// 不向并发边界之外泄露任何连接句柄。
type TransactionRepo struct {
	db    *sql.DB
	retry *Retryer
}

// NewTransactionRepo 创建持仓仓库。
func NewTransactionRepo(store *Store, retry *Retryer) *TransactionRepo {
	return &TransactionRepo{db: store.DB(), retry: retry}
}

const transactionColumns = `id, expert_id, symbol, side, status, open_price, close_price, quantity, take_profit, stop_loss, created_at, updated_at`

// Create 写入新持仓。
func (r *TransactionRepo) Create(ctx context.Context, txn domain.Transaction) error {
	return r.retry.Do(ctx, "transaction.create", func() error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO transactions (`+transactionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			txn.ID, txn.ExpertID, txn.Symbol, string(txn.Side), string(txn.Status),
			txn.OpenPrice, txn.ClosePrice, txn.Quantity,
			nullFloat(txn.TakeProfit), nullFloat(txn.StopLoss),
			formatTime(txn.CreatedAt), formatTime(txn.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("写入持仓失败: %w", err)
		}
		return nil
	})
}

// Update 覆盖持仓字段。
func (r *TransactionRepo) Update(ctx context.Context, txn domain.Transaction) error {
	txn.UpdatedAt = time.Now().UTC()
	return r.retry.Do(ctx, "transaction.update", func() error {
		res, err := r.db.ExecContext(ctx,
			`UPDATE transactions SET status=?, open_price=?, close_price=?, quantity=?, take_profit=?, stop_loss=?, updated_at=? WHERE id=?`,
			string(txn.Status), txn.OpenPrice, txn.ClosePrice, txn.Quantity,
			nullFloat(txn.TakeProfit), nullFloat(txn.StopLoss),
			formatTime(txn.UpdatedAt), txn.ID,
		)
		if err != nil {
			return fmt.Errorf("更新持仓失败: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("transaction %s: %w", txn.ID, ErrNotFound)
		}
		return nil
	})
}

// Get 读取单个持仓。
func (r *TransactionRepo) Get(ctx context.Context, id string) (domain.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id=?`, id)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transaction{}, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return txn, err
}

// ListActiveByExpertSymbol 列出某专家在某标的上的未关闭持仓。
func (r *TransactionRepo) ListActiveByExpertSymbol(ctx context.Context, expertID, symbol string) ([]domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE expert_id=? AND symbol=? AND status != ? ORDER BY created_at`,
		expertID, symbol, string(domain.TransactionClosed))
	if err != nil {
		return nil, fmt.Errorf("查询持仓失败: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// ListActive 列出全部未关闭持仓。
func (r *TransactionRepo) ListActive(ctx context.Context) ([]domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE status != ? ORDER BY created_at`,
		string(domain.TransactionClosed))
	if err != nil {
		return nil, fmt.Errorf("查询持仓失败: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var (
		txn                  domain.Transaction
		side, status         string
		takeProfit, stopLoss sql.NullFloat64
		createdAt, updatedAt string
	)
	err := row.Scan(&txn.ID, &txn.ExpertID, &txn.Symbol, &side, &status,
		&txn.OpenPrice, &txn.ClosePrice, &txn.Quantity,
		&takeProfit, &stopLoss, &createdAt, &updatedAt)
	if err != nil {
		return domain.Transaction{}, err
	}
	txn.Side = domain.Side(side)
	txn.Status = domain.TransactionStatus(status)
	txn.TakeProfit = floatPtr(takeProfit)
	txn.StopLoss = floatPtr(stopLoss)
	txn.CreatedAt = parseTime(createdAt)
	txn.UpdatedAt = parseTime(updatedAt)
	return txn, nil
}

func collectTransactions(rows *sql.Rows) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("解析持仓记录失败: %w", err)
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
