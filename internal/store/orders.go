package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"autotrader/internal/domain"
)

// OrderRepo 负责订单记录的持久化。
// Update 在 SQL 层守护 broker_order_id：存量非空值只能被相同值覆盖，
// 陈旧的内存副本无法写回到刚完成提交的订单之上。
type OrderRepo struct {
	db    *sql.DB
	retry *Retryer
}

// NewOrderRepo 创建订单仓库。
func NewOrderRepo(store *Store, retry *Retryer) *OrderRepo {
	return &OrderRepo{db: store.DB(), retry: retry}
}

const orderColumns = `id, transaction_id, side, quantity, order_type, limit_price, stop_price, status, broker_order_id, depends_on_order, depends_status_trigger, is_closing_order, is_resize_order, recommendation_id, metadata, created_at, updated_at`

// Create 写入新订单。
func (r *OrderRepo) Create(ctx context.Context, order domain.TradingOrder) error {
	meta, err := order.Metadata.Encode()
	if err != nil {
		return err
	}
	return r.retry.Do(ctx, "order.create", func() error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO trading_orders (`+orderColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			order.ID, order.TransactionID, string(order.Side), order.Quantity,
			string(order.Type), order.LimitPrice, order.StopPrice, string(order.Status),
			nullString(order.BrokerOrderID), nullString(order.DependsOnOrder),
			string(order.DependsStatusTrigger), boolInt(order.IsClosingOrder),
			boolInt(order.IsResizeOrder), order.RecommendationID, string(meta),
			formatTime(order.CreatedAt), formatTime(order.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("写入订单失败: %w", err)
		}
		return nil
	})
}

// Update 覆盖订单字段。broker_order_id 守护条件不满足时返回
// domain.ErrBrokerOrderIDConflict。
func (r *OrderRepo) Update(ctx context.Context, order domain.TradingOrder) error {
	meta, err := order.Metadata.Encode()
	if err != nil {
		return err
	}
	order.UpdatedAt = time.Now().UTC()

	return r.retry.Do(ctx, "order.update", func() error {
		res, err := r.db.ExecContext(ctx,
			`UPDATE trading_orders
			 SET side=?, quantity=?, order_type=?, limit_price=?, stop_price=?, status=?,
			     broker_order_id=?, depends_on_order=?, depends_status_trigger=?,
			     is_closing_order=?, is_resize_order=?, metadata=?, updated_at=?
			 WHERE id=? AND (broker_order_id IS NULL OR broker_order_id = ?)`,
			string(order.Side), order.Quantity, string(order.Type),
			order.LimitPrice, order.StopPrice, string(order.Status),
			nullString(order.BrokerOrderID), nullString(order.DependsOnOrder),
			string(order.DependsStatusTrigger), boolInt(order.IsClosingOrder),
			boolInt(order.IsResizeOrder), string(meta), formatTime(order.UpdatedAt),
			order.ID, nullString(order.BrokerOrderID),
		)
		if err != nil {
			return fmt.Errorf("更新订单失败: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			exists, existErr := r.exists(ctx, order.ID)
			if existErr != nil {
				return existErr
			}
			if !exists {
				return fmt.Errorf("order %s: %w", order.ID, ErrNotFound)
			}
			return fmt.Errorf("order %s: %w", order.ID, domain.ErrBrokerOrderIDConflict)
		}
		return nil
	})
}

func (r *OrderRepo) exists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM trading_orders WHERE id=?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("查询订单是否存在失败: %w", err)
	}
	return n > 0, nil
}

// Get 读取单个订单。
func (r *OrderRepo) Get(ctx context.Context, id string) (domain.TradingOrder, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM trading_orders WHERE id=?`, id)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TradingOrder{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return order, err
}

// GetByBrokerOrderID 按券商订单号查找。
func (r *OrderRepo) GetByBrokerOrderID(ctx context.Context, brokerID string) (domain.TradingOrder, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM trading_orders WHERE broker_order_id=?`, brokerID)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TradingOrder{}, fmt.Errorf("broker order %s: %w", brokerID, ErrNotFound)
	}
	return order, err
}

// ListByTransaction 列出持仓下的全部订单。
func (r *OrderRepo) ListByTransaction(ctx context.Context, transactionID string) ([]domain.TradingOrder, error) {
	return r.list(ctx,
		`SELECT `+orderColumns+` FROM trading_orders WHERE transaction_id=? ORDER BY created_at`,
		transactionID)
}

// ListWaitingTrigger 列出全部待触发订单。
func (r *OrderRepo) ListWaitingTrigger(ctx context.Context) ([]domain.TradingOrder, error) {
	return r.list(ctx,
		`SELECT `+orderColumns+` FROM trading_orders WHERE status=? ORDER BY created_at`,
		string(domain.OrderWaitingTrigger))
}

// ListActiveByTransaction 列出持仓下处于非终态的订单。
func (r *OrderRepo) ListActiveByTransaction(ctx context.Context, transactionID string) ([]domain.TradingOrder, error) {
	return r.list(ctx,
		`SELECT `+orderColumns+` FROM trading_orders
		 WHERE transaction_id=? AND status NOT IN (?,?,?,?) ORDER BY created_at`,
		transactionID,
		string(domain.OrderFilled), string(domain.OrderCanceled),
		string(domain.OrderReplaced), string(domain.OrderError))
}

// ListSubmitted 列出已提交券商且未到终态的订单，用于对账。
func (r *OrderRepo) ListSubmitted(ctx context.Context) ([]domain.TradingOrder, error) {
	return r.list(ctx,
		`SELECT `+orderColumns+` FROM trading_orders
		 WHERE broker_order_id IS NOT NULL AND status NOT IN (?,?,?,?) ORDER BY created_at`,
		string(domain.OrderFilled), string(domain.OrderCanceled),
		string(domain.OrderReplaced), string(domain.OrderError))
}

func (r *OrderRepo) list(ctx context.Context, query string, args ...interface{}) ([]domain.TradingOrder, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询订单失败: %w", err)
	}
	defer rows.Close()

	var out []domain.TradingOrder
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("解析订单记录失败: %w", err)
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

func scanOrder(row rowScanner) (domain.TradingOrder, error) {
	var (
		order                   domain.TradingOrder
		side, orderType, status string
		brokerID, dependsOn     sql.NullString
		dependsTrigger          sql.NullString
		isClosing, isResize     int
		recommendationID        sql.NullString
		metaRaw                 string
		createdAt, updatedAt    string
	)
	err := row.Scan(&order.ID, &order.TransactionID, &side, &order.Quantity,
		&orderType, &order.LimitPrice, &order.StopPrice, &status,
		&brokerID, &dependsOn, &dependsTrigger, &isClosing, &isResize,
		&recommendationID, &metaRaw, &createdAt, &updatedAt)
	if err != nil {
		return domain.TradingOrder{}, err
	}

	order.Side = domain.OrderSide(side)
	order.Type = domain.OrderType(orderType)
	order.Status = domain.OrderStatus(status)
	order.BrokerOrderID = stringPtr(brokerID)
	order.DependsOnOrder = stringPtr(dependsOn)
	if dependsTrigger.Valid {
		order.DependsStatusTrigger = domain.OrderStatus(dependsTrigger.String)
	}
	order.IsClosingOrder = isClosing != 0
	order.IsResizeOrder = isResize != 0
	order.RecommendationID = recommendationID.String
	order.CreatedAt = parseTime(createdAt)
	order.UpdatedAt = parseTime(updatedAt)

	meta, err := domain.DecodeMetadata([]byte(metaRaw))
	if err != nil {
		return domain.TradingOrder{}, err
	}
	order.Metadata = meta
	return order, nil
}

func nullString(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
