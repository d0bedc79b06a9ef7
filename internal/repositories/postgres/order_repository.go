package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	domain "github.com/takeout-platform/api/internal/domain"
	"github.com/takeout-platform/api/internal/repositories"
)

const (
	orderColumns = `id, number, status, pay_status, pay_method, user_id, address_book_id, consignee, phone, address,
remark, amount, pack_amount, tableware_number, payment_ref, order_time, checkout_time, cancel_time, delivery_time,
estimated_delivery_time, cancel_reason, rejection_reason`
	lineColumns = `id, order_id, name, image, dish_id, setmeal_id, dish_flavor, quantity, unit_amount, amount`

	defaultPageSize = 10
	maxPageSize     = 100
)

// OrderRepository stores orders and order lines in Postgres.
type OrderRepository struct {
	db *sql.DB
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs an OrderRepository.
func NewOrderRepository(db *sql.DB) (*OrderRepository, error) {
	if db == nil {
		return nil, errors.New("order repository: database is required")
	}
	return &OrderRepository{db: db}, nil
}

// Insert writes the order row and all lines. It must run inside a UnitOfWork so the pair is atomic.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	q := conn(ctx, r.db)
	row := q.QueryRowContext(ctx, `INSERT INTO orders (number, status, pay_status, pay_method, user_id, address_book_id,
consignee, phone, address, remark, amount, pack_amount, tableware_number, order_time, estimated_delivery_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (number) DO NOTHING
RETURNING id`,
		order.Number, int(order.Status), int(order.PayStatus), order.PayMethod, order.UserID, order.AddressBookID,
		order.Consignee, order.Phone, order.Address, order.Remark, order.Amount, order.PackAmount,
		order.TablewareNumber, order.OrderTime, nullTime(order.EstimatedDeliveryTime),
	)
	if err := row.Scan(&order.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, &Error{op: "orders.insert", err: fmt.Errorf("order number %s already exists", order.Number), conflict: true}
		}
		return domain.Order{}, WrapError("orders.insert", err)
	}

	for i := range order.Lines {
		line := &order.Lines[i]
		line.OrderID = order.ID
		err := q.QueryRowContext(ctx, `INSERT INTO order_lines (order_id, name, image, dish_id, setmeal_id, dish_flavor,
quantity, unit_amount, amount) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
			line.OrderID, line.Name, line.Image, nullInt64(line.DishID), nullInt64(line.SetmealID), line.DishFlavor,
			line.Quantity, line.UnitAmount, line.Amount,
		).Scan(&line.ID)
		if err != nil {
			return domain.Order{}, WrapError("order_lines.insert", err)
		}
	}
	return order, nil
}

// FindByID loads the order and its lines.
func (r *OrderRepository) FindByID(ctx context.Context, orderID int64) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_id", "id = $1", orderID)
}

// FindByNumber loads the order and its lines by the customer facing number.
func (r *OrderRepository) FindByNumber(ctx context.Context, number string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_number", "number = $1", number)
}

func (r *OrderRepository) findOne(ctx context.Context, op string, where string, arg any) (domain.Order, error) {
	q := conn(ctx, r.db)
	order, err := scanOrder(q.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE "+where, arg))
	if err != nil {
		return domain.Order{}, WrapError(op, err)
	}
	lines, err := r.ListLines(ctx, []int64{order.ID})
	if err != nil {
		return domain.Order{}, err
	}
	order.Lines = lines[order.ID]
	return order, nil
}

// Transition performs the conditional update described by t. Losing writers receive
// *repositories.StatusMismatchError carrying the stored state.
func (r *OrderRepository) Transition(ctx context.Context, orderID int64, t repositories.OrderTransition) (domain.Order, error) {
	if len(t.From) == 0 {
		return domain.Order{}, WrapError("orders.transition", errors.New("at least one source status is required"))
	}

	args := []any{orderID, int(t.To)}
	sets := []string{"status = $2"}
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}
	if t.PayStatus != nil {
		set("pay_status", int(*t.PayStatus))
	}
	if t.CheckoutTime != nil {
		set("checkout_time", *t.CheckoutTime)
	}
	if t.CancelTime != nil {
		set("cancel_time", *t.CancelTime)
	}
	if t.DeliveryTime != nil {
		set("delivery_time", *t.DeliveryTime)
	}
	if t.CancelReason != nil {
		set("cancel_reason", *t.CancelReason)
	}
	if t.RejectionReason != nil {
		set("rejection_reason", *t.RejectionReason)
	}

	from := make([]string, len(t.From))
	for i, status := range t.From {
		args = append(args, int(status))
		from[i] = "$" + strconv.Itoa(len(args))
	}
	where := "id = $1 AND status IN (" + strings.Join(from, ", ") + ")"
	if t.ExpectPayStatus != nil {
		args = append(args, int(*t.ExpectPayStatus))
		where += " AND pay_status = $" + strconv.Itoa(len(args))
	}

	q := conn(ctx, r.db)
	query := "UPDATE orders SET " + strings.Join(sets, ", ") + " WHERE " + where + " RETURNING " + orderColumns
	order, err := scanOrder(q.QueryRowContext(ctx, query, args...))
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, WrapError("orders.transition", err)
	}
	return domain.Order{}, r.mismatch(ctx, q, orderID)
}

// AttachPaymentRef records the gateway reference while the order is still unpaid.
func (r *OrderRepository) AttachPaymentRef(ctx context.Context, orderID int64, ref string) error {
	q := conn(ctx, r.db)
	res, err := q.ExecContext(ctx, `UPDATE orders SET payment_ref = $2 WHERE id = $1 AND pay_status = $3`,
		orderID, ref, int(domain.PayStatusUnpaid))
	if err != nil {
		return WrapError("orders.attach_payment_ref", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return WrapError("orders.attach_payment_ref", err)
	}
	if affected == 0 {
		return r.mismatch(ctx, q, orderID)
	}
	return nil
}

func (r *OrderRepository) mismatch(ctx context.Context, q querier, orderID int64) error {
	var status, payStatus int
	err := q.QueryRowContext(ctx, `SELECT status, pay_status FROM orders WHERE id = $1`, orderID).Scan(&status, &payStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("orders.transition", "order "+strconv.FormatInt(orderID, 10))
	}
	if err != nil {
		return WrapError("orders.transition", err)
	}
	return &repositories.StatusMismatchError{
		OrderID:          orderID,
		CurrentStatus:    domain.OrderStatus(status),
		CurrentPayStatus: domain.PayStatus(payStatus),
	}
}

// List returns one page of orders matching the filter, newest first. Lines are not loaded.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.Page[domain.Order], error) {
	page, size := normalizePage(filter.Page, filter.PageSize)

	var (
		conds []string
		args  []any
	)
	add := func(expr string, value any) {
		args = append(args, value)
		conds = append(conds, strings.ReplaceAll(expr, "?", "$"+strconv.Itoa(len(args))))
	}
	if filter.UserID != "" {
		add("user_id = ?", filter.UserID)
	}
	if filter.Number != "" {
		add("number LIKE '%' || ? || '%'", filter.Number)
	}
	if filter.Phone != "" {
		add("phone LIKE '%' || ? || '%'", filter.Phone)
	}
	if filter.Status != nil {
		add("status = ?", int(*filter.Status))
	}
	if filter.OrderTime.From != nil {
		add("order_time >= ?", *filter.OrderTime.From)
	}
	if filter.OrderTime.To != nil {
		add("order_time <= ?", *filter.OrderTime.To)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	q := conn(ctx, r.db)
	var total int64
	if err := q.QueryRowContext(ctx, "SELECT count(*) FROM orders"+where, args...).Scan(&total); err != nil {
		return domain.Page[domain.Order]{}, WrapError("orders.count", err)
	}

	result := domain.Page[domain.Order]{Total: total, Page: page, PageSize: size}
	if total == 0 {
		return result, nil
	}

	args = append(args, size, (page-1)*size)
	query := fmt.Sprintf("SELECT %s FROM orders%s ORDER BY order_time DESC, id DESC LIMIT $%d OFFSET $%d",
		orderColumns, where, len(args)-1, len(args))
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.Page[domain.Order]{}, WrapError("orders.list", err)
	}
	defer rows.Close()

	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return domain.Page[domain.Order]{}, WrapError("orders.list", err)
		}
		result.Items = append(result.Items, order)
	}
	if err := rows.Err(); err != nil {
		return domain.Page[domain.Order]{}, WrapError("orders.list", err)
	}
	return result, nil
}

// ListLines loads lines for the given orders keyed by order id.
func (r *OrderRepository) ListLines(ctx context.Context, orderIDs []int64) (map[int64][]domain.OrderLine, error) {
	result := make(map[int64][]domain.OrderLine, len(orderIDs))
	if len(orderIDs) == 0 {
		return result, nil
	}
	args := make([]any, len(orderIDs))
	for i, id := range orderIDs {
		args[i] = id
	}

	q := conn(ctx, r.db)
	rows, err := q.QueryContext(ctx, "SELECT "+lineColumns+" FROM order_lines WHERE order_id IN ("+placeholders(1, len(args))+") ORDER BY order_id, id", args...)
	if err != nil {
		return nil, WrapError("order_lines.list", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			line      domain.OrderLine
			dishID    sql.NullInt64
			setmealID sql.NullInt64
		)
		if err := rows.Scan(&line.ID, &line.OrderID, &line.Name, &line.Image, &dishID, &setmealID,
			&line.DishFlavor, &line.Quantity, &line.UnitAmount, &line.Amount); err != nil {
			return nil, WrapError("order_lines.list", err)
		}
		line.DishID = int64Ptr(dishID)
		line.SetmealID = int64Ptr(setmealID)
		result[line.OrderID] = append(result[line.OrderID], line)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError("order_lines.list", err)
	}
	return result, nil
}

// ListStaleByStatus returns ids of orders that have sat in status since before cutoff, oldest first.
func (r *OrderRepository) ListStaleByStatus(ctx context.Context, status domain.OrderStatus, cutoff time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT id FROM orders WHERE status = $1 AND order_time < $2 ORDER BY order_time LIMIT $3`,
		int(status), cutoff, limit)
	if err != nil {
		return nil, WrapError("orders.list_stale", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, WrapError("orders.list_stale", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError("orders.list_stale", err)
	}
	return ids, nil
}

// CountByStatus counts orders per status. Statuses with no orders are reported as zero.
func (r *OrderRepository) CountByStatus(ctx context.Context, statuses []domain.OrderStatus) (map[domain.OrderStatus]int64, error) {
	counts := make(map[domain.OrderStatus]int64, len(statuses))
	if len(statuses) == 0 {
		return counts, nil
	}
	args := make([]any, len(statuses))
	for i, status := range statuses {
		counts[status] = 0
		args[i] = int(status)
	}

	rows, err := conn(ctx, r.db).QueryContext(ctx,
		"SELECT status, count(*) FROM orders WHERE status IN ("+placeholders(1, len(args))+") GROUP BY status", args...)
	if err != nil {
		return nil, WrapError("orders.count_by_status", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status int
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, WrapError("orders.count_by_status", err)
		}
		counts[domain.OrderStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError("orders.count_by_status", err)
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                                       domain.Order
		status, payStatus                           int
		checkout, cancel, delivery, estimatedArrive sql.NullTime
	)
	err := row.Scan(&order.ID, &order.Number, &status, &payStatus, &order.PayMethod, &order.UserID,
		&order.AddressBookID, &order.Consignee, &order.Phone, &order.Address, &order.Remark, &order.Amount,
		&order.PackAmount, &order.TablewareNumber, &order.PaymentRef, &order.OrderTime, &checkout, &cancel,
		&delivery, &estimatedArrive, &order.CancelReason, &order.RejectionReason)
	if err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.PayStatus = domain.PayStatus(payStatus)
	order.OrderTime = order.OrderTime.UTC()
	order.CheckoutTime = timePtr(checkout)
	order.CancelTime = timePtr(cancel)
	order.DeliveryTime = timePtr(delivery)
	order.EstimatedDeliveryTime = timePtr(estimatedArrive)
	return order, nil
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case size <= 0:
		size = defaultPageSize
	case size > maxPageSize:
		size = maxPageSize
	}
	return page, size
}

func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(parts, ", ")
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}

func int64Ptr(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	v := value.Int64
	return &v
}

func nullInt64(value *int64) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *value, Valid: true}
}
