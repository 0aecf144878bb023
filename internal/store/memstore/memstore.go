// Package memstore is an in-memory store.Backend for tests. Transactions
// work on a private copy of the data that replaces the shared copy only on
// success, and run one at a time.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pos-service/internal/models"
	"pos-service/internal/store"

	"github.com/shopspring/decimal"
)

type state struct {
	nextID     map[string]int64
	products   map[int64]models.Product
	orders     map[int64]models.Order
	orderItems []models.OrderItem
	sales      map[int64]models.Sale
	saleItems  []models.SaleItem
	payments   []models.Payment
	mpesa      []models.MpesaTransaction
	events     map[string]string
}

func newState() *state {
	return &state{
		nextID:   map[string]int64{},
		products: map[int64]models.Product{},
		orders:   map[int64]models.Order{},
		sales:    map[int64]models.Sale{},
		events:   map[string]string{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.nextID {
		c.nextID[k] = v
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.sales {
		c.sales[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	c.orderItems = append([]models.OrderItem(nil), s.orderItems...)
	c.saleItems = append([]models.SaleItem(nil), s.saleItems...)
	c.payments = append([]models.Payment(nil), s.payments...)
	c.mpesa = append([]models.MpesaTransaction(nil), s.mpesa...)
	return c
}

func (s *state) id(table string) int64 {
	s.nextID[table]++
	return s.nextID[table]
}

// Memory is the shared in-memory backend
type Memory struct {
	*repo

	mu sync.Mutex
	st *state

	failMu   sync.Mutex
	failures map[string]error
}

var _ store.Backend = (*Memory)(nil)

// New creates an empty backend
func New() *Memory {
	m := &Memory{st: newState(), failures: map[string]error{}}
	m.repo = &repo{mem: m}
	return m
}

// FailOn makes every later call of the named repository method return err.
func (m *Memory) FailOn(method string, err error) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.failures[method] = err
}

func (m *Memory) failure(method string) error {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	return m.failures[method]
}

// WithTx runs fn against a copy of the data and publishes the copy only if fn succeeds.
func (m *Memory) WithTx(ctx context.Context, fn func(store.Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.st.clone()
	if err := fn(&repo{mem: m, st: work}); err != nil {
		return err
	}
	m.st = work
	return nil
}

// AddProduct seeds a product and returns it with its id
func (m *Memory) AddProduct(p models.Product) models.Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.st.id("products")
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
		p.UpdatedAt = p.CreatedAt
	}
	m.st.products[p.ID] = p
	return p
}

// Product returns the current state of a product
func (m *Memory) Product(id int64) models.Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.products[id]
}

// SalesSnapshot returns every stored sale ordered by id
func (m *Memory) SalesSnapshot() []models.Sale {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Sale, 0, len(m.st.sales))
	for _, s := range m.st.sales {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SaleItemsSnapshot returns every stored sale item
func (m *Memory) SaleItemsSnapshot() []models.SaleItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.SaleItem(nil), m.st.saleItems...)
}

// PaymentsSnapshot returns every stored payment
func (m *Memory) PaymentsSnapshot() []models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Payment(nil), m.st.payments...)
}

// MpesaSnapshot returns every recorded gateway callback
func (m *Memory) MpesaSnapshot() []models.MpesaTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.MpesaTransaction(nil), m.st.mpesa...)
}

type repo struct {
	mem *Memory
	st  *state
}

// begin returns the state to work on. Outside a transaction it takes the
// backend lock for the duration of the call.
func (r *repo) begin(method string) (*state, func(), error) {
	if err := r.mem.failure(method); err != nil {
		return nil, nil, err
	}
	if r.st != nil {
		return r.st, func() {}, nil
	}
	r.mem.mu.Lock()
	return r.mem.st, r.mem.mu.Unlock, nil
}

func notFound(what string, id interface{}) error {
	return fmt.Errorf("%s %v: %w", what, id, store.ErrNotFound)
}

func (r *repo) GetProducts(ctx context.Context) ([]models.Product, error) {
	st, done, err := r.begin("GetProducts")
	if err != nil {
		return nil, err
	}
	defer done()
	out := make([]models.Product, 0, len(st.products))
	for _, p := range st.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *repo) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	st, done, err := r.begin("GetProductsByIDs")
	if err != nil {
		return nil, err
	}
	defer done()
	return pickProducts(st, ids), nil
}

func (r *repo) LockProducts(ctx context.Context, ids []int64) ([]models.Product, error) {
	st, done, err := r.begin("LockProducts")
	if err != nil {
		return nil, err
	}
	defer done()
	return pickProducts(st, ids), nil
}

func pickProducts(st *state, ids []int64) []models.Product {
	seen := map[int64]bool{}
	out := []models.Product{}
	for _, id := range ids {
		if p, ok := st.products[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *repo) UpdateProductStock(ctx context.Context, productID int64, inStock decimal.Decimal) error {
	st, done, err := r.begin("UpdateProductStock")
	if err != nil {
		return err
	}
	defer done()
	p, ok := st.products[productID]
	if !ok {
		return notFound("product", productID)
	}
	if inStock.IsNegative() {
		return fmt.Errorf("in_stock check constraint violated for product %d", productID)
	}
	p.InStock = inStock
	p.UpdatedAt = time.Now()
	st.products[productID] = p
	return nil
}

func (r *repo) CreateOrder(ctx context.Context, order *models.Order) error {
	st, done, err := r.begin("CreateOrder")
	if err != nil {
		return err
	}
	defer done()
	if order.IdempotencyKey.Valid {
		for _, o := range st.orders {
			if o.UserID.Int64 == order.UserID.Int64 && o.IdempotencyKey.Valid && o.IdempotencyKey.String == order.IdempotencyKey.String {
				return errors.New("duplicate idempotency_key")
			}
		}
	}
	order.ID = st.id("orders")
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	st.orders[order.ID] = *order
	return nil
}

func (r *repo) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	st, done, err := r.begin("CreateOrderItem")
	if err != nil {
		return err
	}
	defer done()
	if _, ok := st.orders[item.OrderID]; !ok {
		return notFound("order", item.OrderID)
	}
	item.ID = st.id("order_items")
	st.orderItems = append(st.orderItems, *item)
	return nil
}

func (r *repo) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	st, done, err := r.begin("GetOrderByID")
	if err != nil {
		return nil, err
	}
	defer done()
	o, ok := st.orders[id]
	if !ok {
		return nil, notFound("order", id)
	}
	return &o, nil
}

func (r *repo) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	st, done, err := r.begin("LockOrder")
	if err != nil {
		return nil, err
	}
	defer done()
	o, ok := st.orders[id]
	if !ok {
		return nil, notFound("order", id)
	}
	return &o, nil
}

func (r *repo) GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error) {
	st, done, err := r.begin("GetOrderByIdempotencyKey")
	if err != nil {
		return nil, err
	}
	defer done()
	for _, o := range st.orders {
		if o.UserID.Int64 == userID && o.IdempotencyKey.Valid && o.IdempotencyKey.String == key {
			found := o
			return &found, nil
		}
	}
	return nil, nil
}

func (r *repo) GetOrders(ctx context.Context) ([]models.Order, error) {
	st, done, err := r.begin("GetOrders")
	if err != nil {
		return nil, err
	}
	defer done()
	return sortedOrders(st, func(models.Order) bool { return true }), nil
}

func (r *repo) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	st, done, err := r.begin("GetOrdersByUserID")
	if err != nil {
		return nil, err
	}
	defer done()
	return sortedOrders(st, func(o models.Order) bool { return o.OwnedBy(userID) }), nil
}

func sortedOrders(st *state, keep func(models.Order) bool) []models.Order {
	out := []models.Order{}
	for _, o := range st.orders {
		if keep(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func (r *repo) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	st, done, err := r.begin("GetOrderItemsByOrderID")
	if err != nil {
		return nil, err
	}
	defer done()
	out := []models.OrderItem{}
	for _, it := range st.orderItems {
		if it.OrderID == orderID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (r *repo) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	st, done, err := r.begin("UpdateOrderStatus")
	if err != nil {
		return err
	}
	defer done()
	o, ok := st.orders[orderID]
	if !ok {
		return notFound("order", orderID)
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	st.orders[orderID] = o
	return nil
}

func (r *repo) UpdateOrderPaymentStatus(ctx context.Context, orderID int64, paymentStatus string) error {
	st, done, err := r.begin("UpdateOrderPaymentStatus")
	if err != nil {
		return err
	}
	defer done()
	o, ok := st.orders[orderID]
	if !ok {
		return notFound("order", orderID)
	}
	o.PaymentStatus = paymentStatus
	o.UpdatedAt = time.Now()
	st.orders[orderID] = o
	return nil
}

func (r *repo) UpdateOrderPaymentMethod(ctx context.Context, orderID int64, method string) error {
	st, done, err := r.begin("UpdateOrderPaymentMethod")
	if err != nil {
		return err
	}
	defer done()
	o, ok := st.orders[orderID]
	if !ok {
		return notFound("order", orderID)
	}
	o.PaymentMethod = method
	o.UpdatedAt = time.Now()
	st.orders[orderID] = o
	return nil
}

func (r *repo) CreateSale(ctx context.Context, sale *models.Sale) error {
	st, done, err := r.begin("CreateSale")
	if err != nil {
		return err
	}
	defer done()
	for _, s := range st.sales {
		if s.OrderID == sale.OrderID {
			return fmt.Errorf("duplicate sale for order %d", sale.OrderID)
		}
		if s.SaleNumber == sale.SaleNumber {
			return fmt.Errorf("%s: %w", sale.SaleNumber, store.ErrSaleNumberTaken)
		}
	}
	sale.ID = st.id("sales")
	sale.UpdatedOn = sale.MadeOn
	st.sales[sale.ID] = *sale
	return nil
}

func (r *repo) CreateSaleItem(ctx context.Context, item *models.SaleItem) error {
	st, done, err := r.begin("CreateSaleItem")
	if err != nil {
		return err
	}
	defer done()
	if _, ok := st.sales[item.SaleID]; !ok {
		return notFound("sale", item.SaleID)
	}
	item.ID = st.id("sale_items")
	st.saleItems = append(st.saleItems, *item)
	return nil
}

func (r *repo) GetSaleByID(ctx context.Context, id int64) (*models.Sale, error) {
	st, done, err := r.begin("GetSaleByID")
	if err != nil {
		return nil, err
	}
	defer done()
	s, ok := st.sales[id]
	if !ok {
		return nil, notFound("sale", id)
	}
	return &s, nil
}

func (r *repo) LockSale(ctx context.Context, id int64) (*models.Sale, error) {
	st, done, err := r.begin("LockSale")
	if err != nil {
		return nil, err
	}
	defer done()
	s, ok := st.sales[id]
	if !ok {
		return nil, notFound("sale", id)
	}
	return &s, nil
}

func (r *repo) GetSaleByOrderID(ctx context.Context, orderID int64) (*models.Sale, error) {
	st, done, err := r.begin("GetSaleByOrderID")
	if err != nil {
		return nil, err
	}
	defer done()
	for _, s := range st.sales {
		if s.OrderID == orderID {
			found := s
			return &found, nil
		}
	}
	return nil, notFound("sale for order", orderID)
}

func (r *repo) GetSaleItemsBySaleID(ctx context.Context, saleID int64) ([]models.SaleItem, error) {
	st, done, err := r.begin("GetSaleItemsBySaleID")
	if err != nil {
		return nil, err
	}
	defer done()
	out := []models.SaleItem{}
	for _, it := range st.saleItems {
		if it.SaleID == saleID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (r *repo) filterSales(method string, keep func(models.Sale) bool, less func(a, b models.Sale) bool) ([]models.Sale, error) {
	st, done, err := r.begin(method)
	if err != nil {
		return nil, err
	}
	defer done()
	out := []models.Sale{}
	for _, s := range st.sales {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

func newestFirst(a, b models.Sale) bool {
	if a.MadeOn.Equal(b.MadeOn) {
		return a.ID > b.ID
	}
	return a.MadeOn.After(b.MadeOn)
}

func (r *repo) GetSales(ctx context.Context) ([]models.Sale, error) {
	return r.filterSales("GetSales", func(models.Sale) bool { return true }, newestFirst)
}

func (r *repo) GetSalesSince(ctx context.Context, since time.Time) ([]models.Sale, error) {
	return r.filterSales("GetSalesSince", func(s models.Sale) bool { return !s.MadeOn.Before(since) }, newestFirst)
}

func (r *repo) GetUnpaidSales(ctx context.Context) ([]models.Sale, error) {
	return r.filterSales("GetUnpaidSales",
		func(s models.Sale) bool { return s.PaymentStatus != models.SaleStatusFullyPaid },
		func(a, b models.Sale) bool { return !newestFirst(a, b) })
}

func (r *repo) GetOpenDebts(ctx context.Context) ([]models.Sale, error) {
	return r.filterSales("GetOpenDebts",
		func(s models.Sale) bool {
			return s.DueDate.Valid && s.PaymentStatus != models.SaleStatusFullyPaid
		},
		func(a, b models.Sale) bool { return a.DueDate.Time.Before(b.DueDate.Time) })
}

func (r *repo) UpdateSalePayment(ctx context.Context, sale *models.Sale) error {
	st, done, err := r.begin("UpdateSalePayment")
	if err != nil {
		return err
	}
	defer done()
	s, ok := st.sales[sale.ID]
	if !ok {
		return notFound("sale", sale.ID)
	}
	s.PaymentStatus = sale.PaymentStatus
	s.DueDate = sale.DueDate
	s.UpdatedOn = time.Now()
	sale.UpdatedOn = s.UpdatedOn
	st.sales[sale.ID] = s
	return nil
}

func (r *repo) MarkDebtWarned(ctx context.Context, saleID int64, at time.Time) error {
	st, done, err := r.begin("MarkDebtWarned")
	if err != nil {
		return err
	}
	defer done()
	s, ok := st.sales[saleID]
	if !ok {
		return notFound("sale", saleID)
	}
	s.DebtWarnedAt.Time = at
	s.DebtWarnedAt.Valid = true
	st.sales[saleID] = s
	return nil
}

func (r *repo) CreatePayment(ctx context.Context, payment *models.Payment) error {
	st, done, err := r.begin("CreatePayment")
	if err != nil {
		return err
	}
	defer done()
	if _, ok := st.sales[payment.SaleID]; !ok {
		return notFound("sale", payment.SaleID)
	}
	if !payment.Amount.IsPositive() {
		return errors.New("payment amount check constraint violated")
	}
	payment.ID = st.id("payments")
	st.payments = append(st.payments, *payment)
	return nil
}

func (r *repo) GetPaymentsBySaleID(ctx context.Context, saleID int64) ([]models.Payment, error) {
	st, done, err := r.begin("GetPaymentsBySaleID")
	if err != nil {
		return nil, err
	}
	defer done()
	out := []models.Payment{}
	for _, p := range st.payments {
		if p.SaleID == saleID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *repo) SumPaymentsBySaleID(ctx context.Context, saleID int64) (decimal.Decimal, error) {
	st, done, err := r.begin("SumPaymentsBySaleID")
	if err != nil {
		return decimal.Zero, err
	}
	defer done()
	total := decimal.Zero
	for _, p := range st.payments {
		if p.SaleID == saleID {
			total = total.Add(p.Amount)
		}
	}
	return total, nil
}

func (r *repo) GetPaymentsBetween(ctx context.Context, from, to time.Time) ([]models.Payment, error) {
	st, done, err := r.begin("GetPaymentsBetween")
	if err != nil {
		return nil, err
	}
	defer done()
	out := []models.Payment{}
	for _, p := range st.payments {
		if !p.PaidAt.Before(from) && p.PaidAt.Before(to) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaidAt.After(out[j].PaidAt) })
	return out, nil
}

func (r *repo) CreateMpesaTransaction(ctx context.Context, txn *models.MpesaTransaction) (bool, error) {
	st, done, err := r.begin("CreateMpesaTransaction")
	if err != nil {
		return false, err
	}
	defer done()
	for _, t := range st.mpesa {
		if t.CheckoutRequestID == txn.CheckoutRequestID {
			return false, nil
		}
	}
	txn.ID = st.id("mpesa_transactions")
	txn.CreatedAt = time.Now()
	st.mpesa = append(st.mpesa, *txn)
	return true, nil
}

func (r *repo) GetMpesaTransaction(ctx context.Context, checkoutRequestID string) (*models.MpesaTransaction, error) {
	st, done, err := r.begin("GetMpesaTransaction")
	if err != nil {
		return nil, err
	}
	defer done()
	for _, t := range st.mpesa {
		if t.CheckoutRequestID == checkoutRequestID {
			found := t
			return &found, nil
		}
	}
	return nil, notFound("mpesa transaction", checkoutRequestID)
}

func (r *repo) GetMpesaTransactionsByOrderID(ctx context.Context, orderID int64) ([]models.MpesaTransaction, error) {
	st, done, err := r.begin("GetMpesaTransactionsByOrderID")
	if err != nil {
		return nil, err
	}
	defer done()
	out := []models.MpesaTransaction{}
	for _, t := range st.mpesa {
		if t.OrderID.Valid && t.OrderID.Int64 == orderID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *repo) SetMpesaPayment(ctx context.Context, txnID, paymentID int64) error {
	st, done, err := r.begin("SetMpesaPayment")
	if err != nil {
		return err
	}
	defer done()
	for i := range st.mpesa {
		if st.mpesa[i].ID == txnID {
			st.mpesa[i].PaymentID.Int64 = paymentID
			st.mpesa[i].PaymentID.Valid = true
			return nil
		}
	}
	return notFound("mpesa transaction", txnID)
}

func (r *repo) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	st, done, err := r.begin("IsEventProcessed")
	if err != nil {
		return false, err
	}
	defer done()
	_, ok := st.events[eventID]
	return ok, nil
}

func (r *repo) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	st, done, err := r.begin("MarkEventProcessed")
	if err != nil {
		return err
	}
	defer done()
	st.events[eventID] = eventType
	return nil
}
