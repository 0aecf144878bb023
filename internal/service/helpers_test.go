package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"pos-service/internal/models"
	"pos-service/internal/store/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	admin    = Caller{UserID: 1, Role: RoleAdmin}
	customer = Caller{UserID: 42, Role: RoleCustomer}
	stranger = Caller{UserID: 77, Role: RoleCustomer}
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func intPtr(v int) *int {
	return &v
}

func decPtr(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type recordingPublisher struct {
	mu        sync.Mutex
	types     []string
	confirmed []*models.OrderConfirmedEvent
	warnings  []*models.DebtWarningEvent
}

func (p *recordingPublisher) record(eventType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, eventType)
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.types {
		if t == eventType {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) PublishOrderCreated(ctx context.Context, e *models.OrderCreatedEvent) error {
	p.record(e.EventType)
	return nil
}

func (p *recordingPublisher) PublishOrderConfirmed(ctx context.Context, e *models.OrderConfirmedEvent) error {
	p.record(e.EventType)
	p.mu.Lock()
	p.confirmed = append(p.confirmed, e)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) PublishOrderCancelled(ctx context.Context, e *models.OrderCancelledEvent) error {
	p.record(e.EventType)
	return nil
}

func (p *recordingPublisher) PublishPaymentRecorded(ctx context.Context, e *models.PaymentRecordedEvent) error {
	p.record(e.EventType)
	return nil
}

func (p *recordingPublisher) PublishSaleFullyPaid(ctx context.Context, e *models.SaleFullyPaidEvent) error {
	p.record(e.EventType)
	return nil
}

func (p *recordingPublisher) PublishDebtWarning(ctx context.Context, e *models.DebtWarningEvent) error {
	p.record(e.EventType)
	p.mu.Lock()
	p.warnings = append(p.warnings, e)
	p.mu.Unlock()
	return nil
}

type fakeCache struct {
	mu    sync.Mutex
	stock map[int64]decimal.Decimal
}

func newFakeCache() *fakeCache {
	return &fakeCache{stock: map[int64]decimal.Decimal{}}
}

func (c *fakeCache) SetStock(ctx context.Context, productID int64, inStock, minimum decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stock[productID] = inStock
	return nil
}

func (c *fakeCache) DeductStock(ctx context.Context, productID int64, amount decimal.Decimal) (decimal.Decimal, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.stock[productID]
	if !ok {
		return decimal.Zero, false, nil
	}
	v = v.Sub(amount)
	if v.IsNegative() {
		v = decimal.Zero
	}
	c.stock[productID] = v
	return v, true, nil
}

func (c *fakeCache) get(productID int64) (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.stock[productID]
	return v, ok
}

type fakeGuard struct {
	mu    sync.Mutex
	locks map[string]bool
	keys  map[string]bool
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{locks: map[string]bool{}, keys: map[string]bool{}}
}

func (g *fakeGuard) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locks[lockKey] {
		return false, nil
	}
	g.locks[lockKey] = true
	return true, nil
}

func (g *fakeGuard) ReleaseLock(ctx context.Context, lockKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.locks, lockKey)
	return nil
}

func (g *fakeGuard) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.keys[key], nil
}

func (g *fakeGuard) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keys[key] = true
	return nil
}

type fixture struct {
	ctx       context.Context
	mem       *memstore.Memory
	pub       *recordingPublisher
	cache     *fakeCache
	guard     *fakeGuard
	orders    *OrderService
	payments  *PaymentService
	reports   *ReportService
	callbacks *CallbackService
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		ctx:   context.Background(),
		mem:   memstore.New(),
		pub:   &recordingPublisher{},
		cache: newFakeCache(),
		guard: newFakeGuard(),
		now:   time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	f.orders = NewOrderService(f.mem, NewInventoryClient(f.mem, f.cache), f.pub, 7)
	f.orders.now = clock
	f.payments = NewPaymentService(f.mem, f.pub)
	f.payments.now = clock
	f.reports = NewReportService(f.mem)
	f.reports.now = clock
	f.callbacks = NewCallbackService(f.mem, f.guard, f.payments, "EasyBuy")
	f.callbacks.now = clock
	return f
}

func (f *fixture) product(name, price, cost, stock string) models.Product {
	p := f.mem.AddProduct(models.Product{
		Name:         name,
		SalePrice:    d(price),
		CostPrice:    d(cost),
		InStock:      d(stock),
		MinimumStock: d("2"),
		IsActive:     true,
	})
	f.cache.stock[p.ID] = p.InStock
	return p
}

func (f *fixture) weighedProduct(name, price, kilograms, cost, stock string) models.Product {
	p := f.mem.AddProduct(models.Product{
		Name:          name,
		SalePrice:     d(price),
		CostPrice:     d(cost),
		InStock:       d(stock),
		MinimumStock:  d("1"),
		IsWeightBased: true,
		Kilograms:     decimal.NewNullDecimal(d(kilograms)),
		IsActive:      true,
	})
	f.cache.stock[p.ID] = p.InStock
	return p
}

func (f *fixture) order(t *testing.T, caller Caller, items ...OrderItemRequest) *OrderDetail {
	t.Helper()
	detail, err := f.orders.CreateOrder(f.ctx, caller, &CreateOrderRequest{
		CustomerName:  "Jane",
		CustomerPhone: "254700000001",
		Items:         items,
	})
	require.NoError(t, err)
	return detail
}

func (f *fixture) stock(id int64) decimal.Decimal {
	return f.mem.Product(id).InStock
}

// confirmedDebt creates and confirms a credit sale for total worth of a
// single unit product
func (f *fixture) confirmedDebt(t *testing.T, price string, days int) *models.Sale {
	t.Helper()
	p := f.product("Credit item", price, "1", "100")
	o := f.order(t, customer, OrderItemRequest{ProductID: p.ID, Quantity: 1})
	res, err := f.orders.Confirm(f.ctx, customer, o.Order.ID, &ConfirmRequest{
		PaymentMethod:  models.PaymentMethodDebt,
		MarkAsDebtDays: intPtr(days),
	})
	require.NoError(t, err)
	sale, err := f.mem.GetSaleByID(f.ctx, res.SaleID)
	require.NoError(t, err)
	return sale
}
