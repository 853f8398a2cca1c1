package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/storefront/internal/apperr"
	"github.com/kiwari-pos/storefront/internal/coupon"
	"github.com/kiwari-pos/storefront/internal/database"
	"github.com/kiwari-pos/storefront/internal/enum"
	"github.com/kiwari-pos/storefront/internal/gateway"
	"github.com/kiwari-pos/storefront/internal/pricing"
	"github.com/kiwari-pos/storefront/internal/ws"
	"github.com/shopspring/decimal"
)

// --- Mock implementations ---

// mockTx implements pgx.Tx with only the methods we need.
// The unused methods panic so we catch accidental calls.
type mockTx struct {
	commitErr   error
	rollbackErr error
	committed   bool
}

func (m *mockTx) Begin(ctx context.Context) (pgx.Tx, error) { panic("not implemented") }
func (m *mockTx) Commit(ctx context.Context) error {
	if m.commitErr == nil {
		m.committed = true
	}
	return m.commitErr
}
func (m *mockTx) Rollback(ctx context.Context) error { return m.rollbackErr }
func (m *mockTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}
func (m *mockTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}
func (m *mockTx) LargeObjects() pgx.LargeObjects { panic("not implemented") }
func (m *mockTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}
func (m *mockTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}
func (m *mockTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	panic("not implemented")
}
func (m *mockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("not implemented")
}
func (m *mockTx) Conn() *pgx.Conn { panic("not implemented") }

// mockTxBeginner implements TxBeginner.
type mockTxBeginner struct {
	tx  pgx.Tx
	err error
}

func (m *mockTxBeginner) Begin(ctx context.Context) (pgx.Tx, error) {
	return m.tx, m.err
}

// mockOrderStore implements OrderStore with configurable behavior.
type mockOrderStore struct {
	createOrderFn               func(ctx context.Context, arg database.CreateOrderParams) (database.Order, error)
	getOrderFn                  func(ctx context.Context, id uuid.UUID) (database.Order, error)
	getOrderByReferenceFn       func(ctx context.Context, reference string) (database.Order, error)
	getOrderByPaymentIntentFn   func(ctx context.Context, intentID string) (database.Order, error)
	setOrderPaymentIntentFn     func(ctx context.Context, arg database.SetOrderPaymentIntentParams) (database.Order, error)
	markOrderPaidFn             func(ctx context.Context, arg database.MarkOrderPaidParams) (database.Order, error)
	markOrderPaymentFailedFn    func(ctx context.Context, arg database.MarkOrderPaymentFailedParams) (database.Order, error)
	cancelOrderFn               func(ctx context.Context, arg database.CancelOrderParams) (database.Order, error)
	claimOrderRetryFn           func(ctx context.Context, id uuid.UUID) (database.Order, error)
	insertCouponRedemptionFn    func(ctx context.Context, arg database.InsertCouponRedemptionParams) (int64, error)
	incrementCouponUsageFn      func(ctx context.Context, id uuid.UUID) (int32, error)
	createPaymentAttemptFn      func(ctx context.Context, arg database.CreatePaymentAttemptParams) (database.PaymentAttempt, error)
	markPaymentAttemptCreatedFn func(ctx context.Context, arg database.MarkPaymentAttemptCreatedParams) error
	markPaymentAttemptErrorFn   func(ctx context.Context, arg database.MarkPaymentAttemptErrorParams) error
	getPaymentAttemptByIntentFn func(ctx context.Context, intentID pgtype.Text) (database.PaymentAttempt, error)
	listPaymentAttemptsFn       func(ctx context.Context, orderID uuid.UUID) ([]database.PaymentAttempt, error)
	createUnreconciledFn        func(ctx context.Context, arg database.CreateUnreconciledPaymentParams) (database.UnreconciledPayment, error)
	listUnreconciledFn          func(ctx context.Context, arg database.ListUnreconciledPaymentsParams) ([]database.UnreconciledPayment, error)
}

func (m *mockOrderStore) CreateOrder(ctx context.Context, arg database.CreateOrderParams) (database.Order, error) {
	return m.createOrderFn(ctx, arg)
}
func (m *mockOrderStore) GetOrder(ctx context.Context, id uuid.UUID) (database.Order, error) {
	return m.getOrderFn(ctx, id)
}
func (m *mockOrderStore) GetOrderByReference(ctx context.Context, reference string) (database.Order, error) {
	return m.getOrderByReferenceFn(ctx, reference)
}
func (m *mockOrderStore) GetOrderByPaymentIntent(ctx context.Context, intentID string) (database.Order, error) {
	return m.getOrderByPaymentIntentFn(ctx, intentID)
}
func (m *mockOrderStore) SetOrderPaymentIntent(ctx context.Context, arg database.SetOrderPaymentIntentParams) (database.Order, error) {
	return m.setOrderPaymentIntentFn(ctx, arg)
}
func (m *mockOrderStore) MarkOrderPaid(ctx context.Context, arg database.MarkOrderPaidParams) (database.Order, error) {
	return m.markOrderPaidFn(ctx, arg)
}
func (m *mockOrderStore) MarkOrderPaymentFailed(ctx context.Context, arg database.MarkOrderPaymentFailedParams) (database.Order, error) {
	return m.markOrderPaymentFailedFn(ctx, arg)
}
func (m *mockOrderStore) CancelOrder(ctx context.Context, arg database.CancelOrderParams) (database.Order, error) {
	return m.cancelOrderFn(ctx, arg)
}
func (m *mockOrderStore) ClaimOrderRetry(ctx context.Context, id uuid.UUID) (database.Order, error) {
	return m.claimOrderRetryFn(ctx, id)
}
func (m *mockOrderStore) InsertCouponRedemption(ctx context.Context, arg database.InsertCouponRedemptionParams) (int64, error) {
	return m.insertCouponRedemptionFn(ctx, arg)
}
func (m *mockOrderStore) IncrementCouponUsage(ctx context.Context, id uuid.UUID) (int32, error) {
	return m.incrementCouponUsageFn(ctx, id)
}
func (m *mockOrderStore) CreatePaymentAttempt(ctx context.Context, arg database.CreatePaymentAttemptParams) (database.PaymentAttempt, error) {
	return m.createPaymentAttemptFn(ctx, arg)
}
func (m *mockOrderStore) MarkPaymentAttemptCreated(ctx context.Context, arg database.MarkPaymentAttemptCreatedParams) error {
	return m.markPaymentAttemptCreatedFn(ctx, arg)
}
func (m *mockOrderStore) MarkPaymentAttemptError(ctx context.Context, arg database.MarkPaymentAttemptErrorParams) error {
	return m.markPaymentAttemptErrorFn(ctx, arg)
}
func (m *mockOrderStore) GetPaymentAttemptByIntent(ctx context.Context, intentID pgtype.Text) (database.PaymentAttempt, error) {
	return m.getPaymentAttemptByIntentFn(ctx, intentID)
}
func (m *mockOrderStore) ListPaymentAttemptsByOrder(ctx context.Context, orderID uuid.UUID) ([]database.PaymentAttempt, error) {
	return m.listPaymentAttemptsFn(ctx, orderID)
}
func (m *mockOrderStore) CreateUnreconciledPayment(ctx context.Context, arg database.CreateUnreconciledPaymentParams) (database.UnreconciledPayment, error) {
	return m.createUnreconciledFn(ctx, arg)
}
func (m *mockOrderStore) ListUnreconciledPayments(ctx context.Context, arg database.ListUnreconciledPaymentsParams) ([]database.UnreconciledPayment, error) {
	return m.listUnreconciledFn(ctx, arg)
}

// memDB is the row state behind defaultStore. The guarded UPDATEs mirror
// the WHERE clauses in queries/orders.sql.
type memDB struct {
	mu           sync.Mutex
	orders       map[uuid.UUID]database.Order
	attempts     []database.PaymentAttempt
	redemptions  map[[2]uuid.UUID]bool
	couponUses   map[uuid.UUID]int32
	couponCap    int32
	unreconciled []database.UnreconciledPayment
}

func newMemDB() *memDB {
	return &memDB{
		orders:      make(map[uuid.UUID]database.Order),
		redemptions: make(map[[2]uuid.UUID]bool),
		couponUses:  make(map[uuid.UUID]int32),
	}
}

func (db *memDB) update(id uuid.UUID, cond func(o database.Order) bool, apply func(o *database.Order)) (database.Order, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	o, ok := db.orders[id]
	if !ok || !cond(o) {
		return database.Order{}, pgx.ErrNoRows
	}
	apply(&o)
	db.orders[id] = o
	return o, nil
}

func (db *memDB) find(match func(o database.Order) bool) (database.Order, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, o := range db.orders {
		if match(o) {
			return o, nil
		}
	}
	return database.Order{}, pgx.ErrNoRows
}

func (db *memDB) order(t *testing.T, id uuid.UUID) database.Order {
	t.Helper()
	db.mu.Lock()
	defer db.mu.Unlock()
	o, ok := db.orders[id]
	if !ok {
		t.Fatalf("order %s not stored", id)
	}
	return o
}

// defaultStore returns a mockOrderStore backed by db.
// Individual tests override the functions they care about.
func defaultStore(db *memDB) *mockOrderStore {
	return &mockOrderStore{
		createOrderFn: func(ctx context.Context, arg database.CreateOrderParams) (database.Order, error) {
			db.mu.Lock()
			defer db.mu.Unlock()
			o := database.Order{
				ID:                 uuid.New(),
				Reference:          arg.Reference,
				Status:             enum.OrderStatusNew,
				PaymentStatus:      arg.PaymentStatus,
				OrderType:          arg.OrderType,
				PaymentMethod:      arg.PaymentMethod,
				CouponID:           arg.CouponID,
				CustomerName:       arg.CustomerName,
				CustomerEmail:      arg.CustomerEmail,
				Items:              arg.Items,
				Subtotal:           arg.Subtotal,
				ServiceFee:         arg.ServiceFee,
				CouponDiscount:     arg.CouponDiscount,
				RoundingAdjustment: arg.RoundingAdjustment,
				TotalAmount:        arg.TotalAmount,
				Currency:           arg.Currency,
			}
			db.orders[o.ID] = o
			return o, nil
		},
		getOrderFn: func(ctx context.Context, id uuid.UUID) (database.Order, error) {
			return db.find(func(o database.Order) bool { return o.ID == id })
		},
		getOrderByReferenceFn: func(ctx context.Context, reference string) (database.Order, error) {
			return db.find(func(o database.Order) bool { return o.Reference == reference })
		},
		getOrderByPaymentIntentFn: func(ctx context.Context, intentID string) (database.Order, error) {
			return db.find(func(o database.Order) bool { return o.PaymentIntentID.Valid && o.PaymentIntentID.String == intentID })
		},
		setOrderPaymentIntentFn: func(ctx context.Context, arg database.SetOrderPaymentIntentParams) (database.Order, error) {
			return db.update(arg.ID,
				func(o database.Order) bool { return o.PaymentStatus == enum.PaymentStatusPendingPayment },
				func(o *database.Order) { o.PaymentIntentID = arg.PaymentIntentID })
		},
		markOrderPaidFn: func(ctx context.Context, arg database.MarkOrderPaidParams) (database.Order, error) {
			return db.update(arg.ID,
				func(o database.Order) bool { return o.PaymentStatus != enum.PaymentStatusPaid },
				func(o *database.Order) {
					o.PaymentStatus = enum.PaymentStatusPaid
					o.PaymentIntentID = arg.PaymentIntentID
					o.FailureCode = pgtype.Text{}
				})
		},
		markOrderPaymentFailedFn: func(ctx context.Context, arg database.MarkOrderPaymentFailedParams) (database.Order, error) {
			return db.update(arg.ID,
				func(o database.Order) bool { return o.PaymentStatus == enum.PaymentStatusPendingPayment },
				func(o *database.Order) {
					o.PaymentStatus = enum.PaymentStatusFailed
					o.FailureCode = arg.FailureCode
				})
		},
		cancelOrderFn: func(ctx context.Context, arg database.CancelOrderParams) (database.Order, error) {
			return db.update(arg.ID,
				func(o database.Order) bool {
					return o.Status != enum.OrderStatusCancelled &&
						(o.PaymentStatus == enum.PaymentStatusPendingPayment || o.PaymentStatus == enum.PaymentStatusFailed)
				},
				func(o *database.Order) {
					o.Status = enum.OrderStatusCancelled
					o.PaymentStatus = enum.PaymentStatusFailed
					o.FailureCode = arg.FailureCode
				})
		},
		claimOrderRetryFn: func(ctx context.Context, id uuid.UUID) (database.Order, error) {
			return db.update(id,
				func(o database.Order) bool {
					return o.PaymentStatus == enum.PaymentStatusFailed && o.Status != enum.OrderStatusCancelled
				},
				func(o *database.Order) {
					o.PaymentStatus = enum.PaymentStatusPendingPayment
					o.PaymentIntentID = pgtype.Text{}
					o.FailureCode = pgtype.Text{}
				})
		},
		insertCouponRedemptionFn: func(ctx context.Context, arg database.InsertCouponRedemptionParams) (int64, error) {
			db.mu.Lock()
			defer db.mu.Unlock()
			key := [2]uuid.UUID{arg.CouponID, arg.OrderID}
			if db.redemptions[key] {
				return 0, nil
			}
			db.redemptions[key] = true
			return 1, nil
		},
		incrementCouponUsageFn: func(ctx context.Context, id uuid.UUID) (int32, error) {
			db.mu.Lock()
			defer db.mu.Unlock()
			if db.couponCap > 0 && db.couponUses[id] >= db.couponCap {
				return 0, pgx.ErrNoRows
			}
			db.couponUses[id]++
			return db.couponUses[id], nil
		},
		createPaymentAttemptFn: func(ctx context.Context, arg database.CreatePaymentAttemptParams) (database.PaymentAttempt, error) {
			db.mu.Lock()
			defer db.mu.Unlock()
			a := database.PaymentAttempt{ID: uuid.New(), OrderID: arg.OrderID, Amount: arg.Amount, Status: enum.AttemptStatusRequested}
			db.attempts = append(db.attempts, a)
			return a, nil
		},
		markPaymentAttemptCreatedFn: func(ctx context.Context, arg database.MarkPaymentAttemptCreatedParams) error {
			db.mu.Lock()
			defer db.mu.Unlock()
			for i := range db.attempts {
				if db.attempts[i].ID == arg.ID {
					db.attempts[i].Status = enum.AttemptStatusCreated
					db.attempts[i].IntentID = arg.IntentID
				}
			}
			return nil
		},
		markPaymentAttemptErrorFn: func(ctx context.Context, arg database.MarkPaymentAttemptErrorParams) error {
			db.mu.Lock()
			defer db.mu.Unlock()
			for i := range db.attempts {
				if db.attempts[i].ID == arg.ID {
					db.attempts[i].Status = enum.AttemptStatusError
					db.attempts[i].ErrorCode = arg.ErrorCode
				}
			}
			return nil
		},
		getPaymentAttemptByIntentFn: func(ctx context.Context, intentID pgtype.Text) (database.PaymentAttempt, error) {
			db.mu.Lock()
			defer db.mu.Unlock()
			for _, a := range db.attempts {
				if a.IntentID.Valid && a.IntentID.String == intentID.String {
					return a, nil
				}
			}
			return database.PaymentAttempt{}, pgx.ErrNoRows
		},
		listPaymentAttemptsFn: func(ctx context.Context, orderID uuid.UUID) ([]database.PaymentAttempt, error) {
			db.mu.Lock()
			defer db.mu.Unlock()
			var out []database.PaymentAttempt
			for _, a := range db.attempts {
				if a.OrderID == orderID {
					out = append(out, a)
				}
			}
			return out, nil
		},
		createUnreconciledFn: func(ctx context.Context, arg database.CreateUnreconciledPaymentParams) (database.UnreconciledPayment, error) {
			db.mu.Lock()
			defer db.mu.Unlock()
			for _, u := range db.unreconciled {
				if u.EventID == arg.EventID {
					return database.UnreconciledPayment{}, pgx.ErrNoRows
				}
			}
			u := database.UnreconciledPayment{ID: uuid.New(), EventID: arg.EventID, EventType: arg.EventType, IntentID: arg.IntentID, Reference: arg.Reference, Status: arg.Status, Reason: arg.Reason, OrderID: arg.OrderID, Payload: arg.Payload}
			db.unreconciled = append(db.unreconciled, u)
			return u, nil
		},
		listUnreconciledFn: func(ctx context.Context, arg database.ListUnreconciledPaymentsParams) ([]database.UnreconciledPayment, error) {
			db.mu.Lock()
			defer db.mu.Unlock()
			return append([]database.UnreconciledPayment(nil), db.unreconciled...), nil
		},
	}
}

type mockQuoter struct {
	quoteFn func(ctx context.Context, req QuoteRequest) (*Quote, error)
}

func (m *mockQuoter) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	return m.quoteFn(ctx, req)
}

// fixedQuote returns a quoter that prices every cart at total.
func fixedQuote(total string) *mockQuoter {
	return &mockQuoter{quoteFn: func(ctx context.Context, req QuoteRequest) (*Quote, error) {
		d := decimal.RequireFromString(total)
		return &Quote{Breakdown: pricing.Breakdown{Subtotal: d, Total: d}}, nil
	}}
}

type mockGateway struct {
	mu          sync.Mutex
	createFn    func(ctx context.Context, p gateway.CreateIntentParams) (*gateway.Intent, error)
	getFn       func(ctx context.Context, id string) (*gateway.Intent, error)
	cancelFn    func(ctx context.Context, id string) (*gateway.Intent, error)
	createCalls []gateway.CreateIntentParams
	getCalls    int
	cancelCalls []string
}

func (m *mockGateway) CreateIntent(ctx context.Context, p gateway.CreateIntentParams) (*gateway.Intent, error) {
	m.mu.Lock()
	m.createCalls = append(m.createCalls, p)
	m.mu.Unlock()
	return m.createFn(ctx, p)
}
func (m *mockGateway) GetIntent(ctx context.Context, id string) (*gateway.Intent, error) {
	m.mu.Lock()
	m.getCalls++
	m.mu.Unlock()
	return m.getFn(ctx, id)
}
func (m *mockGateway) CancelIntent(ctx context.Context, id string) (*gateway.Intent, error) {
	m.mu.Lock()
	m.cancelCalls = append(m.cancelCalls, id)
	m.mu.Unlock()
	if m.cancelFn == nil {
		return &gateway.Intent{ID: id, Status: gateway.StatusCanceled}, nil
	}
	return m.cancelFn(ctx, id)
}

// sequentialIntents hands out pi_1, pi_2, ... for every create call.
func sequentialIntents(gw *mockGateway) func(ctx context.Context, p gateway.CreateIntentParams) (*gateway.Intent, error) {
	return func(ctx context.Context, p gateway.CreateIntentParams) (*gateway.Intent, error) {
		n := len(gw.createCalls)
		id := "pi_" + string(rune('0'+n))
		return &gateway.Intent{ID: id, Status: gateway.StatusRequiresPaymentMethod, Amount: p.Amount, ClientSecret: id + "_secret", Metadata: p.Metadata}, nil
	}
}

type mockNotifier struct {
	mu     sync.Mutex
	events []ws.Event
}

func (m *mockNotifier) BroadcastToOrder(orderID uuid.UUID, event ws.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

// --- Test helpers ---

type testEnv struct {
	svc      *OrderService
	db       *memDB
	store    *mockOrderStore
	tx       *mockTx
	gw       *mockGateway
	notifier *mockNotifier
}

var fastRetry = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

// newTestService creates an OrderService with mocked dependencies.
func newTestService(quoter Quoter) *testEnv {
	db := newMemDB()
	store := defaultStore(db)
	tx := &mockTx{}
	gw := &mockGateway{}
	gw.createFn = sequentialIntents(gw)
	notifier := &mockNotifier{}

	svc := NewOrderService(OrderDeps{
		Pool:     &mockTxBeginner{tx: tx},
		Store:    store,
		NewStore: func(database.DBTX) OrderStore { return store },
		Quotes:   quoter,
		Gateway:  gw,
		Notifier: notifier,
	}, OrderConfig{Currency: "EUR", Retry: fastRetry})
	return &testEnv{svc: svc, db: db, store: store, tx: tx, gw: gw, notifier: notifier}
}

func checkoutReq(method string) CheckoutRequest {
	return CheckoutRequest{
		Quote: QuoteRequest{
			OrderType:     enum.OrderTypePickup,
			PaymentMethod: method,
			Items:         []QuoteItem{{MenuItemID: uuid.New(), Quantity: 1}},
		},
		Customer: Customer{Name: "Ana", Email: "ana@example.com"},
	}
}

// placeCardOrder checks out a card order and fails the test on error.
func placeCardOrder(t *testing.T, env *testEnv) database.Order {
	t.Helper()
	res, err := env.svc.Checkout(context.Background(), checkoutReq(enum.PaymentMethodCard))
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	return res.Order
}

func numericEquals(n pgtype.Numeric, expected string) bool {
	return numericToDecimal(n).Equal(decimal.RequireFromString(expected))
}

// --- Checkout ---

func TestCheckout_Cash(t *testing.T) {
	env := newTestService(fixedQuote("12.50"))

	res, err := env.svc.Checkout(context.Background(), checkoutReq(enum.PaymentMethodCash))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Order.PaymentStatus != enum.PaymentStatusPending {
		t.Errorf("payment_status = %q, want pending", res.Order.PaymentStatus)
	}
	if StateOf(res.Order) != StateCashDue {
		t.Errorf("state = %s, want cash_due", StateOf(res.Order))
	}
	if res.ClientSecret != "" {
		t.Error("cash orders must not get a client secret")
	}
	if len(env.gw.createCalls) != 0 {
		t.Errorf("gateway called %d times for a cash order", len(env.gw.createCalls))
	}
	if !env.tx.committed {
		t.Error("order tx not committed")
	}
	if !numericEquals(res.Order.TotalAmount, "12.50") {
		t.Errorf("total = %v", numericToDecimal(res.Order.TotalAmount))
	}
	if len(res.Order.Reference) != len("WEB-")+12 {
		t.Errorf("unexpected reference %q", res.Order.Reference)
	}
	if len(env.notifier.events) != 1 || env.notifier.events[0].Type != EventOrderPaymentStatus {
		t.Errorf("events = %+v", env.notifier.events)
	}
}

func TestCheckout_Card(t *testing.T) {
	env := newTestService(fixedQuote("12.50"))

	res, err := env.svc.Checkout(context.Background(), checkoutReq(enum.PaymentMethodCard))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if StateOf(res.Order) != StateAwaitingConfirmation {
		t.Errorf("state = %s, want awaiting_confirmation", StateOf(res.Order))
	}
	if res.ClientSecret != "pi_1_secret" {
		t.Errorf("client secret = %q", res.ClientSecret)
	}

	if len(env.gw.createCalls) != 1 {
		t.Fatalf("gateway create calls = %d, want 1", len(env.gw.createCalls))
	}
	call := env.gw.createCalls[0]
	if call.Amount != 1250 {
		t.Errorf("amount = %d, want 1250 minor units", call.Amount)
	}
	if call.Currency != "EUR" {
		t.Errorf("currency = %q", call.Currency)
	}
	if call.Metadata["order_ref"] != res.Order.Reference || call.Metadata["order_id"] != res.Order.ID.String() {
		t.Errorf("metadata = %v", call.Metadata)
	}

	if len(env.db.attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(env.db.attempts))
	}
	attempt := env.db.attempts[0]
	if call.IdempotencyKey != attempt.ID.String() {
		t.Errorf("idempotency key = %q, want attempt id %s", call.IdempotencyKey, attempt.ID)
	}
	if attempt.Status != enum.AttemptStatusCreated || attempt.IntentID.String != "pi_1" {
		t.Errorf("attempt = %+v", attempt)
	}
}

func TestCheckout_CardZeroTotalRejected(t *testing.T) {
	env := newTestService(fixedQuote("0.004"))

	_, err := env.svc.Checkout(context.Background(), checkoutReq(enum.PaymentMethodCard))
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(env.db.orders) != 0 {
		t.Error("no order should be created")
	}
}

func TestCheckout_InvalidCustomer(t *testing.T) {
	tests := []struct {
		name     string
		customer Customer
		field    string
	}{
		{"missing name", Customer{Name: " ", Email: "a@example.com"}, "customer.name"},
		{"bad email", Customer{Name: "Ana", Email: "not-an-email"}, "customer.email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestService(fixedQuote("10"))
			req := checkoutReq(enum.PaymentMethodCash)
			req.Customer = tt.customer

			_, err := env.svc.Checkout(context.Background(), req)
			var ve *apperr.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestCheckout_QuoteErrorPropagates(t *testing.T) {
	env := newTestService(&mockQuoter{quoteFn: func(ctx context.Context, req QuoteRequest) (*Quote, error) {
		return nil, &apperr.RangeError{Kind: apperr.RangeOutOfRange, DistanceKm: 14}
	}})

	_, err := env.svc.Checkout(context.Background(), checkoutReq(enum.PaymentMethodCash))
	var re *apperr.RangeError
	if !errors.As(err, &re) {
		t.Fatalf("expected RangeError, got %v", err)
	}
	if len(env.db.orders) != 0 {
		t.Error("no order should be created for an out-of-range address")
	}
}

func TestCheckout_ReferenceConflictRetried(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	create := env.store.createOrderFn
	var refs []string
	env.store.createOrderFn = func(ctx context.Context, arg database.CreateOrderParams) (database.Order, error) {
		refs = append(refs, arg.Reference)
		if len(refs) == 1 {
			return database.Order{}, &pgconn.PgError{Code: "23505", ConstraintName: "orders_reference_key"}
		}
		return create(ctx, arg)
	}
	n := 0
	env.svc.newReference = func() string {
		n++
		return "WEB-00000000000" + string(rune('0'+n))
	}

	res, err := env.svc.Checkout(context.Background(), checkoutReq(enum.PaymentMethodCash))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(refs) != 2 || refs[0] == refs[1] {
		t.Errorf("references tried = %v", refs)
	}
	if res.Order.Reference != refs[1] {
		t.Errorf("reference = %q, want %q", res.Order.Reference, refs[1])
	}
}

func TestCheckout_OtherUniqueViolationNotRetried(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	calls := 0
	env.store.createOrderFn = func(ctx context.Context, arg database.CreateOrderParams) (database.Order, error) {
		calls++
		return database.Order{}, &pgconn.PgError{Code: "23505", ConstraintName: "orders_payment_intent_id_key"}
	}

	if _, err := env.svc.Checkout(context.Background(), checkoutReq(enum.PaymentMethodCash)); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("create calls = %d, want 1", calls)
	}
}

func TestCheckout_CouponRedeemedWithOrder(t *testing.T) {
	couponID := uuid.New()
	env := newTestService(&mockQuoter{quoteFn: func(ctx context.Context, req QuoteRequest) (*Quote, error) {
		return &Quote{
			Breakdown: pricing.Breakdown{Subtotal: decimal.NewFromInt(20), CouponDiscount: decimal.NewFromInt(2), Total: decimal.NewFromInt(18)},
			Coupon:    &coupon.Applied{ID: couponID, Code: "SAVE10"},
		}, nil
	}})

	res, err := env.svc.Checkout(context.Background(), checkoutReq(enum.PaymentMethodCash))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !env.db.redemptions[[2]uuid.UUID{couponID, res.Order.ID}] {
		t.Error("redemption not recorded")
	}
	if env.db.couponUses[couponID] != 1 {
		t.Errorf("uses = %d, want 1", env.db.couponUses[couponID])
	}
	if !res.Order.CouponID.Valid || res.Order.CouponID.Bytes != couponID {
		t.Error("order does not reference the coupon")
	}
}

func TestCheckout_PersistsRoundingAdjustment(t *testing.T) {
	env := newTestService(&mockQuoter{quoteFn: func(ctx context.Context, req QuoteRequest) (*Quote, error) {
		return &Quote{Breakdown: pricing.Breakdown{
			Subtotal:       decimal.RequireFromString("10.10"),
			ServiceFee:     decimal.RequireFromString("0.2525"),
			CouponDiscount: decimal.RequireFromString("1.515"),
			Total:          decimal.RequireFromString("8.8375"),
		}}, nil
	}})

	res, err := env.svc.Checkout(context.Background(), checkoutReq(enum.PaymentMethodCash))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	o := env.db.order(t, res.Order.ID)
	for name, c := range map[string]struct {
		got  pgtype.Numeric
		want string
	}{
		"subtotal":    {o.Subtotal, "10.10"},
		"service fee": {o.ServiceFee, "0.25"},
		"discount":    {o.CouponDiscount, "1.52"},
		"rounding":    {o.RoundingAdjustment, "0.01"},
		"total":       {o.TotalAmount, "8.84"},
	} {
		if !numericEquals(c.got, c.want) {
			t.Errorf("%s = %s, want %s", name, numericToDecimal(c.got), c.want)
		}
	}
	if res.Breakdown.Rounding.String() != "0.01" {
		t.Errorf("breakdown rounding = %s, want 0.01", res.Breakdown.Rounding)
	}
}

func TestCheckout_CouponExhaustedRollsBack(t *testing.T) {
	couponID := uuid.New()
	env := newTestService(&mockQuoter{quoteFn: func(ctx context.Context, req QuoteRequest) (*Quote, error) {
		return &Quote{
			Breakdown: pricing.Breakdown{Subtotal: decimal.NewFromInt(20), Total: decimal.NewFromInt(18)},
			Coupon:    &coupon.Applied{ID: couponID, Code: "SAVE10"},
		}, nil
	}})
	env.db.couponCap = 1
	env.db.couponUses[couponID] = 1

	_, err := env.svc.Checkout(context.Background(), checkoutReq(enum.PaymentMethodCard))
	if !coupon.IsRejected(err, coupon.ReasonUsageExhausted) {
		t.Fatalf("expected usage_exhausted rejection, got %v", err)
	}
	if env.tx.committed {
		t.Error("tx must not commit when the coupon is exhausted")
	}
	if len(env.gw.createCalls) != 0 {
		t.Error("gateway must not be called")
	}
}

func TestCheckout_IntentDeclineMarksOrderFailed(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	env.gw.createFn = func(ctx context.Context, p gateway.CreateIntentParams) (*gateway.Intent, error) {
		return nil, &apperr.DeclineError{Code: "amount_too_small", Message: "no"}
	}

	res, err := env.svc.Checkout(context.Background(), checkoutReq(enum.PaymentMethodCard))
	var de *apperr.DeclineError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeclineError, got %v", err)
	}
	if res == nil {
		t.Fatal("result must carry the persisted order")
	}
	if StateOf(res.Order) != StateFailed {
		t.Errorf("state = %s, want failed", StateOf(res.Order))
	}
	if res.Order.FailureCode.String != FailureIntentError {
		t.Errorf("failure code = %q", res.Order.FailureCode.String)
	}
	if len(env.gw.createCalls) != 1 {
		t.Errorf("declines must not be retried, got %d calls", len(env.gw.createCalls))
	}
	if a := env.db.attempts[0]; a.Status != enum.AttemptStatusError || a.ErrorCode.String != "amount_too_small" {
		t.Errorf("attempt = %+v", a)
	}
}

func TestCheckout_TransportErrorsRetried(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	next := sequentialIntents(env.gw)
	env.gw.createFn = func(ctx context.Context, p gateway.CreateIntentParams) (*gateway.Intent, error) {
		if len(env.gw.createCalls) < 3 {
			return nil, &apperr.TransportError{Op: "create intent", Err: errors.New("connection reset")}
		}
		return next(ctx, p)
	}

	res, err := env.svc.Checkout(context.Background(), checkoutReq(enum.PaymentMethodCard))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(env.gw.createCalls) != 3 {
		t.Errorf("create calls = %d, want 3", len(env.gw.createCalls))
	}
	keys := map[string]bool{}
	for _, c := range env.gw.createCalls {
		keys[c.IdempotencyKey] = true
	}
	if len(keys) != 1 {
		t.Errorf("retries must reuse one idempotency key, got %v", keys)
	}
	if StateOf(res.Order) != StateAwaitingConfirmation {
		t.Errorf("state = %s", StateOf(res.Order))
	}
}

func TestCheckout_TransportErrorsExhausted(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	env.gw.createFn = func(ctx context.Context, p gateway.CreateIntentParams) (*gateway.Intent, error) {
		return nil, &apperr.TransportError{Op: "create intent", Err: errors.New("timeout")}
	}

	res, err := env.svc.Checkout(context.Background(), checkoutReq(enum.PaymentMethodCard))
	if !apperr.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if len(env.gw.createCalls) != 3 {
		t.Errorf("create calls = %d, want 3", len(env.gw.createCalls))
	}
	if StateOf(res.Order) != StateFailed {
		t.Errorf("state = %s, want failed", StateOf(res.Order))
	}
}

// --- Client confirmation ---

func TestConfirmFromClient_SucceededIsIdempotent(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	order := placeCardOrder(t, env)
	env.gw.getFn = func(ctx context.Context, id string) (*gateway.Intent, error) {
		return &gateway.Intent{ID: id, Status: gateway.StatusSucceeded}, nil
	}

	first, err := env.svc.ConfirmFromClient(context.Background(), order.ID, order.Reference, "pi_1")
	if err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	if first.PaymentStatus != enum.PaymentStatusPaid {
		t.Fatalf("payment_status = %q, want paid", first.PaymentStatus)
	}

	second, err := env.svc.ConfirmFromClient(context.Background(), order.ID, order.Reference, "pi_1")
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if second.PaymentStatus != enum.PaymentStatusPaid {
		t.Errorf("payment_status = %q", second.PaymentStatus)
	}
	if env.gw.getCalls != 1 {
		t.Errorf("gateway get calls = %d, want 1", env.gw.getCalls)
	}
}

func TestConfirmFromClient_Processing(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	order := placeCardOrder(t, env)
	env.gw.getFn = func(ctx context.Context, id string) (*gateway.Intent, error) {
		return &gateway.Intent{ID: id, Status: gateway.StatusProcessing}, nil
	}

	got, err := env.svc.ConfirmFromClient(context.Background(), order.ID, order.Reference, "pi_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if StateOf(got) != StateAwaitingConfirmation {
		t.Errorf("state = %s, want awaiting_confirmation", StateOf(got))
	}
}

func TestConfirmFromClient_RequiresPaymentMethodFails(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	order := placeCardOrder(t, env)
	env.gw.getFn = func(ctx context.Context, id string) (*gateway.Intent, error) {
		return &gateway.Intent{ID: id, Status: gateway.StatusRequiresPaymentMethod, LastPaymentError: &gateway.PaymentError{Code: "card_declined"}}, nil
	}

	got, err := env.svc.ConfirmFromClient(context.Background(), order.ID, order.Reference, "pi_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if StateOf(got) != StateFailed || got.FailureCode.String != "card_declined" {
		t.Errorf("state = %s, code = %q", StateOf(got), got.FailureCode.String)
	}
}

func TestConfirmFromClient_Rejections(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	order := placeCardOrder(t, env)

	if _, err := env.svc.ConfirmFromClient(context.Background(), order.ID, "WEB-WRONG", "pi_1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("wrong reference: expected ErrNotFound, got %v", err)
	}
	var ve *apperr.ValidationError
	if _, err := env.svc.ConfirmFromClient(context.Background(), order.ID, order.Reference, "pi_other"); !errors.As(err, &ve) {
		t.Errorf("wrong intent: expected ValidationError, got %v", err)
	}
	if _, err := env.svc.ConfirmFromClient(context.Background(), uuid.New(), order.Reference, "pi_1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown order: expected ErrNotFound, got %v", err)
	}
}

// --- Failure, retry and cancel ---

func TestRetryReusesOrder(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	order := placeCardOrder(t, env)
	ctx := context.Background()

	failed, err := env.svc.ReportFailure(ctx, order.ID, order.Reference, "card_declined")
	if err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}
	if StateOf(failed) != StateFailed {
		t.Fatalf("state = %s, want failed", StateOf(failed))
	}

	res, err := env.svc.Retry(ctx, order.ID, order.Reference)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if res.Order.ID != order.ID {
		t.Error("retry must reuse the order row")
	}
	if len(env.db.orders) != 1 {
		t.Errorf("orders = %d, want 1", len(env.db.orders))
	}
	if res.Order.PaymentIntentID.String != "pi_2" || res.ClientSecret != "pi_2_secret" {
		t.Errorf("intent = %q, secret = %q", res.Order.PaymentIntentID.String, res.ClientSecret)
	}
	if len(env.db.attempts) != 2 || env.gw.createCalls[0].IdempotencyKey == env.gw.createCalls[1].IdempotencyKey {
		t.Error("each retry needs its own attempt and idempotency key")
	}

	// Not failed any more: a second retry is a conflict.
	_, err = env.svc.Retry(ctx, order.ID, order.Reference)
	var ce *apperr.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestRetryAsOperator(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	ctx := context.Background()

	cash, err := env.svc.Checkout(ctx, checkoutReq(enum.PaymentMethodCash))
	if err != nil {
		t.Fatal(err)
	}
	var ce *apperr.ConflictError
	if _, err := env.svc.RetryAsOperator(ctx, cash.Order.ID); !errors.As(err, &ce) {
		t.Errorf("cash order retry: expected ConflictError, got %v", err)
	}

	card := placeCardOrder(t, env)
	if _, err := env.svc.ReportFailure(ctx, card.ID, card.Reference, ""); err != nil {
		t.Fatal(err)
	}
	res, err := env.svc.RetryAsOperator(ctx, card.ID)
	if err != nil {
		t.Fatalf("RetryAsOperator: %v", err)
	}
	if StateOf(res.Order) != StateAwaitingConfirmation {
		t.Errorf("state = %s", StateOf(res.Order))
	}
}

func TestRetry_ClosesPreviousIntentAndParksSecondCapture(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	order := placeCardOrder(t, env)
	ctx := context.Background()

	if _, err := env.svc.ReportFailure(ctx, order.ID, order.Reference, "card_declined"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.Retry(ctx, order.ID, order.Reference); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if len(env.gw.cancelCalls) != 1 || env.gw.cancelCalls[0] != "pi_1" {
		t.Fatalf("cancel calls after retry = %v, want [pi_1]", env.gw.cancelCalls)
	}

	// pi_1 was captured before the cancel reached the gateway.
	if err := env.svc.ReconcileEvent(ctx, succeededEvent("evt_1", "pi_1", nil), nil); err != nil {
		t.Fatalf("reconcile pi_1: %v", err)
	}
	got := env.db.order(t, order.ID)
	if StateOf(got) != StatePaid || got.PaymentIntentID.String != "pi_1" {
		t.Fatalf("state = %s, intent = %q; want paid by pi_1", StateOf(got), got.PaymentIntentID.String)
	}
	if n := len(env.gw.cancelCalls); n != 2 || env.gw.cancelCalls[1] != "pi_2" {
		t.Errorf("live intent not cancelled: cancel calls = %v", env.gw.cancelCalls)
	}

	// pi_2 settled as well: the order stays paid and the capture is parked.
	err := env.svc.ReconcileEvent(ctx, succeededEvent("evt_2", "pi_2", nil), []byte(`{"id":"evt_2"}`))
	var miss *apperr.ReconciliationMiss
	if !errors.As(err, &miss) || !miss.Duplicate {
		t.Fatalf("reconcile pi_2: expected duplicate ReconciliationMiss, got %v", err)
	}
	if miss.Reference != order.Reference {
		t.Errorf("miss reference = %q", miss.Reference)
	}
	if got := env.db.order(t, order.ID); got.PaymentIntentID.String != "pi_1" {
		t.Errorf("settling intent changed to %q", got.PaymentIntentID.String)
	}

	// Redelivery does not add a second row.
	_ = env.svc.ReconcileEvent(ctx, succeededEvent("evt_2", "pi_2", nil), nil)
	rows, err := env.svc.ListUnreconciled(ctx, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("unreconciled rows = %d, want 1", len(rows))
	}
	r := rows[0]
	if r.IntentID != "pi_2" || r.Reason != enum.UnreconciledDuplicatePayment || uuid.UUID(r.OrderID.Bytes) != order.ID {
		t.Errorf("unreconciled = %+v", r)
	}
}

func TestRetry_PreviousIntentAlreadySucceeded(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	order := placeCardOrder(t, env)
	ctx := context.Background()
	if _, err := env.svc.ReportFailure(ctx, order.ID, order.Reference, ""); err != nil {
		t.Fatal(err)
	}

	env.gw.cancelFn = func(ctx context.Context, id string) (*gateway.Intent, error) {
		return nil, apperr.Validation("intent", "cannot cancel a succeeded intent")
	}
	env.gw.getFn = func(ctx context.Context, id string) (*gateway.Intent, error) {
		return &gateway.Intent{ID: id, Status: gateway.StatusSucceeded}, nil
	}

	res, err := env.svc.Retry(ctx, order.ID, order.Reference)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if StateOf(res.Order) != StatePaid || res.ClientSecret != "" {
		t.Errorf("state = %s, secret = %q; want paid without a new intent", StateOf(res.Order), res.ClientSecret)
	}
	if len(env.gw.createCalls) != 1 {
		t.Errorf("create calls = %d, want 1", len(env.gw.createCalls))
	}
}

func TestRetry_PreviousIntentStillOpen(t *testing.T) {
	tests := []struct {
		name   string
		getErr error
		status string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "processing",
			status: gateway.StatusProcessing,
			check: func(t *testing.T, err error) {
				var ce *apperr.ConflictError
				if !errors.As(err, &ce) {
					t.Errorf("expected ConflictError, got %v", err)
				}
			},
		},
		{
			name:   "gateway unreachable",
			getErr: &apperr.TransportError{Op: "get intent", Err: errors.New("down")},
			check: func(t *testing.T, err error) {
				if !apperr.IsTransport(err) {
					t.Errorf("expected TransportError, got %v", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestService(fixedQuote("10"))
			order := placeCardOrder(t, env)
			ctx := context.Background()
			if _, err := env.svc.ReportFailure(ctx, order.ID, order.Reference, ""); err != nil {
				t.Fatal(err)
			}
			env.gw.cancelFn = func(ctx context.Context, id string) (*gateway.Intent, error) {
				return nil, &apperr.TransportError{Op: "cancel intent", Err: errors.New("down")}
			}
			env.gw.getFn = func(ctx context.Context, id string) (*gateway.Intent, error) {
				if tt.getErr != nil {
					return nil, tt.getErr
				}
				return &gateway.Intent{ID: id, Status: tt.status}, nil
			}

			_, err := env.svc.Retry(ctx, order.ID, order.Reference)
			tt.check(t, err)
			if len(env.gw.createCalls) != 1 {
				t.Errorf("create calls = %d, want 1", len(env.gw.createCalls))
			}
			if got := env.db.order(t, order.ID); StateOf(got) != StateFailed {
				t.Errorf("state = %s, want failed", StateOf(got))
			}
		})
	}
}

func TestReportFailure_DefaultCode(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	order := placeCardOrder(t, env)

	got, err := env.svc.ReportFailure(context.Background(), order.ID, order.Reference, "")
	if err != nil {
		t.Fatal(err)
	}
	if got.FailureCode.String != "client_reported" {
		t.Errorf("failure code = %q", got.FailureCode.String)
	}
}

func TestCancel(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	order := placeCardOrder(t, env)
	ctx := context.Background()

	got, err := env.svc.Cancel(ctx, order.ID, order.Reference)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if StateOf(got) != StateCancelled {
		t.Errorf("state = %s, want cancelled", StateOf(got))
	}
	if len(env.gw.cancelCalls) != 1 || env.gw.cancelCalls[0] != "pi_1" {
		t.Errorf("cancel calls = %v", env.gw.cancelCalls)
	}

	// Cancelling twice is a no-op.
	if _, err := env.svc.Cancel(ctx, order.ID, order.Reference); err != nil {
		t.Errorf("second cancel: %v", err)
	}

	var ce *apperr.ConflictError
	if _, err := env.svc.Retry(ctx, order.ID, order.Reference); !errors.As(err, &ce) {
		t.Errorf("retry after cancel: expected ConflictError, got %v", err)
	}
}

func TestCancel_GatewayErrorIgnored(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	order := placeCardOrder(t, env)
	env.gw.cancelFn = func(ctx context.Context, id string) (*gateway.Intent, error) {
		return nil, &apperr.TransportError{Op: "cancel intent", Err: errors.New("down")}
	}

	got, err := env.svc.Cancel(context.Background(), order.ID, order.Reference)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if StateOf(got) != StateCancelled {
		t.Errorf("state = %s", StateOf(got))
	}
}

func TestCancel_PaidOrderConflict(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	order := placeCardOrder(t, env)
	ctx := context.Background()
	if err := env.svc.ReconcileEvent(ctx, succeededEvent("evt_1", "pi_1", nil), nil); err != nil {
		t.Fatal(err)
	}

	var ce *apperr.ConflictError
	if _, err := env.svc.Cancel(ctx, order.ID, order.Reference); !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

// --- Webhook reconciliation ---

func succeededEvent(eventID, intentID string, metadata map[string]string) *gateway.Event {
	return intentEvent(eventID, gateway.EventIntentSucceeded, intentID, gateway.StatusSucceeded, metadata)
}

func intentEvent(eventID, typ, intentID, status string, metadata map[string]string) *gateway.Event {
	ev := &gateway.Event{ID: eventID, Type: typ}
	ev.Data.Object = gateway.Intent{ID: intentID, Status: status, Metadata: metadata}
	return ev
}

func TestReconcileEvent_MarksPaid(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	order := placeCardOrder(t, env)
	ctx := context.Background()

	if err := env.svc.ReconcileEvent(ctx, succeededEvent("evt_1", "pi_1", nil), nil); err != nil {
		t.Fatalf("ReconcileEvent: %v", err)
	}
	if got := env.db.order(t, order.ID); got.PaymentStatus != enum.PaymentStatusPaid {
		t.Fatalf("payment_status = %q, want paid", got.PaymentStatus)
	}

	// Redelivery is harmless.
	if err := env.svc.ReconcileEvent(ctx, succeededEvent("evt_1", "pi_1", nil), nil); err != nil {
		t.Fatalf("redelivered event: %v", err)
	}
}

func TestReconcileEvent_SupersededIntentStillPays(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	order := placeCardOrder(t, env)
	ctx := context.Background()

	if _, err := env.svc.ReportFailure(ctx, order.ID, order.Reference, "card_declined"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.Retry(ctx, order.ID, order.Reference); err != nil {
		t.Fatal(err)
	}

	// pi_1 is no longer on the order; it is found through the attempt log.
	if err := env.svc.ReconcileEvent(ctx, succeededEvent("evt_9", "pi_1", nil), nil); err != nil {
		t.Fatalf("ReconcileEvent: %v", err)
	}
	if got := env.db.order(t, order.ID); got.PaymentStatus != enum.PaymentStatusPaid {
		t.Errorf("payment_status = %q, want paid", got.PaymentStatus)
	}
}

func TestReconcileEvent_StaleFailureIgnored(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	order := placeCardOrder(t, env)
	ctx := context.Background()

	if _, err := env.svc.ReportFailure(ctx, order.ID, order.Reference, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.Retry(ctx, order.ID, order.Reference); err != nil {
		t.Fatal(err)
	}

	ev := intentEvent("evt_2", gateway.EventIntentPaymentFailed, "pi_1", gateway.StatusRequiresPaymentMethod, nil)
	if err := env.svc.ReconcileEvent(ctx, ev, nil); err != nil {
		t.Fatalf("ReconcileEvent: %v", err)
	}
	if got := env.db.order(t, order.ID); StateOf(got) != StateAwaitingConfirmation {
		t.Errorf("state = %s, want awaiting_confirmation", StateOf(got))
	}
}

func TestReconcileEvent_CurrentFailure(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	order := placeCardOrder(t, env)

	ev := intentEvent("evt_3", gateway.EventIntentPaymentFailed, "pi_1", gateway.StatusRequiresPaymentMethod, nil)
	ev.Data.Object.LastPaymentError = &gateway.PaymentError{Code: "insufficient_funds"}
	if err := env.svc.ReconcileEvent(context.Background(), ev, nil); err != nil {
		t.Fatal(err)
	}
	got := env.db.order(t, order.ID)
	if StateOf(got) != StateFailed || got.FailureCode.String != "insufficient_funds" {
		t.Errorf("state = %s, code = %q", StateOf(got), got.FailureCode.String)
	}
}

func TestReconcileEvent_PaidAfterCancel(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	order := placeCardOrder(t, env)
	ctx := context.Background()

	if _, err := env.svc.Cancel(ctx, order.ID, order.Reference); err != nil {
		t.Fatal(err)
	}
	if err := env.svc.ReconcileEvent(ctx, succeededEvent("evt_4", "pi_1", nil), nil); err != nil {
		t.Fatal(err)
	}
	if got := env.db.order(t, order.ID); StateOf(got) != StatePaid {
		t.Errorf("state = %s, want paid", StateOf(got))
	}
}

func TestReconcileEvent_MetadataFallback(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	order := placeCardOrder(t, env)

	err := env.svc.ReconcileEvent(context.Background(),
		succeededEvent("evt_5", "pi_unknown", map[string]string{"order_ref": order.Reference}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := env.db.order(t, order.ID); StateOf(got) != StatePaid {
		t.Errorf("state = %s, want paid", StateOf(got))
	}
}

func TestReconcileEvent_OrderIDFallback(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	order := placeCardOrder(t, env)

	err := env.svc.ReconcileEvent(context.Background(),
		succeededEvent("evt_7", "pi_unknown", map[string]string{"order_id": order.ID.String()}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := env.db.order(t, order.ID); StateOf(got) != StatePaid {
		t.Errorf("state = %s, want paid", StateOf(got))
	}
}

func TestReconcileEvent_Miss(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	payload := []byte(`{"id":"evt_6"}`)

	err := env.svc.ReconcileEvent(context.Background(),
		succeededEvent("evt_6", "pi_ghost", map[string]string{"order_ref": "WEB-NOPE"}), payload)
	var miss *apperr.ReconciliationMiss
	if !errors.As(err, &miss) {
		t.Fatalf("expected ReconciliationMiss, got %v", err)
	}
	if miss.IntentID != "pi_ghost" || miss.Reference != "WEB-NOPE" {
		t.Errorf("miss = %+v", miss)
	}

	rows, err := env.svc.ListUnreconciled(context.Background(), 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].IntentID != "pi_ghost" || string(rows[0].Payload) != string(payload) {
		t.Errorf("unreconciled = %+v", rows)
	}
}

func TestListAttempts(t *testing.T) {
	env := newTestService(fixedQuote("10"))
	order := placeCardOrder(t, env)

	attempts, err := env.svc.ListAttempts(context.Background(), order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 {
		t.Errorf("attempts = %d, want 1", len(attempts))
	}
	if _, err := env.svc.ListAttempts(context.Background(), uuid.New()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown order: expected ErrNotFound, got %v", err)
	}
}

// --- State machine ---

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateAwaitingIntent, true},
		{StateIdle, StateCashDue, true},
		{StateCashDue, StatePaid, false},
		{StateAwaitingIntent, StateAwaitingConfirmation, true},
		{StateAwaitingConfirmation, StatePaid, true},
		{StateAwaitingConfirmation, StateAwaitingIntent, false},
		{StateFailed, StateAwaitingIntent, true},
		{StateFailed, StatePaid, true},
		{StateCancelled, StatePaid, true},
		{StateCancelled, StateAwaitingIntent, false},
		{StatePaid, StateFailed, false},
		{StatePaid, StateCancelled, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStateOf(t *testing.T) {
	intent := pgtype.Text{String: "pi_1", Valid: true}
	tests := []struct {
		name  string
		order database.Order
		want  State
	}{
		{"cash", database.Order{Status: enum.OrderStatusNew, PaymentStatus: enum.PaymentStatusPending}, StateCashDue},
		{"no intent yet", database.Order{Status: enum.OrderStatusNew, PaymentStatus: enum.PaymentStatusPendingPayment}, StateAwaitingIntent},
		{"intent created", database.Order{Status: enum.OrderStatusNew, PaymentStatus: enum.PaymentStatusPendingPayment, PaymentIntentID: intent}, StateAwaitingConfirmation},
		{"failed", database.Order{Status: enum.OrderStatusNew, PaymentStatus: enum.PaymentStatusFailed}, StateFailed},
		{"cancelled", database.Order{Status: enum.OrderStatusCancelled, PaymentStatus: enum.PaymentStatusFailed}, StateCancelled},
		{"paid after cancel", database.Order{Status: enum.OrderStatusCancelled, PaymentStatus: enum.PaymentStatusPaid}, StatePaid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StateOf(tt.order); got != tt.want {
				t.Errorf("StateOf = %s, want %s", got, tt.want)
			}
		})
	}
}
