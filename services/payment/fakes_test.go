package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"storefront-payment-api/database"
	"storefront-payment-api/models"
	"storefront-payment-api/queue"
	"storefront-payment-api/services/mpesa"
)

type fakeStore struct {
	mu          sync.Mutex
	carts       map[int64][]models.CartLine
	txns        map[string]*models.PaymentTransaction
	lines       map[string][]models.CartLine
	orders      map[string]*models.Order
	emails      map[int64]string
	locked      map[string]bool
	transitions []models.TransactionState
	flagged     []string
	clearErr    error
	nextOrderID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		carts:  map[int64][]models.CartLine{},
		txns:   map[string]*models.PaymentTransaction{},
		lines:  map[string][]models.CartLine{},
		orders: map[string]*models.Order{},
		emails: map[int64]string{},
		locked: map[string]bool{},
	}
}

func (s *fakeStore) GetCartSnapshot(ctx context.Context, userID int64) (*models.CartSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.NewCartSnapshot(userID, append([]models.CartLine(nil), s.carts[userID]...)), nil
}

func (s *fakeStore) LockCheckout(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked[key] {
		return false, nil
	}
	s.locked[key] = true
	return true, nil
}

func (s *fakeStore) ReleaseLock(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locked, key)
	return nil
}

func (s *fakeStore) GetActiveTransaction(ctx context.Context, userID int64) (*models.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, txn := range s.txns {
		if txn.UserID == userID && txn.State.IsActive() {
			copied := *txn
			return &copied, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *fakeStore) CreateTransaction(ctx context.Context, txn *models.PaymentTransaction, lines []models.CartLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *txn
	s.txns[txn.Reference] = &copied
	s.lines[txn.Reference] = lines
	s.transitions = append(s.transitions, txn.State)
	return nil
}

func (s *fakeStore) GetTransaction(ctx context.Context, reference string) (*models.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.txns[reference]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := *txn
	return &copied, nil
}

func (s *fakeStore) GetTransactionByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, txn := range s.txns {
		if txn.CheckoutRequestID != "" && txn.CheckoutRequestID == checkoutRequestID {
			copied := *txn
			return &copied, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *fakeStore) Transition(ctx context.Context, reference string, to models.TransactionState, update models.TransitionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.txns[reference]
	if !ok {
		return database.ErrNotFound
	}
	if txn.State == to {
		return database.ErrTransitionNoop
	}
	if !txn.State.CanTransitionTo(to) {
		return database.ErrIllegalTransition
	}
	txn.State = to
	if update.FailureReason != "" {
		txn.FailureReason = update.FailureReason
	}
	txn.UnconfirmedOutcome = txn.UnconfirmedOutcome || update.UnconfirmedOutcome
	txn.NeedsReview = txn.NeedsReview || update.NeedsReview
	if update.MerchantRequestID != "" {
		txn.MerchantRequestID = update.MerchantRequestID
	}
	if update.CheckoutRequestID != "" {
		txn.CheckoutRequestID = update.CheckoutRequestID
	}
	if update.ResultCode != "" {
		txn.ResultCode = update.ResultCode
	}
	if update.ReceiptNumber != "" {
		txn.ReceiptNumber = update.ReceiptNumber
	}
	if update.CallbackPayload != nil {
		txn.CallbackPayload = update.CallbackPayload
	}
	s.transitions = append(s.transitions, to)
	return nil
}

func (s *fakeStore) FlagForReview(ctx context.Context, reference, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.txns[reference]
	if !ok {
		return database.ErrNotFound
	}
	txn.NeedsReview = true
	s.flagged = append(s.flagged, reference)
	return nil
}

func (s *fakeStore) ListStaleAwaiting(ctx context.Context, before time.Time, limit int) ([]models.PaymentTransaction, error) {
	return s.list(func(t *models.PaymentTransaction) bool {
		return t.State == models.StateAwaitingConfirmation && t.UpdatedAt.Before(before)
	}), nil
}

func (s *fakeStore) ListConfirmedWithoutOrder(ctx context.Context, before time.Time, limit int) ([]models.PaymentTransaction, error) {
	return s.list(func(t *models.PaymentTransaction) bool {
		return t.State == models.StateConfirmed && s.orders[t.Reference] == nil && t.UpdatedAt.Before(before)
	}), nil
}

func (s *fakeStore) ListForReview(ctx context.Context, limit int) ([]models.PaymentTransaction, error) {
	return s.list(func(t *models.PaymentTransaction) bool {
		return t.NeedsReview || t.State == models.StateExpired || (t.State == models.StateFailed && t.UnconfirmedOutcome)
	}), nil
}

func (s *fakeStore) list(match func(*models.PaymentTransaction) bool) []models.PaymentTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PaymentTransaction
	for _, txn := range s.txns {
		if match(txn) {
			out = append(out, *txn)
		}
	}
	return out
}

func (s *fakeStore) FinalizeOrder(ctx context.Context, reference string) (*database.FinalizeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.txns[reference]
	if !ok {
		return nil, database.ErrNotFound
	}
	if order, ok := s.orders[reference]; ok {
		return &database.FinalizeResult{Order: order}, nil
	}
	if txn.State != models.StateConfirmed {
		return nil, fmt.Errorf("%w: %s", database.ErrNotConfirmed, txn.State)
	}

	s.nextOrderID++
	order := &models.Order{
		ID:                   s.nextOrderID,
		TransactionReference: reference,
		UserID:               txn.UserID,
		Amount:               txn.Amount,
		ReceiptNumber:        txn.ReceiptNumber,
	}
	for _, line := range s.lines[reference] {
		order.Items = append(order.Items, models.OrderItem{
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			UnitPrice:   line.UnitPrice,
			Quantity:    line.Quantity,
		})
	}
	s.orders[reference] = order

	result := &database.FinalizeResult{Order: order, Created: true, CartCleared: true}
	if s.clearErr != nil {
		result.CartCleared = false
		result.CartErr = s.clearErr
	} else {
		s.removeCartLines(txn.UserID, order.Items)
	}
	return result, nil
}

func (s *fakeStore) removeCartLines(userID int64, items []models.OrderItem) {
	ordered := map[int64]bool{}
	for _, item := range items {
		ordered[item.ProductID] = true
	}
	var kept []models.CartLine
	for _, line := range s.carts[userID] {
		if !ordered[line.ProductID] {
			kept = append(kept, line)
		}
	}
	s.carts[userID] = kept
}

func (s *fakeStore) GetOrderByTransaction(ctx context.Context, reference string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[reference]
	if !ok {
		return nil, database.ErrNotFound
	}
	return order, nil
}

func (s *fakeStore) ClearCartLines(ctx context.Context, userID int64, productIDs []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.carts[userID])
	items := make([]models.OrderItem, 0, len(productIDs))
	for _, id := range productIDs {
		items = append(items, models.OrderItem{ProductID: id})
	}
	s.removeCartLines(userID, items)
	return int64(before - len(s.carts[userID])), nil
}

func (s *fakeStore) GetUserEmail(ctx context.Context, userID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emails[userID], nil
}

func (s *fakeStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *fakeStore) set(reference string, fn func(*models.PaymentTransaction)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.txns[reference])
}

type failingOrders struct{ *fakeStore }

func (failingOrders) FinalizeOrder(ctx context.Context, reference string) (*database.FinalizeResult, error) {
	return nil, errors.New("Deadlock found when trying to get lock")
}

type fakeTokens struct {
	err         error
	calls       int
	invalidated int
	// during runs inside Token, before the result is decided.
	during func()
}

func (f *fakeTokens) Token(ctx context.Context) (mpesa.AccessToken, error) {
	f.calls++
	if f.during != nil {
		f.during()
	}
	if err := ctx.Err(); err != nil {
		return mpesa.AccessToken{}, &mpesa.CredentialError{Err: err}
	}
	if f.err != nil {
		return mpesa.AccessToken{}, f.err
	}
	return mpesa.AccessToken{Value: "token", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) Invalidate() { f.invalidated++ }

type fakeGateway struct {
	ack      *mpesa.PushAck
	pushErr  error
	status   *mpesa.PushStatus
	queryErr error
	pushes   []mpesa.PushRequest
	queries  []string
	// during runs while the push is in flight, like the real client would
	// be waiting on the gateway.
	during func()
}

func (f *fakeGateway) InitiatePush(ctx context.Context, token string, req mpesa.PushRequest) (*mpesa.PushAck, error) {
	f.pushes = append(f.pushes, req)
	if f.during != nil {
		f.during()
	}
	if err := ctx.Err(); err != nil {
		return nil, &mpesa.TransportError{Op: "stkpush", Err: err}
	}
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	return f.ack, nil
}

func (f *fakeGateway) QueryPush(ctx context.Context, token, checkoutRequestID string) (*mpesa.PushStatus, error) {
	f.queries = append(f.queries, checkoutRequestID)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.status, nil
}

type enqueued struct {
	Type  queue.JobType
	Data  map[string]interface{}
	Delay time.Duration
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs []enqueued
}

func (f *fakeJobs) Enqueue(ctx context.Context, jobType queue.JobType, data map[string]interface{}) error {
	return f.EnqueueDelayed(ctx, jobType, data, 0)
}

func (f *fakeJobs) EnqueueDelayed(ctx context.Context, jobType queue.JobType, data map[string]interface{}, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, enqueued{Type: jobType, Data: data, Delay: delay})
	return nil
}

func (f *fakeJobs) types() []queue.JobType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []queue.JobType
	for _, j := range f.jobs {
		out = append(out, j.Type)
	}
	return out
}

type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) SendOrderReceipt(to string, order *models.Order) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, to)
	return nil
}

type harness struct {
	store   *fakeStore
	tokens  *fakeTokens
	gateway *fakeGateway
	jobs    *fakeJobs
	sender  *fakeSender
	service *Service
	now     time.Time
}

const testUser int64 = 42

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  newFakeStore(),
		tokens: &fakeTokens{},
		gateway: &fakeGateway{ack: &mpesa.PushAck{
			MerchantRequestID: "29115-34620561-1",
			CheckoutRequestID: "ws_CO_191220191020363925",
			ResponseCode:      "0",
		}},
		jobs:   &fakeJobs{},
		sender: &fakeSender{},
		now:    time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
	}
	logger := zap.NewNop().Sugar()
	finalizer := NewFinalizer(h.store, h.jobs, h.sender, logger)
	h.service = NewPaymentService(h.store, h.tokens, h.gateway, finalizer, h.jobs, Options{
		MaxAmount:      decimal.NewFromInt(150000),
		ReplayAttempts: 3,
		ReplayDelay:    5 * time.Second,
	}, logger)
	h.service.now = func() time.Time { return h.now }

	h.store.carts[testUser] = []models.CartLine{
		{ProductID: 1, ProductName: "Maize flour 2kg", UnitPrice: decimal.NewFromInt(250), Quantity: 2},
		{ProductID: 7, ProductName: "Cooking oil 1L", UnitPrice: decimal.NewFromInt(1000), Quantity: 1},
	}
	h.store.emails[testUser] = "buyer@example.com"
	return h
}

func callbackPayload(checkoutRequestID, resultCode string, amount int) []byte {
	if resultCode != "0" {
		return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{
			"MerchantRequestID":"29115-34620561-1",
			"CheckoutRequestID":%q,
			"ResultCode":%s,
			"ResultDesc":"Request cancelled by user"}}}`, checkoutRequestID, resultCode))
	}
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":"29115-34620561-1",
		"CheckoutRequestID":%q,
		"ResultCode":0,
		"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":%d},
			{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},
			{"Name":"TransactionDate","Value":20191219102115},
			{"Name":"PhoneNumber","Value":254708374149}]}}}}`, checkoutRequestID, amount))
}
