package billing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/FoxPay/app/models"
)

// newTestDB opens an isolated in-memory SQLite database with the billing schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.BillingRecord{},
		&models.PaymentNotification{},
		&models.PaymentCallbackEvent{},
	))
	return db
}

func seedUser(t *testing.T, db *gorm.DB, name string) *models.User {
	t.Helper()
	u := &models.User{Name: name, Email: uuid.NewString() + "@example.com", Status: models.STATUS_ACTIVE}
	require.NoError(t, db.Create(u).Error)
	return u
}

func balanceOf(t *testing.T, db *gorm.DB, userID uint) int64 {
	t.Helper()
	var u models.User
	require.NoError(t, db.First(&u, userID).Error)
	return u.Balance
}

// fakeGateway keeps one resource per reference id, like the real gateway.
type fakeGateway struct {
	mu        sync.Mutex
	resources map[string]*GatewayResource
	calls     int32
	seq       int
	err       error
	delay     time.Duration
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{resources: map[string]*GatewayResource{}}
}

func (g *fakeGateway) CreateQRResource(ctx context.Context, req QRResourceRequest) (*GatewayResource, error) {
	return g.submit(req.ReferenceID, func(id string) *GatewayResource {
		exp := req.ExpiresAt
		return &GatewayResource{ResourceID: id, ReferenceID: req.ReferenceID, Status: "ACTIVE", QRString: "QR-" + id, ExpiresAt: &exp}
	})
}

func (g *fakeGateway) CreateVirtualAccount(ctx context.Context, req VirtualAccountRequest) (*GatewayResource, error) {
	return g.submit(req.ExternalID, func(id string) *GatewayResource {
		exp := req.ExpirationDate
		return &GatewayResource{ResourceID: id, ReferenceID: req.ExternalID, Status: "PENDING", AccountNumber: "8808" + id, BankCode: req.BankCode, ExpiresAt: &exp}
	})
}

func (g *fakeGateway) submit(ref string, build func(id string) *GatewayResource) (*GatewayResource, error) {
	atomic.AddInt32(&g.calls, 1)
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	if existing, ok := g.resources[ref]; ok {
		cp := *existing
		cp.Outcome = SubmitAlreadyExists
		return &cp, nil
	}
	g.seq++
	res := build(fmt.Sprintf("res_%d", g.seq))
	res.Outcome = SubmitCreated
	g.resources[ref] = res
	cp := *res
	return &cp, nil
}

func (g *fakeGateway) callCount() int {
	return int(atomic.LoadInt32(&g.calls))
}

// memLocker is an in-process Locker.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker { return &memLocker{held: map[string]bool{}} }

func (l *memLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []PaymentPaidEvent
	err    error
}

func (p *recordingPublisher) PublishPaymentPaid(ctx context.Context, evt PaymentPaidEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

type testEnv struct {
	db        *gorm.DB
	svc       *Service
	gateway   *fakeGateway
	publisher *recordingPublisher
	now       time.Time
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	e := &testEnv{
		db:        newTestDB(t),
		gateway:   newFakeGateway(),
		publisher: &recordingPublisher{},
		now:       time.Now().UTC(),
	}
	base := []Option{
		WithLocker(newMemLocker()),
		WithEventPublisher(e.publisher),
		WithClock(func() time.Time { return e.now }),
	}
	e.svc = NewService(NewRepository(e.db), e.gateway, append(base, opts...)...)
	return e
}

// preCreateAndCreate runs the happy path for one intent and returns the record.
func (e *testEnv) preCreateAndCreate(t *testing.T, in PaymentInput) *models.BillingRecord {
	t.Helper()
	pre, err := e.svc.PreCreate(context.Background(), in)
	require.NoError(t, err)
	res, err := e.svc.Create(context.Background(), CreateInput{
		PaymentInput: in,
		InvoiceID:    pre.Record.InvoiceID,
		ExternalID:   pre.Record.ExternalID,
	})
	require.NoError(t, err)
	return res.Record
}
