package billing

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	invoicePrefix       = "INV-"
	invoiceSuffixLength = 8
	invoiceTimeLayout   = "20060102150405"
)

// base62 alphabet for the random invoice suffix
const invoiceAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// InvoiceGenerator issues ids of the form INV-<yyyymmddHHMMSSmmm UTC>-<8 base62>.
// The timestamp part never repeats or goes backwards within one generator.
type InvoiceGenerator struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewInvoiceGenerator creates a generator driven by the wall clock.
func NewInvoiceGenerator() *InvoiceGenerator {
	return &InvoiceGenerator{now: time.Now}
}

var defaultInvoiceGenerator = NewInvoiceGenerator()

// NewInvoiceID returns an id from the process-wide generator.
func NewInvoiceID() string {
	return defaultInvoiceGenerator.Next()
}

// NewExternalID returns the gateway reference for a new billing record.
// UUIDv7 keeps references time-ordered in gateway dashboards.
func NewExternalID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Next returns a new invoice id.
func (g *InvoiceGenerator) Next() string {
	ts := g.tick()
	millis := ts.Nanosecond() / int(time.Millisecond)
	return fmt.Sprintf("%s%s%03d-%s", invoicePrefix, ts.Format(invoiceTimeLayout), millis, randomSuffix(invoiceSuffixLength))
}

func (g *InvoiceGenerator) tick() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Truncate(time.Millisecond)
	if !ts.After(g.last) {
		ts = g.last.Add(time.Millisecond)
	}
	g.last = ts
	return ts
}

// randomSuffix draws from crypto/rand with rejection sampling to avoid
// modulo bias. 248 is the largest multiple of 62 below 256.
func randomSuffix(length int) string {
	const maxRandomByte = 248

	out := make([]byte, length)
	buf := make([]byte, length*2)
	written := 0
	for written < length {
		if _, err := rand.Read(buf); err != nil {
			panic(fmt.Sprintf("billing: reading secure random bytes: %v", err))
		}
		for _, b := range buf {
			if b >= maxRandomByte {
				continue
			}
			out[written] = invoiceAlphabet[int(b)%len(invoiceAlphabet)]
			written++
			if written == length {
				break
			}
		}
	}
	return string(out)
}

// LooksLikeInvoiceID distinguishes invoice ids from gateway resource ids in
// endpoints that accept either.
func LooksLikeInvoiceID(id string) bool {
	return strings.HasPrefix(strings.TrimSpace(id), invoicePrefix)
}
