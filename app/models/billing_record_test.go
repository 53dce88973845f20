package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBillingStatusIsTerminal(t *testing.T) {
	assert.False(t, BillingStatusWaitingPayment.IsTerminal())
	assert.True(t, BillingStatusPaid.IsTerminal())
	assert.True(t, BillingStatusCancelled.IsTerminal())
}

func TestBillingRecordAccessors(t *testing.T) {
	var nilRecord *BillingRecord
	assert.Equal(t, "", nilRecord.BankCode())
	assert.False(t, nilRecord.HasGatewayResource())

	bank := BankBCA
	empty := ""
	rec := &BillingRecord{Bank: &bank, GatewayResourceID: &empty}
	assert.Equal(t, "BCA", rec.BankCode())
	assert.False(t, rec.HasGatewayResource())
	assert.Equal(t, "", rec.ResourceID())

	id := "va_123"
	rec.GatewayResourceID = &id
	assert.True(t, rec.HasGatewayResource())
	assert.Equal(t, "va_123", rec.ResourceID())
}
