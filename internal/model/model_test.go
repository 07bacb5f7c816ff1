package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"
)

func TestOrderStatusTransitions(t *testing.T) {
	assert.True(t, OrderPending.CanTransition(OrderPaid))
	assert.True(t, OrderPending.CanTransition(OrderCancelled))
	assert.False(t, OrderPending.CanTransition(OrderCompleted))
	assert.True(t, OrderPaid.CanTransition(OrderProcessing))
	assert.True(t, OrderProcessing.CanTransition(OrderCompleted))
	assert.False(t, OrderProcessing.CanTransition(OrderPaid))

	for _, s := range []OrderStatus{OrderCancelled, OrderCompleted, OrderRefunded} {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.CanTransition(OrderPending), s)
	}
	assert.False(t, OrderPaid.IsTerminal())
}

func TestPaymentMethodFee(t *testing.T) {
	pct := PaymentMethod{FeeType: FeePercentage, FeeValue: decimal.RequireFromString("2.5")}
	assert.True(t, pct.Fee(decimal.NewFromInt(100)).Equal(decimal.RequireFromString("2.5")))

	fixed := PaymentMethod{FeeType: FeeFixed, FeeValue: decimal.RequireFromString("1.2")}
	assert.True(t, fixed.Fee(decimal.NewFromInt(100)).Equal(decimal.RequireFromString("1.2")))

	none := PaymentMethod{FeeType: "other", FeeValue: decimal.NewFromInt(9)}
	assert.True(t, none.Fee(decimal.NewFromInt(100)).IsZero())
}

func TestPaymentMethodProviderID(t *testing.T) {
	m := PaymentMethod{MetaData: datatypes.JSON(`{"provider_id":" trc20_usdt ","wallet_address":"T1"}`)}
	assert.Equal(t, "trc20_usdt", m.ProviderID())
	assert.Equal(t, "T1", m.Meta()["wallet_address"])

	assert.Equal(t, "", PaymentMethod{}.ProviderID())
}

func TestPlatformConfigTruthy(t *testing.T) {
	for _, v := range []string{"true", "1", "YES", " on "} {
		assert.True(t, PlatformConfig{Value: v}.Truthy(), v)
	}
	for _, v := range []string{"", "false", "0", "off", "no"} {
		assert.False(t, PlatformConfig{Value: v}.Truthy(), v)
	}
}
