package pipeline

import (
	"testing"
	"time"

	"github.com/Veraticus/merchantflow/internal/entity"
	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/Veraticus/merchantflow/internal/rules"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testDate = time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

func defaultRules(t *testing.T) *rules.Set {
	t.Helper()
	set, err := rules.LoadDefaults()
	require.NoError(t, err)
	return set
}

// expense builds a statement line with the amount in the withdrawal column.
func expense(description, amount string) model.RawTransaction {
	d := decimal.RequireFromString(amount)
	return model.RawTransaction{
		Date:        testDate,
		Description: description,
		Amount:      d.Neg(),
		Withdrawal:  decimal.NewNullDecimal(d),
		Deposit:     decimal.NewNullDecimal(decimal.Zero),
	}
}

// income builds a statement line with the amount in the deposit column.
func income(description, amount string) model.RawTransaction {
	d := decimal.RequireFromString(amount)
	return model.RawTransaction{
		Date:        testDate,
		Description: description,
		Amount:      d,
		Deposit:     decimal.NewNullDecimal(d),
		Withdrawal:  decimal.NewNullDecimal(decimal.Zero),
	}
}

func newTestResolver() (*StoreResolver, *entity.MemoryStore) {
	store := entity.NewMemoryStore()
	return NewResolver(store, DefaultResolverConfig()), store
}
