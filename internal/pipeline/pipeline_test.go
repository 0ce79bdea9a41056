package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Veraticus/merchantflow/internal/entity"
	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clipDescription = "CLIPMX AGREGADOR 4152 CLIP MX REST HANAICHI REF. 0013732041 AUT. 742785 RFC BLI 120726UF6"

func TestProcess_AggregatorPurchase(t *testing.T) {
	resolver, store := newTestResolver()
	p := New(defaultRules(t), resolver)

	raw := model.RawTransaction{
		Date:        testDate,
		Description: clipDescription,
		Amount:      decimal.RequireFromString("-2236.00"),
	}
	txn := p.Process(context.Background(), raw)
	require.Empty(t, txn.Error)

	require.NotNil(t, txn.Classification)
	assert.Equal(t, model.TypeCardPurchase, txn.Classification.Type)
	assert.Equal(t, model.DirectionExpense, txn.Classification.Direction)
	assert.True(t, txn.Classification.MerchantExpected)

	require.NotNil(t, txn.Counterparty)
	assert.True(t, txn.Counterparty.Found)
	assert.Equal(t, "clip", txn.Counterparty.ID)
	assert.Equal(t, "payment-aggregator", txn.Counterparty.Type)

	require.NotNil(t, txn.Extraction)
	assert.Equal(t, "REST HANAICHI", txn.Extraction.CleanMerchant)
	assert.Equal(t, "BLI120726UF6", txn.Extraction.TaxID)
	var removed []string
	for _, n := range txn.Extraction.RemovedNoise {
		removed = append(removed, n.Text)
	}
	assert.Contains(t, removed, "REF. 0013732041")
	assert.Contains(t, removed, "AUT. 742785")

	require.NotNil(t, txn.Disambiguation)
	assert.Equal(t, "rest-hanaichi", txn.Disambiguation.MerchantID)
	assert.Equal(t, "restaurants", txn.Disambiguation.Category)
	assert.Equal(t, model.MethodPattern, txn.Disambiguation.Method)

	require.NotNil(t, txn.Resolution)
	assert.Equal(t, "Rest Hanaichi", txn.Resolution.Entity.CanonicalName)
	assert.Equal(t, "restaurants", txn.Resolution.Entity.Category)
	assert.NotEqual(t, "clip", txn.Resolution.Entity.MerchantID)
	assert.Equal(t, model.StateProvisional, txn.Resolution.EntityState)
	assert.Equal(t, model.MatchCreated, txn.Resolution.Match)
	assert.False(t, txn.Resolution.NeedsVerification)

	e, err := store.Get(context.Background(), txn.Resolution.Entity.ID)
	require.NoError(t, err)
	assert.Equal(t, "BLI120726UF6", e.TaxID)
	assert.Equal(t, 1, e.TransactionCount)
}

func TestClassify_AggregatorSpellings(t *testing.T) {
	p := New(defaultRules(t), nil)
	tests := []struct {
		description  string
		counterparty string
		merchantID   string
		wantCategory string
	}{
		{description: "CLIPMX REST HANAICHI AUT. 742785", counterparty: "clip", merchantID: "rest-hanaichi", wantCategory: "restaurants"},
		{description: "PAYPAL*UBEREATS AUT. 551234", counterparty: "paypal", merchantID: "uber-eats", wantCategory: "food-delivery"},
		{description: "COMPRA MERCADOPAGO *OXXO SUC 12", counterparty: "mercadopago", merchantID: "oxxo", wantCategory: "convenience"},
		{description: "COMPRA MERCADO PAGO*LA CASA DE TOÑO", counterparty: "mercadopago", merchantID: "la-casa-de-tono", wantCategory: model.CategoryUncategorized},
		{description: "COMPRA CONEKTA *UBER EATS", counterparty: "conekta", merchantID: "uber-eats", wantCategory: "food-delivery"},
	}
	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			txn := p.Classify(context.Background(), expense(tt.description, "100"))
			require.Empty(t, txn.Error)
			require.NotNil(t, txn.Counterparty)
			assert.Equal(t, tt.counterparty, txn.Counterparty.ID)
			require.NotNil(t, txn.Disambiguation)
			assert.Equal(t, tt.merchantID, txn.Disambiguation.MerchantID)
			assert.Equal(t, tt.wantCategory, txn.Disambiguation.Category)
			assert.NotContains(t, txn.Disambiguation.MerchantID, tt.counterparty)
		})
	}
}

func TestClassify_UtilityIsNotABankFee(t *testing.T) {
	p := New(defaultRules(t), nil)
	txn := p.Classify(context.Background(), expense("DOMICILIACION CFE COMISION FEDERAL DE ELECTRICIDAD", "812"))

	require.NotNil(t, txn.Classification)
	assert.Equal(t, model.TypeDomiciliacion, txn.Classification.Type)
	assert.True(t, txn.Classification.MerchantExpected)
	require.NotNil(t, txn.Disambiguation)
	assert.Equal(t, "cfe", txn.Disambiguation.MerchantID)
	assert.Equal(t, "utilities", txn.Disambiguation.Category)
}

func TestProcess_FlagsUnusualAmount(t *testing.T) {
	resolver, _ := newTestResolver()
	p := New(defaultRules(t), resolver)
	ctx := context.Background()

	bill := func(month int, amount string) model.RawTransaction {
		raw := expense("DOMICILIACION CFE COMISION FEDERAL DE ELECTRICIDAD", amount)
		raw.Date = testDate.AddDate(0, month, 0)
		return raw
	}

	for i, amount := range []string{"800", "820", "790", "810"} {
		txn := p.Process(ctx, bill(i, amount))
		require.Empty(t, txn.Error)
		require.NotNil(t, txn.Resolution)
		assert.Equal(t, "cfe", txn.Resolution.Entity.MerchantID)
		assert.NotContains(t, txn.FollowUpReasons, ReasonAmountAnomaly, amount)
	}

	txn := p.Process(ctx, bill(4, "4200"))
	require.NotNil(t, txn.Resolution)
	require.NotNil(t, txn.Resolution.Anomaly)
	assert.True(t, txn.Resolution.Anomaly.IsAnomaly)
	assert.Equal(t, 4, txn.Resolution.Anomaly.History)
	assert.Contains(t, txn.FollowUpReasons, ReasonAmountAnomaly)
	assert.Equal(t, 1, Summarize([]*model.Transaction{txn}).Anomalies)
}

func TestProcess_IncomingTransferStopsAfterTypeDetection(t *testing.T) {
	resolver, store := newTestResolver()
	p := New(defaultRules(t), resolver)

	txn := p.Process(context.Background(), income("SPEI RECIBIDO BANORTE 0712 JUAN PEREZ", "15000.00"))

	require.NotNil(t, txn.Classification)
	assert.Equal(t, model.TypeSPEITransferIn, txn.Classification.Type)
	assert.Equal(t, model.DirectionIncome, txn.Classification.Direction)
	assert.False(t, txn.Classification.MerchantExpected)
	assert.Nil(t, txn.Counterparty)
	assert.Nil(t, txn.Extraction)
	assert.Nil(t, txn.Disambiguation)
	assert.Nil(t, txn.Resolution)
	assert.False(t, txn.FollowUp)

	data, err := json.Marshal(txn)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, key := range []string{"counterparty", "extraction", "disambiguation", "resolution"} {
		assert.NotContains(t, fields, key, "later stages are absent, not null")
	}

	all, err := store.List(context.Background(), entity.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestProcess_NoMerchantExpectedNeverRunsLaterStages(t *testing.T) {
	p := New(defaultRules(t), nil)
	raws := []model.RawTransaction{
		income("ABONO SPEI CLIENTE", "100"),
		expense("SPEI ENVIADO RENTA DEPARTAMENTO", "9000"),
		expense("COMISION POR MANEJO DE CUENTA", "99"),
		income("INTERESES GANADOS", "3.21"),
		expense("ISR RETENIDO", "0.50"),
		expense("MOVIMIENTO SIN DESCRIPCION", "10"),
	}
	for _, txn := range p.ProcessBatch(context.Background(), raws) {
		require.NotNil(t, txn.Classification, txn.Raw.Description)
		assert.False(t, txn.Classification.MerchantExpected, txn.Raw.Description)
		assert.Nil(t, txn.Counterparty, txn.Raw.Description)
		assert.Nil(t, txn.Extraction, txn.Raw.Description)
		assert.Nil(t, txn.Disambiguation, txn.Raw.Description)
		assert.Nil(t, txn.Resolution, txn.Raw.Description)
	}
}

func TestClassify_DirectDebitVariants(t *testing.T) {
	p := New(defaultRules(t), nil)
	variants := []string{
		"COBRANZA DOMICILIADA NETFLIX",
		"CARGO DOMICILIADO NETFLIX",
		"PAGO DOMICILIADO NETFLIX",
		"DOMICILIACION NETFLIX",
		"domiciliacion netflix",
	}
	for _, desc := range variants {
		t.Run(desc, func(t *testing.T) {
			txn := p.Classify(context.Background(), expense(desc, "219.00"))
			require.NotNil(t, txn.Classification)
			assert.Equal(t, model.TypeDomiciliacion, txn.Classification.Type)
			assert.True(t, txn.Classification.MerchantExpected)
			require.NotNil(t, txn.Disambiguation)
			assert.Equal(t, "netflix", txn.Disambiguation.MerchantID)
			assert.Equal(t, model.MethodExact, txn.Disambiguation.Method)
		})
	}
}

func TestClassify_BrandProductLines(t *testing.T) {
	p := New(defaultRules(t), nil)
	tests := []struct {
		description string
		merchantID  string
		category    string
	}{
		{description: "COMPRA UBER ONE MEMBERSHIP", merchantID: "uber-one", category: "subscriptions"},
		{description: "COMPRA UBER EATS PEDIDO 4821", merchantID: "uber-eats", category: "food-delivery"},
		{description: "COMPRA UBER TRIP HELP.UBER.COM", merchantID: "uber-rides", category: "transportation"},
		{description: "COMPRA UBER", merchantID: "uber-rides", category: "transportation"},
	}

	ids := map[string]bool{}
	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			txn := p.Classify(context.Background(), expense(tt.description, "120"))
			require.NotNil(t, txn.Disambiguation)
			assert.Equal(t, tt.merchantID, txn.Disambiguation.MerchantID)
			assert.Equal(t, tt.category, txn.Disambiguation.Category)
			ids[txn.Disambiguation.MerchantID] = true
		})
	}
	assert.Len(t, ids, 3)
}

func TestClassify_UnknownTypeIsFlagged(t *testing.T) {
	p := New(defaultRules(t), nil)
	txn := p.Classify(context.Background(), expense("MOVIMIENTO 0001", "10"))

	require.NotNil(t, txn.Classification)
	assert.Equal(t, model.TypeUnknown, txn.Classification.Type)
	assert.Equal(t, model.DirectionUnknown, txn.Classification.Direction)
	assert.Zero(t, txn.Classification.Confidence)
	assert.True(t, txn.FollowUp)
	assert.Equal(t, []string{ReasonUnknownType}, txn.FollowUpReasons)
}

func TestProcess_UnmatchedMerchantFallsBack(t *testing.T) {
	resolver, _ := newTestResolver()
	p := New(defaultRules(t), resolver)

	txn := p.Process(context.Background(), expense("COMPRA TAQUERIA EL GUERO AUT. 123456", "85"))

	require.NotNil(t, txn.Disambiguation)
	assert.Equal(t, "taqueria-el-guero", txn.Disambiguation.MerchantID)
	assert.Equal(t, "Taqueria EL Guero", txn.Disambiguation.MerchantName)
	assert.Equal(t, model.CategoryUncategorized, txn.Disambiguation.Category)
	assert.Equal(t, model.MethodFallback, txn.Disambiguation.Method)
	assert.InDelta(t, FallbackConfidence, txn.Disambiguation.Confidence, 1e-9)

	require.NotNil(t, txn.Resolution)
	assert.True(t, txn.Resolution.NeedsVerification)
	assert.Contains(t, txn.FollowUpReasons, ReasonUnmatchedMerchant)
	assert.Contains(t, txn.FollowUpReasons, ReasonNeedsVerification)
}

func TestProcessBatch_IsIdempotent(t *testing.T) {
	raws := []model.RawTransaction{
		{Date: testDate, Description: clipDescription, Amount: decimal.RequireFromString("-2236.00")},
		expense("COMPRA UBER EATS PEDIDO 4821", "310"),
		expense("COMPRA UBER EATS PEDIDO 4822", "120"),
		expense("COMPRA TAQUERIA EL GUERO", "85"),
		expense("COMPRA TAQUERIA EL GUEROO", "85"),
		income("SPEI RECIBIDO NOMINA", "25000"),
		expense("DOMICILIACION NETFLIX", "219"),
	}
	ctx := context.Background()
	set := defaultRules(t)

	resolver, store := newTestResolver()
	p := New(set, resolver, WithWorkers(4))

	first, err := json.Marshal(p.ProcessBatch(ctx, raws))
	require.NoError(t, err)

	before, err := store.List(ctx, entity.Filter{})
	require.NoError(t, err)

	second, err := json.Marshal(p.ProcessBatch(ctx, raws))
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second), "re-running against the same store")

	after, err := store.List(ctx, entity.Filter{})
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Version, after[i].Version, before[i].MerchantID)
		assert.Equal(t, before[i].TransactionCount, after[i].TransactionCount, before[i].MerchantID)
	}

	freshResolver, _ := newTestResolver()
	third, err := json.Marshal(New(set, freshResolver, WithWorkers(1)).ProcessBatch(ctx, raws))
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(third), "re-running against an empty store")
}

type panickyDisambiguator struct{}

func (panickyDisambiguator) Disambiguate(_ context.Context, txn *model.Transaction) model.Disambiguation {
	if txn.Extraction.CleanMerchant == "BOOM" {
		panic("bad rule state")
	}
	return Disambiguate(txn.Extraction.CleanMerchant, nil)
}

type failingResolver struct {
	fail string
	next EntityResolver
}

func (r failingResolver) ResolveEntity(ctx context.Context, txn *model.Transaction) (model.Resolution, error) {
	if txn.Disambiguation.MerchantID == r.fail {
		return model.Resolution{}, errors.New("store unavailable")
	}
	return r.next.ResolveEntity(ctx, txn)
}

func TestProcessBatch_IsolatesFailures(t *testing.T) {
	resolver, _ := newTestResolver()
	var progress []int
	p := New(defaultRules(t), failingResolver{fail: "farmacia-del-ahorro", next: resolver},
		WithDisambiguator(panickyDisambiguator{}),
		WithProgress(func(done, _ int) { progress = append(progress, done) }))

	txns := p.ProcessBatch(context.Background(), []model.RawTransaction{
		expense("COMPRA BOOM", "1"),
		expense("COMPRA FARMACIA DEL AHORRO", "2"),
		expense("COMPRA PAPELERIA LOPEZ", "3"),
	})
	require.Len(t, txns, 3)

	assert.Contains(t, txns[0].Error, "panic")
	assert.Contains(t, txns[0].FollowUpReasons, ReasonPanicked)
	assert.Nil(t, txns[0].Resolution)

	assert.Equal(t, "store unavailable", txns[1].Error)
	assert.Contains(t, txns[1].FollowUpReasons, ReasonResolutionFailed)
	require.NotNil(t, txns[1].Disambiguation, "partial results are kept")

	assert.Empty(t, txns[2].Error)
	assert.NotNil(t, txns[2].Resolution)

	assert.Equal(t, []int{1, 2, 3}, progress)
}

func TestSummarize(t *testing.T) {
	resolver, _ := newTestResolver()
	p := New(defaultRules(t), resolver)
	txns := p.ProcessBatch(context.Background(), []model.RawTransaction{
		{Date: testDate, Description: clipDescription, Amount: decimal.RequireFromString("-2236.00")},
		expense("DOMICILIACION NETFLIX", "219"),
		expense("COMPRA TAQUERIA EL GUERO", "85"),
		income("SPEI RECIBIDO NOMINA", "25000"),
		expense("MOVIMIENTO 0001", "10"),
	})

	s := Summarize(txns)
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 3, s.MerchantExpected)
	assert.Equal(t, 3, s.Resolved)
	assert.Equal(t, 3, s.Entities)
	assert.Equal(t, 2, s.ByType[model.TypeCardPurchase])
	assert.Equal(t, 1, s.ByType[model.TypeSPEITransferIn])
	assert.Equal(t, 1, s.ByType[model.TypeDomiciliacion])
	assert.Equal(t, 1, s.ByType[model.TypeUnknown])
	assert.Equal(t, 1, s.ByMethod[model.MethodFallback])
	assert.Equal(t, 2, s.NeedsVerification, "fallback merchant and unknown type")
	assert.InDelta(t, 40.0, s.VerificationPct, 1e-9)

	total := 0
	for _, n := range s.Histogram {
		total += n
	}
	assert.Equal(t, 5, total)
	assert.Equal(t, 1, s.Histogram[0], "unknown type has zero confidence")
	assert.Equal(t, 1, s.Histogram[3], "fallback merchant at 0.3")
}

func TestBucket(t *testing.T) {
	tests := []struct {
		conf float64
		want int
	}{
		{conf: -1, want: 0},
		{conf: 0, want: 0},
		{conf: 0.05, want: 0},
		{conf: 0.3, want: 3},
		{conf: 0.95, want: 9},
		{conf: 1, want: 9},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, bucket(tt.conf), "%v", tt.conf)
	}
}
