package fx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-pricing/internal/resilience"
)

func TestParseRates(t *testing.T) {
	got, err := ParseRates(" eur:usd=1.08, EUR:GBP=0.86 ,")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got[Pair{From: "EUR", To: "USD"}].Equal(decimal.RequireFromString("1.08")))

	for _, bad := range []string{"EURUSD=1", "EUR:USD", "EUR:USD=abc", "EUR:USD=0", ":USD=1"} {
		_, err := ParseRates(bad)
		require.Error(t, err, bad)
	}
}

func TestTableConvert(t *testing.T) {
	table := NewTable(map[Pair]decimal.Decimal{{From: "EUR", To: "USD"}: decimal.RequireFromString("1.25")})
	ctx := context.Background()

	usd, err := table.Convert(ctx, decimal.NewFromInt(10), "eur", "USD")
	require.NoError(t, err)
	require.Equal(t, "12.5", usd.String())

	eur, err := table.Convert(ctx, decimal.NewFromInt(10), "USD", "EUR")
	require.NoError(t, err)
	require.Equal(t, "8", eur.String())

	same, err := table.Convert(ctx, decimal.NewFromInt(7), "JPY", "jpy")
	require.NoError(t, err)
	require.Equal(t, "7", same.String())

	_, err = table.Convert(ctx, decimal.NewFromInt(1), "EUR", "JPY")
	require.ErrorIs(t, err, ErrRateNotFound)
}

func TestRefresherMergesRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"base":"eur","rates":{"USD":1.10,"JPY":160.5,"XXX":0}}`))
	}))
	t.Cleanup(srv.Close)

	table := NewTable(map[Pair]decimal.Decimal{{From: "EUR", To: "GBP"}: decimal.RequireFromString("0.86")})
	r := &Refresher{
		Client:   resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 1},
		Endpoint: srv.URL,
		Table:    table,
		Logger:   zerolog.Nop(),
	}
	before := table.UpdatedAt()
	time.Sleep(time.Millisecond)
	require.NoError(t, r.Refresh(context.Background()))

	require.Equal(t, 3, table.Len())
	rate, err := table.Rate("EUR", "USD")
	require.NoError(t, err)
	require.Equal(t, "1.1", rate.String())
	_, err = table.Rate("EUR", "GBP")
	require.NoError(t, err)
	require.True(t, table.UpdatedAt().After(before))
}

func TestRefresherKeepsRatesOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	table := NewTable(map[Pair]decimal.Decimal{{From: "EUR", To: "USD"}: decimal.RequireFromString("1.08")})
	r := &Refresher{Client: resilience.HTTPClient{Client: srv.Client()}, Endpoint: srv.URL, Table: table, Logger: zerolog.Nop()}
	require.Error(t, r.Refresh(context.Background()))
	require.Equal(t, 1, table.Len())
}
