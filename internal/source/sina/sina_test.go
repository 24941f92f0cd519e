package sina_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"quotewatch/internal/httpx"
	"quotewatch/internal/source"
	"quotewatch/internal/source/sina"
)

// serveGBK answers every request with body re-encoded to GBK, like the
// real feed does.
func serveGBK(t *testing.T, body string) *sina.Quotes {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "https://finance.sina.com.cn", r.Header.Get("Referer"))
		enc, _, err := transform.String(simplifiedchinese.GBK.NewEncoder(), body)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/javascript; charset=GBK")
		_, _ = w.Write([]byte(enc))
	}))
	t.Cleanup(srv.Close)
	return sina.New(sina.Config{Endpoint: srv.URL + "/list="}, httpx.New(5*time.Second))
}

func TestFetch_DomesticLayout(t *testing.T) {
	t.Parallel()

	q := serveGBK(t, `var hq_str_sh600000="浦发银行,10.50,10.40,10.62,10.70,10.35,10.61,10.62,52810452,556644213.00,12345,10.61,2025-08-29,15:00:00,00";`)

	rec, err := q.Fetch(context.Background(), source.Instrument{Symbol: "sh600000"})
	require.NoError(t, err)
	require.Equal(t, "浦发银行", rec.Name)
	require.InEpsilon(t, 10.62, rec.Price, 1e-9)
	require.InEpsilon(t, 10.40, rec.PrevClose, 1e-9)
	require.InDelta(t, 0.22, rec.ChangeAmount, 1e-9)
	require.InEpsilon(t, 2.12, rec.ChangePercent, 1e-9) // (0.22/10.40)*100 to 2dp
	require.NotNil(t, rec.Open)
	require.InEpsilon(t, 10.50, *rec.Open, 1e-9)
	require.NotNil(t, rec.Volume)
	require.EqualValues(t, 52810452, *rec.Volume)
	require.Equal(t, "CNY", rec.Currency)

	high, ok := rec.Extra("high")
	require.True(t, ok)
	require.InEpsilon(t, 10.70, high, 1e-9)
}

func TestFetch_NameFirstShortLayout(t *testing.T) {
	t.Parallel()

	// Short layouts carry price in the field after the name; change amount
	// and previous close are derived from price and percent.
	q := serveGBK(t, `var hq_str_znb_XAU="黄金,3000.00,1.50,45.00,2.95,2962.5";`)

	rec, err := q.Fetch(context.Background(), source.Instrument{Symbol: "znb_XAU"})
	require.NoError(t, err)
	require.Equal(t, "黄金", rec.Name)
	require.InEpsilon(t, 3000.00, rec.Price, 1e-9)
	require.InEpsilon(t, 1.50, rec.ChangePercent, 1e-9)
	require.InEpsilon(t, 45.0, rec.ChangeAmount, 1e-9)
	require.InEpsilon(t, 2955.0, rec.PrevClose, 1e-9)
}

func TestFetch_NumericFirstLayout(t *testing.T) {
	t.Parallel()

	q := serveGBK(t, `var hq_str_sh000001="3267.66,-1.25,-41.35,2500000,31000000";`)

	rec, err := q.Fetch(context.Background(), source.Instrument{Symbol: "sh000001", Name: "SSE"})
	require.NoError(t, err)
	require.InEpsilon(t, 3267.66, rec.Price, 1e-9)
	require.InEpsilon(t, -1.25, rec.ChangePercent, 1e-9)
	require.Equal(t, "SSE", rec.Name, "configured name backfills the numeric layout")
}

func TestFetch_OverseasCurrency(t *testing.T) {
	t.Parallel()

	q := serveGBK(t, `var hq_str_gb_aapl="Apple Inc,182.50,0.85,1.54,181.0";`)

	rec, err := q.Fetch(context.Background(), source.Instrument{Symbol: "gb_aapl"})
	require.NoError(t, err)
	require.Equal(t, "USD", rec.Currency)
	require.InEpsilon(t, 182.50, rec.Price, 1e-9)
}

func TestFetch_EmptyPayload(t *testing.T) {
	t.Parallel()

	q := serveGBK(t, `var hq_str_sh999999="";`)

	_, err := q.Fetch(context.Background(), source.Instrument{Symbol: "sh999999"})
	require.Equal(t, "empty_result", source.Reason(err))
}

func TestFetch_UnrecognizedBody(t *testing.T) {
	t.Parallel()

	q := serveGBK(t, `<html>blocked</html>`)

	_, err := q.Fetch(context.Background(), source.Instrument{Symbol: "sh600000"})
	require.Equal(t, "format_mismatch", source.Reason(err))
}

func TestFetch_GarbledNumberIsDecodeError(t *testing.T) {
	t.Parallel()

	q := serveGBK(t, `var hq_str_znb_XAU="黄金,not-a-number,1.50";`)

	_, err := q.Fetch(context.Background(), source.Instrument{Symbol: "znb_XAU"})
	require.Equal(t, "decode_error", source.Reason(err))
}
