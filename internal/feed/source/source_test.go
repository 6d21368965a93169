package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

type timeoutErr struct{ timeout bool }

func (e *timeoutErr) Error() string   { return "net err" }
func (e *timeoutErr) Timeout() bool   { return e.timeout }
func (e *timeoutErr) Temporary() bool { return false }

var _ net.Error = (*timeoutErr)(nil)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Kind("")},
		{"tagged fetch error", NewError(KindRateLimited, "s", errors.New("http 429")), KindRateLimited},
		{"wrapped fetch error", fmt.Errorf("outer: %w", NewError(KindAuthFailure, "s", nil)), KindAuthFailure},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), KindTimeout},
		{"net timeout", &timeoutErr{timeout: true}, KindTimeout},
		{"net non-timeout", &timeoutErr{timeout: false}, KindTransport},
		{"unknown", errors.New("boom"), KindTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Errorf("want %q, got %q", tc.want, got)
			}
		})
	}
}

func TestFetchErrorMessage(t *testing.T) {
	err := NewError(KindServerError, "binance", errors.New("http 502"))
	want := "binance: server_error: http 502"
	if err.Error() != want {
		t.Errorf("want %q, got %q", want, err.Error())
	}

	inner := errors.New("root cause")
	if !errors.Is(NewError(KindTransport, "s", inner), inner) {
		t.Error("FetchError must unwrap to the inner error")
	}
}

func TestCandleSanityCheck(t *testing.T) {
	good := Candle{Open: 10, High: 12, Low: 9, Close: 11, Volume: 100, TsUnixMs: time.Now().UnixMilli()}
	if err := good.SanityCheck(); err != nil {
		t.Errorf("valid candle rejected: %v", err)
	}

	bad := []Candle{
		{Open: 10, High: 9, Low: 8, Close: 8.5},   // open > high
		{Open: 10, High: 12, Low: 11, Close: 11},  // low > open
		{Open: 10, High: 12, Low: -1, Close: 11},  // 负值
		{Open: 10, High: 12, Low: 9, Close: 12.5}, // close > high
	}
	for i, c := range bad {
		if err := c.SanityCheck(); err == nil {
			t.Errorf("case %d: invalid candle accepted", i)
		}
	}
}
