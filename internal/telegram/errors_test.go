package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"tg_to_mastodon/internal/models"

	"github.com/go-telegram/bot"
)

func TestShouldRetryFetch(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "too many requests retryable",
			err: &bot.TooManyRequestsError{
				Message:    "too many requests",
				RetryAfter: 3,
			},
			want: true,
		},
		{
			name: "forbidden non retryable",
			err:  fmt.Errorf("%w, bot was kicked from the channel", bot.ErrorForbidden),
			want: false,
		},
		{
			name: "file too big non retryable",
			err:  fmt.Errorf("%w, file is too big", bot.ErrorBadRequest),
			want: false,
		},
		{
			name: "migrate error non retryable",
			err: &bot.MigrateError{
				Message:         "bad request: group upgraded",
				MigrateToChatID: -1001234567890,
			},
			want: false,
		},
		{
			name: "unauthorized non retryable",
			err:  fmt.Errorf("%w, invalid token", bot.ErrorUnauthorized),
			want: false,
		},
		{
			name: "not found non retryable",
			err:  fmt.Errorf("%w, file not found", bot.ErrorNotFound),
			want: false,
		},
		{
			name: "generic error retryable",
			err:  errors.New("temporary network error"),
			want: true,
		},
		{
			name: "nil error non retryable",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldRetryFetch(tt.err); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestClassifyBotError(t *testing.T) {
	err := classifyBotError(&bot.TooManyRequestsError{Message: "slow down", RetryAfter: 7})
	var transient *models.TransientFetchError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientFetchError, got %T", err)
	}
	if transient.RetryAfter != 7*time.Second {
		t.Fatalf("unexpected retry after: %v", transient.RetryAfter)
	}

	err = classifyBotError(&bot.TooManyRequestsError{Message: "slow down"})
	if got := models.RetryAfterOf(err); got != defaultFetchRetryAfter {
		t.Fatalf("expected default retry after, got %v", got)
	}

	err = classifyBotError(fmt.Errorf("%w, invalid token", bot.ErrorUnauthorized))
	var fatal *models.FatalFetchError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalFetchError, got %T", err)
	}
	if !errors.Is(err, bot.ErrorUnauthorized) {
		t.Fatalf("fatal error should wrap the original")
	}

	if classifyBotError(nil) != nil {
		t.Fatalf("nil error should stay nil")
	}
}

func TestClassifyDownloadStatus(t *testing.T) {
	tests := []struct {
		status     int
		retryAfter string
		transient  bool
		wantDelay  time.Duration
	}{
		{status: http.StatusTooManyRequests, retryAfter: "12", transient: true, wantDelay: 12 * time.Second},
		{status: http.StatusTooManyRequests, transient: true, wantDelay: defaultFetchRetryAfter},
		{status: http.StatusBadGateway, transient: true},
		{status: http.StatusNotFound, transient: false},
		{status: http.StatusForbidden, transient: false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			resp := &http.Response{
				StatusCode: tt.status,
				Status:     fmt.Sprintf("%d %s", tt.status, http.StatusText(tt.status)),
				Header:     http.Header{},
			}
			if tt.retryAfter != "" {
				resp.Header.Set("Retry-After", tt.retryAfter)
			}

			err := classifyDownloadStatus(resp)
			if got := models.IsTransient(err); got != tt.transient {
				t.Fatalf("expected transient=%v, got %v (%v)", tt.transient, got, err)
			}
			if got := models.RetryAfterOf(err); got != tt.wantDelay {
				t.Fatalf("expected retry after %v, got %v", tt.wantDelay, got)
			}
		})
	}
}

func TestClassifyTransportError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := classifyTransportError(ctx, context.Canceled); models.IsTransient(err) {
		t.Fatalf("caller cancellation should not be reported as transient")
	}

	if err := classifyTransportError(context.Background(), errors.New("connection reset")); !models.IsTransient(err) {
		t.Fatalf("network errors should be transient, got %v", err)
	}
}
