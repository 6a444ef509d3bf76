package models

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		permanent bool
		retry     time.Duration
	}{
		{
			name: "nil",
		},
		{
			name:      "transient fetch",
			err:       &TransientFetchError{Err: errors.New("timeout"), RetryAfter: 3 * time.Second},
			transient: true,
			retry:     3 * time.Second,
		},
		{
			name:      "wrapped transient publish",
			err:       fmt.Errorf("publish: %w", &TransientPublishError{Err: errors.New("429"), RetryAfter: time.Minute}),
			transient: true,
			retry:     time.Minute,
		},
		{
			name:      "fatal fetch",
			err:       &FatalFetchError{Err: errors.New("forbidden")},
			permanent: true,
		},
		{
			name:      "wrapped fatal publish",
			err:       fmt.Errorf("publish: %w", &FatalPublishError{Err: errors.New("422")}),
			permanent: true,
		},
		{
			name:      "unsupported content",
			err:       &UnsupportedContentError{SourceID: 102, Reason: "empty"},
			permanent: true,
		},
		{
			name: "in flight is neither",
			err:  &AlreadyInFlightError{SourceID: 103},
		},
		{
			name: "plain error is neither",
			err:  errors.New("boom"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Fatalf("IsTransient() = %v, want %v", got, tt.transient)
			}
			if got := IsPermanent(tt.err); got != tt.permanent {
				t.Fatalf("IsPermanent() = %v, want %v", got, tt.permanent)
			}
			if got := RetryAfterOf(tt.err); got != tt.retry {
				t.Fatalf("RetryAfterOf() = %v, want %v", got, tt.retry)
			}
		})
	}
}

func TestSourceMessageLastMessageID(t *testing.T) {
	msg := &SourceMessage{ID: 10, MessageIDs: []int64{10, 12, 11}}
	if got := msg.LastMessageID(); got != 12 {
		t.Fatalf("LastMessageID() = %d, want 12", got)
	}

	single := &SourceMessage{ID: 7}
	if got := single.LastMessageID(); got != 7 {
		t.Fatalf("LastMessageID() = %d, want 7", got)
	}
}
