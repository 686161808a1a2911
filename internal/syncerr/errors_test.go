package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := map[string]struct {
		err  error
		want Kind
	}{
		"connection":         {Connection("dial", errors.New("refused")), KindConnection},
		"wrapped connection": {fmt.Errorf("reconnect: %w", Connection("dial", errors.New("refused"))), KindConnection},
		"credential":         {&CredentialError{Code: "expired"}, KindCredential},
		"protocol":           {Protocol("bad json", nil), KindProtocol},
		"integrity":          {&IntegrityError{Topic: "queue_5"}, KindIntegrity},
		"capacity":           {&CapacityError{Capacity: 3}, KindCapacity},
		"server closed":      {ErrServerClosed, KindConnection},
		"deadline":           {context.DeadlineExceeded, KindConnection},
		"unknown":            {errors.New("boom"), KindUnknown},
	}

	for name, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("%s: expected %s, got %s", name, tc.want, got)
		}
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(Protocol("oversized", nil)) {
		t.Error("protocol errors must not be retried")
	}
	if Retryable(&CredentialError{Code: "unauthorized"}) {
		t.Error("credential errors must not be retried blindly")
	}
	if Retryable(ErrServerClosed) {
		t.Error("server-initiated close must not be retried")
	}
	if !Retryable(Connection("read", errors.New("reset"))) {
		t.Error("connection errors should be retried")
	}
}
