package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetConnectionStateIsExclusive(t *testing.T) {
	SetConnectionState("connecting")
	SetConnectionState("connected")

	if v := testutil.ToFloat64(ConnectionState.WithLabelValues("connected")); v != 1 {
		t.Errorf("expected connected=1, got %v", v)
	}
	if v := testutil.ToFloat64(ConnectionState.WithLabelValues("connecting")); v != 0 {
		t.Errorf("expected connecting=0, got %v", v)
	}
}
