package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordJob(t *testing.T) {
	before := testutil.ToFloat64(JobsTotal.WithLabelValues("fetch", "ok"))
	RecordJob("fetch", "ok", 0.2)
	require.Equal(t, before+1, testutil.ToFloat64(JobsTotal.WithLabelValues("fetch", "ok")))
}

func TestRecordDelivery(t *testing.T) {
	before := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("push", "gone"))
	RecordDelivery("push", "gone")
	RecordDelivery("push", "gone")
	require.Equal(t, before+2, testutil.ToFloat64(DeliveriesTotal.WithLabelValues("push", "gone")))
}
