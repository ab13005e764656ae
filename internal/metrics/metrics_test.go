package metrics_test

import (
	"strings"
	"testing"

	"github.com/developingchet/privacy-record/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var collectors = []struct {
	fqName string
	c      prometheus.Collector
}{
	{"privacy_record_records_added_total", metrics.RecordsAdded},
	{"privacy_record_records_merged_total", metrics.RecordsMerged},
	{"privacy_record_buffer_size", metrics.BufferSize},
	{"privacy_record_pending_batches", metrics.PendingBatches},
	{"privacy_record_flush_batches_total", metrics.FlushBatches},
	{"privacy_record_flush_rows_total", metrics.FlushRows},
	{"privacy_record_flush_duration_seconds", metrics.FlushDuration},
	{"privacy_record_query_duration_seconds", metrics.QueryDuration},
	{"privacy_record_active_usages", metrics.ActiveUsages},
	{"privacy_record_callback_registrants", metrics.CallbackRegistrants},
	{"privacy_record_callbacks_dispatched_total", metrics.CallbacksDispatched},
	{"privacy_record_jobs_enqueued_total", metrics.JobsEnqueued},
	{"privacy_record_jobs_dropped_total", metrics.JobsDropped},
	{"privacy_record_worker_queue_depth", metrics.WorkerQueueDepth},
	{"privacy_record_retention_pruned_total", metrics.RetentionPruned},
	{"privacy_record_stored_rows", metrics.StoredRows},
	{"privacy_record_db_size_bytes", metrics.DBSizeBytes},
	{"privacy_record_api_requests_total", metrics.APIRequests},
}

// TestMetricCollectorsLint verifies every package-level collector is non-nil
// and passes Prometheus linting rules.
func TestMetricCollectorsLint(t *testing.T) {
	for _, tc := range collectors {
		t.Run(tc.fqName, func(t *testing.T) {
			if tc.c == nil {
				t.Fatal("collector is nil")
			}
			lintErrs, err := testutil.CollectAndLint(tc.c)
			if err != nil {
				t.Errorf("CollectAndLint gather error: %v", err)
			}
			if len(lintErrs) > 0 {
				t.Errorf("prometheus lint errors: %v", lintErrs)
			}
		})
	}
}

// TestMetricNamesAndHelp checks names via Describe() so Vec metrics with no
// observations are covered too.
func TestMetricNamesAndHelp(t *testing.T) {
	for _, tc := range collectors {
		t.Run(tc.fqName, func(t *testing.T) {
			ch := make(chan *prometheus.Desc, 8)
			go func() {
				tc.c.Describe(ch)
				close(ch)
			}()

			found := false
			for d := range ch {
				s := d.String()
				if strings.Contains(s, `"`+tc.fqName+`"`) {
					found = true
					if strings.Contains(s, `help: ""`) {
						t.Errorf("descriptor for %s has an empty help string", tc.fqName)
					}
				}
			}
			if !found {
				t.Errorf("no descriptor named %q returned by Describe()", tc.fqName)
			}
		})
	}
}

func TestCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(metrics.RecordsMerged)
	metrics.RecordsMerged.Inc()
	if got := testutil.ToFloat64(metrics.RecordsMerged); got != before+1 {
		t.Errorf("RecordsMerged = %v, want %v", got, before+1)
	}
}
