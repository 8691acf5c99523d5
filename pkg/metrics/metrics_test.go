package metrics

import (
	"bytes"
	"strings"
	"testing"
)

func TestWritePrometheus(t *testing.T) {
	JobsSubmittedTotal.WithLabelValues("Image Creation").Inc()
	WorkerOnline.WithLabelValues("gpu-1").Set(1)

	var buf bytes.Buffer
	if err := WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		`dispatch_jobs_submitted_total{job_type="Image Creation"}`,
		`dispatch_worker_online{worker="gpu-1"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}
