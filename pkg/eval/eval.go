// Package eval compares predicted anomaly labels against ground truth and
// produces per-class classification metrics.
package eval

import (
	"fmt"
	"io"
	"strings"
)

// Metrics holds precision, recall, F1 and support for one class.
type Metrics struct {
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// Report summarizes a scorer's predictions against ground truth.
// The anomaly class is the positive class.
type Report struct {
	Normal  Metrics
	Anomaly Metrics

	Accuracy float64

	// Confusion counts, with anomaly as positive.
	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int
}

// Evaluate computes a report from ground-truth and predicted anomaly flags.
// It is a pure function of its inputs.
func Evaluate(truth, predicted []bool) (*Report, error) {
	if len(truth) != len(predicted) {
		return nil, fmt.Errorf("eval: %d truth labels vs %d predictions", len(truth), len(predicted))
	}
	if len(truth) == 0 {
		return nil, fmt.Errorf("eval: no labels to evaluate")
	}

	r := &Report{}
	for i := range truth {
		switch {
		case truth[i] && predicted[i]:
			r.TruePositives++
		case !truth[i] && predicted[i]:
			r.FalsePositives++
		case truth[i] && !predicted[i]:
			r.FalseNegatives++
		default:
			r.TrueNegatives++
		}
	}

	r.Anomaly = classMetrics(r.TruePositives, r.FalsePositives, r.FalseNegatives)
	r.Anomaly.Support = r.TruePositives + r.FalseNegatives

	// For the normal class the roles flip: a true negative is a correct
	// normal prediction.
	r.Normal = classMetrics(r.TrueNegatives, r.FalseNegatives, r.FalsePositives)
	r.Normal.Support = r.TrueNegatives + r.FalsePositives

	r.Accuracy = float64(r.TruePositives+r.TrueNegatives) / float64(len(truth))

	return r, nil
}

func classMetrics(tp, fp, fn int) Metrics {
	m := Metrics{}
	if tp+fp > 0 {
		m.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		m.Recall = float64(tp) / float64(tp+fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}

// String renders the report as a classification summary table.
func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %9s %9s %9s %9s\n", "", "precision", "recall", "f1-score", "support")
	fmt.Fprintf(&b, "%-10s %9.3f %9.3f %9.3f %9d\n", "normal", r.Normal.Precision, r.Normal.Recall, r.Normal.F1, r.Normal.Support)
	fmt.Fprintf(&b, "%-10s %9.3f %9.3f %9.3f %9d\n", "anomaly", r.Anomaly.Precision, r.Anomaly.Recall, r.Anomaly.F1, r.Anomaly.Support)
	fmt.Fprintf(&b, "%-10s %39.3f %9d\n", "accuracy", r.Accuracy, r.Normal.Support+r.Anomaly.Support)
	return b.String()
}

// WriteReport writes a named report to w.
func WriteReport(w io.Writer, name string, r *Report) error {
	_, err := fmt.Fprintf(w, "=== %s ===\n%s\n", name, r)
	return err
}
