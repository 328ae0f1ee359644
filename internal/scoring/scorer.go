package scoring

import (
	"context"
	"fmt"

	"daggle/internal/common"
	"daggle/internal/models"
)

func bound(v float64) *float64 { return &v }

// SpecFor derives the upload format of comp: its id and prediction columns,
// the value domain implied by the metric, and the truth set's id universe.
func SpecFor(comp *models.Competition, truth *TruthSet) FileSpec {
	id, prediction, _ := comp.Columns()
	spec := FileSpec{
		IDColumn:     id,
		ValueColumns: []string{prediction},
		Kind:         KindFloat,
	}

	switch comp.Metric {
	case models.MetricAUCROC:
		spec.Min, spec.Max = bound(0), bound(1)
	case models.MetricAccuracy:
		spec.Kind = KindInt
	case models.MetricF1:
		spec.Kind = KindBinary
	}

	if truth != nil {
		spec.ExpectedIDs = truth.IDs()
	}
	return spec
}

// Engine scores validated submissions against competition truth sets
type Engine struct {
	truths *TruthCache
}

// NewEngine creates a scoring engine reading truth sets from source
func NewEngine(source Source) *Engine {
	return &Engine{truths: NewTruthCache(source)}
}

// LoadTruth returns the (cached) truth set of comp
func (e *Engine) LoadTruth(ctx context.Context, comp *models.Competition) (*TruthSet, error) {
	return e.truths.Get(ctx, comp)
}

// Score aligns file to truth by identifier and computes metric. Only the
// aggregate leaves this function; per-row truth values are never returned.
func (e *Engine) Score(ctx context.Context, file *ValidatedFile, truth *TruthSet, metric models.Metric) (float64, error) {
	fn, ok := metricFuncs[metric]
	if !ok {
		return 0, &common.ScoringError{
			Reason: common.ReasonUnknownMetric,
			Err:    fmt.Errorf("metric %q", metric),
		}
	}

	byID := file.Predictions()
	predictions := make([]float64, 0, truth.Len())
	actuals := make([]float64, 0, truth.Len())
	for i, id := range truth.order {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		p, ok := byID[id]
		if !ok {
			return 0, &common.ScoringError{
				Reason: common.ReasonAlignmentMismatch,
				Err:    fmt.Errorf("no prediction for truth id %q", id),
			}
		}
		predictions = append(predictions, p)
		actuals = append(actuals, truth.targets[id])
	}

	return fn(predictions, actuals)
}
