package scoring

import (
	"fmt"
	"math"
	"sort"

	"daggle/internal/common"
	"daggle/internal/models"
)

// metricFunc computes an aggregate score from aligned predictions and actuals
type metricFunc func(predictions, actuals []float64) (float64, error)

var metricFuncs = map[models.Metric]metricFunc{
	models.MetricAUCROC:   AUCROC,
	models.MetricRMSE:     RMSE,
	models.MetricMAE:      MAE,
	models.MetricAccuracy: Accuracy,
	models.MetricF1:       F1,
}

// Round6 rounds to six decimal places, the precision scores are reported at
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func checkLengths(predictions, actuals []float64) error {
	if len(predictions) != len(actuals) {
		return &common.ScoringError{
			Reason: common.ReasonAlignmentMismatch,
			Err:    fmt.Errorf("%d predictions for %d actuals", len(predictions), len(actuals)),
		}
	}
	if len(predictions) == 0 {
		return &common.ScoringError{Reason: common.ReasonEmptyInput}
	}
	return nil
}

// AUCROC is the probability that a random positive is ranked above a random
// negative: the Mann-Whitney U statistic over pos*neg pairs. Tied predictions
// share their average rank, so a positive/negative tie counts one half.
func AUCROC(predictions, actuals []float64) (float64, error) {
	if err := checkLengths(predictions, actuals); err != nil {
		return 0, err
	}

	var pos, neg int
	for _, a := range actuals {
		switch a {
		case 1:
			pos++
		case 0:
			neg++
		default:
			return 0, &common.ScoringError{
				Reason: common.ReasonInvalidTruthLabels,
				Err:    fmt.Errorf("AUC-ROC requires binary labels, got %v", a),
			}
		}
	}
	if pos == 0 || neg == 0 {
		return 0, &common.ScoringError{
			Reason: common.ReasonDegenerateTruthSet,
			Err:    fmt.Errorf("truth set has %d positives and %d negatives", pos, neg),
		}
	}

	idx := make([]int, len(predictions))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		return predictions[idx[a]] < predictions[idx[b]]
	})

	// Sum of 1-based ranks of positives, averaging over runs of equal predictions
	var rankSum float64
	for i := 0; i < len(idx); {
		j := i
		for j < len(idx) && predictions[idx[j]] == predictions[idx[i]] {
			j++
		}
		avg := float64(i+1+j) / 2
		for k := i; k < j; k++ {
			if actuals[idx[k]] == 1 {
				rankSum += avg
			}
		}
		i = j
	}

	u := rankSum - float64(pos)*float64(pos+1)/2
	return Round6(u / (float64(pos) * float64(neg))), nil
}

// RMSE is the root of the mean squared deviation
func RMSE(predictions, actuals []float64) (float64, error) {
	if err := checkLengths(predictions, actuals); err != nil {
		return 0, err
	}
	var sum float64
	for i := range predictions {
		d := predictions[i] - actuals[i]
		sum += d * d
	}
	return Round6(math.Sqrt(sum / float64(len(predictions)))), nil
}

// MAE is the mean absolute deviation
func MAE(predictions, actuals []float64) (float64, error) {
	if err := checkLengths(predictions, actuals); err != nil {
		return 0, err
	}
	var sum float64
	for i := range predictions {
		sum += math.Abs(predictions[i] - actuals[i])
	}
	return Round6(sum / float64(len(predictions))), nil
}

// Accuracy is the fraction of exact label matches
func Accuracy(predictions, actuals []float64) (float64, error) {
	if err := checkLengths(predictions, actuals); err != nil {
		return 0, err
	}
	correct := 0
	for i := range predictions {
		if predictions[i] == actuals[i] {
			correct++
		}
	}
	return Round6(float64(correct) / float64(len(predictions))), nil
}

// F1 is the harmonic mean of precision and recall for the positive class
func F1(predictions, actuals []float64) (float64, error) {
	if err := checkLengths(predictions, actuals); err != nil {
		return 0, err
	}
	var tp, fp, fn float64
	for i := range predictions {
		p, a := predictions[i] == 1, actuals[i] == 1
		switch {
		case p && a:
			tp++
		case p && !a:
			fp++
		case !p && a:
			fn++
		}
	}
	if tp == 0 {
		return 0, nil
	}
	precision := tp / (tp + fp)
	recall := tp / (tp + fn)
	return Round6(2 * precision * recall / (precision + recall)), nil
}
