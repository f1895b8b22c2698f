package objectdetection

import (
	"github.com/samber/lo"

	"go.viam.com/objrec/geometry"
)

// Postprocessor defines a function that filters/modifies an incoming detection Result. It must
// keep objects and bounds paired.
type Postprocessor func(Result) Result

// NewAreaFilter returns a function that filters out detections below a certain area.
func NewAreaFilter(area int) Postprocessor {
	return func(in Result) Result {
		return filter(in, func(_ Object, b geometry.Bounds) bool {
			return b.Area() >= area
		})
	}
}

// NewScoreFilter returns a function that filters out detections below a certain confidence.
// Objects without a confidence are kept.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in Result) Result {
		return filter(in, func(o Object, _ geometry.Bounds) bool {
			return o.Confidence == nil || *o.Confidence >= conf
		})
	}
}

// NewLabelFilter returns a function that keeps only detections whose name is in labels.
func NewLabelFilter(labels ...string) Postprocessor {
	return func(in Result) Result {
		return filter(in, func(o Object, _ geometry.Bounds) bool {
			return lo.Contains(labels, o.Name())
		})
	}
}

// Chain applies the postprocessors in order. Nil entries are skipped.
func Chain(pps ...Postprocessor) Postprocessor {
	return func(in Result) Result {
		for _, pp := range pps {
			if pp != nil {
				in = pp(in)
			}
		}
		return in
	}
}

func filter(in Result, keep func(Object, geometry.Bounds) bool) Result {
	idx := lo.Filter(lo.Range(in.Len()), func(i, _ int) bool {
		return keep(in.Objects[i], in.Bounds[i])
	})
	return Result{
		Objects: lo.Map(idx, func(i, _ int) Object { return in.Objects[i] }),
		Bounds:  lo.Map(idx, func(i, _ int) geometry.Bounds { return in.Bounds[i] }),
	}
}
