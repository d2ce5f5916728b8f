package vector

import "fmt"

// Metric selects how stored vectors are compared to a query. Both metrics
// operate on unit vectors and surface a similarity in [-1, 1]: inner product
// directly, squared L2 via similarity = 1 - distance/2.
type Metric string

const (
	// MetricInnerProduct scores by dot product of unit vectors (cosine similarity).
	MetricInnerProduct Metric = "inner_product"
	// MetricSquaredL2 scores by squared Euclidean distance, converted to similarity.
	MetricSquaredL2 Metric = "squared_l2"
)

// ParseMetric validates a metric name from configuration. The empty string
// resolves to MetricInnerProduct.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricInnerProduct, "":
		return MetricInnerProduct, nil
	case MetricSquaredL2:
		return MetricSquaredL2, nil
	default:
		return "", fmt.Errorf("unknown similarity metric: %q (supported: inner_product, squared_l2)", s)
	}
}

func metricToByte(m Metric) uint8 {
	if m == MetricSquaredL2 {
		return 1
	}
	return 0
}

func metricFromByte(b uint8) (Metric, bool) {
	switch b {
	case 0:
		return MetricInnerProduct, true
	case 1:
		return MetricSquaredL2, true
	default:
		return "", false
	}
}
