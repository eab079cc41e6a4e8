package telemetry

import (
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/sdk/trace"
)

// rootSamplers maps OTEL_TRACES_SAMPLER names without the parentbased_
// prefix to their constructors. The ratio is only consulted by traceidratio.
var rootSamplers = map[string]func(ratio float64) trace.Sampler{
	"always_on":    func(float64) trace.Sampler { return trace.AlwaysSample() },
	"always_off":   func(float64) trace.Sampler { return trace.NeverSample() },
	"traceidratio": trace.TraceIDRatioBased,
}

// createSampler resolves cfg.Sampler. Unknown or empty names record every
// span.
func createSampler(cfg *Config) trace.Sampler {
	name := strings.ToLower(strings.TrimSpace(cfg.Sampler))
	parentBased := strings.HasPrefix(name, "parentbased_")
	name = strings.TrimPrefix(name, "parentbased_")

	newRoot, ok := rootSamplers[name]
	if !ok {
		return trace.AlwaysSample()
	}
	root := newRoot(parseRatio(cfg.SamplerArg))
	if parentBased {
		return trace.ParentBased(root)
	}
	return root
}

// parseRatio reads OTEL_TRACES_SAMPLER_ARG, clamped to [0, 1]. Anything
// unparsable means full sampling.
func parseRatio(s string) float64 {
	ratio, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 1
	}
	return min(max(ratio, 0), 1)
}
