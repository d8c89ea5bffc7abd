// Package artifact renders and checks the markdown artifact produced for an
// episode.
package artifact

import (
	"fmt"
	"strings"

	"github.com/sells-group/muse-gate/internal/model"
)

// CaveatHeading is the section title every draft artifact must carry.
const CaveatHeading = "Data Quality Notice"

// RenderCaveat returns the data-quality section for a score below threshold.
func RenderCaveat(score model.ConfidenceScore, threshold float64) string {
	var b strings.Builder
	b.WriteString("## " + CaveatHeading + "\n\n")
	fmt.Fprintf(&b, "⚠️ **Low Confidence Episode** (Score: %.2f)\n\n", score.Final)
	b.WriteString("This episode is based on limited or incomplete data. ")
	b.WriteString("The analysis should be considered preliminary and may not reflect the full picture of system performance. ")
	b.WriteString("Additional data collection is recommended before making significant decisions based on these findings.\n\n")
	fmt.Fprintf(&b, "Publish threshold: %.2f\n\n", threshold)
	writeDimension(&b, "Completeness", score.Completeness, threshold)
	writeDimension(&b, "Correlation strength", score.CorrelationStrength, threshold)
	writeDimension(&b, "Recency", score.RecencyFactor, threshold)
	return b.String()
}

func writeDimension(b *strings.Builder, name string, v, threshold float64) {
	if v < threshold {
		fmt.Fprintf(b, "- %s: %.2f (below threshold)\n", name, v)
		return
	}
	fmt.Fprintf(b, "- %s: %.2f\n", name, v)
}
