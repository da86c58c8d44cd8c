package scoring

import (
	"strings"

	"github.com/Someblueman/lootforge-sub002/internal/imageops"
	"github.com/Someblueman/lootforge-sub002/internal/policy"
	"github.com/Someblueman/lootforge-sub002/internal/target"
)

// acceptanceReasons runs the hard pass/fail gates over decoded statistics
// and returns one stable reason code per violated rule, in check order.
// An empty slice means the candidate passed.
func acceptanceReasons(t *target.Target, pol policy.Policy, st *imageops.Stats) []string {
	var reasons []string

	if acc := t.Acceptance; acc != nil && acc.Width > 0 && acc.Height > 0 {
		if st.Width != acc.Width || st.Height != acc.Height {
			reasons = append(reasons, ReasonSizeMismatch)
		}
	} else if w, h := policy.ParseSize(pol.Size); w > 0 && h > 0 {
		if st.Width != w || st.Height != h {
			reasons = append(reasons, ReasonSizeMismatch)
		}
	}

	if want := strings.TrimSpace(pol.OutputFormat); want != "" && st.Format != want {
		reasons = append(reasons, ReasonOutputFormatMismatch)
	}

	if t.RequireAlpha {
		switch {
		case !st.HasAlphaChannel:
			reasons = append(reasons, ReasonAlphaChannelMissing)
		case st.NonOpaquePixels == 0:
			// Alpha channel present but every pixel is opaque: the
			// backend ignored the transparency request.
			reasons = append(reasons, ReasonAlphaNotUsed)
		}
	}

	if acc := t.Acceptance; acc != nil {
		if acc.MaxFileBytes > 0 && st.FileBytes > acc.MaxFileBytes {
			reasons = append(reasons, ReasonFileSizeExceeded)
		}
		if acc.MaxHaloRisk != nil && st.Alpha.HaloRisk > *acc.MaxHaloRisk {
			reasons = append(reasons, ReasonHaloRiskExceeded)
		}
		if acc.MaxStrayNoise != nil && st.Alpha.StrayNoise > *acc.MaxStrayNoise {
			reasons = append(reasons, ReasonStrayNoiseExceeded)
		}
		if acc.MinEdgeSharpness != nil && st.Alpha.EdgeSharpness < *acc.MinEdgeSharpness {
			reasons = append(reasons, ReasonEdgeSharpnessBelowMin)
		}
	}

	return reasons
}
