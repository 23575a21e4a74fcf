package monitoring

import (
	"context"
	"time"

	"github.com/ZanzyTHEbar/phish-o-meter/internal/analysis"
)

// AnalysisRecorder feeds finished reports into the metrics and the
// structured log.
type AnalysisRecorder struct {
	metrics *Metrics
	logger  *Logger
}

func NewAnalysisRecorder(metrics *Metrics, logger *Logger) *AnalysisRecorder {
	return &AnalysisRecorder{metrics: metrics, logger: logger}
}

// Record implements analysis.Recorder. It never fails.
func (r *AnalysisRecorder) Record(_ context.Context, rep analysis.Report) error {
	r.metrics.RecordAnalysis(AnalysisSample{
		Outcome:          string(rep.Outcome),
		Phishing:         rep.Phishing(),
		ContentAvailable: rep.ContentAvailable,
		FetchTimedOut:    rep.FetchTimedOut,
		FetchFailed:      rep.FetchError != "",
		Intervened:       rep.Phishing() && rep.RedirectURL != "",
	})

	if r.logger != nil && rep.Outcome == analysis.OutcomeScored {
		r.logger.AnalysisLogger(rep.URL, string(rep.Mode), string(rep.Verdict),
			rep.Score, rep.Confidence, rep.ContentAvailable,
			time.Duration(rep.DurationMS)*time.Millisecond)
	}
	return nil
}
