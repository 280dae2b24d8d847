package story

import "time"

// StageResult is the immutable record of one stage attempt. Code carries
// the PipelineError code when the stage did not succeed.
type StageResult struct {
	Stage       Stage         `json:"stage" yaml:"stage"`
	Outcome     Outcome       `json:"outcome" yaml:"outcome"`
	Decision    Decision      `json:"decision,omitempty" yaml:"decision,omitempty"`
	Artifacts   []string      `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Summary     string        `json:"summary,omitempty" yaml:"summary,omitempty"`
	Code        string        `json:"code,omitempty" yaml:"code,omitempty"`
	Reason      string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	Elapsed     time.Duration `json:"-" yaml:"-"`
	CompletedAt time.Time     `json:"completed_at" yaml:"completed_at"`
}

// Freeze returns a copy that shares no slices with the receiver
func (r StageResult) Freeze() StageResult {
	r.Artifacts = r.FileList()
	r.CompletedAt = r.CompletedAt.UTC()
	return r
}

// FileList returns a copy of the extracted artifact list
func (r StageResult) FileList() []string {
	if len(r.Artifacts) == 0 {
		return nil
	}
	out := make([]string, len(r.Artifacts))
	copy(out, r.Artifacts)
	return out
}
