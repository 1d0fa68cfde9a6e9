package domain

// Judgment confidence levels returned by the multimodal work validator.
const (
	ConfidenceLow    = "LOW"
	ConfidenceMedium = "MEDIUM"
	ConfidenceHigh   = "HIGH"
)

// WorkVerdict is the structured judgment parsed from the document
// intelligence collaborator's response to a work submission.
type WorkVerdict struct {
	Valid      bool   `json:"valid"`
	Confidence string `json:"confidence"`
}

// Accepted reports whether the verdict satisfies the release gate. Funds are
// only ever released on a valid verdict at HIGH confidence; MEDIUM and LOW
// reject regardless of validity.
func (v WorkVerdict) Accepted() bool {
	return v.Valid && v.Confidence == ConfidenceHigh
}

// WorkValidationResult is returned to the submitting beneficiary.
type WorkValidationResult struct {
	Verdict      WorkVerdict `json:"verdict"`
	Accepted     bool        `json:"accepted"`
	ArchivePath  string      `json:"archive_path"`
	ReleaseTxnID string      `json:"release_transaction_id,omitempty"`
}
