package domain

// Job status values. queued and processing are the only non-terminal states.
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job kinds, resolved once at submission.
const (
	KindSingleImage    Kind = "single-image"
	KindStoryMultiShot Kind = "story-multi-shot"
	KindVideoToVideo   Kind = "video-to-video"
)

// Ledger entry actions
const (
	LedgerReserve  = "reserve"
	LedgerFinalize = "finalize"
	LedgerRefund   = "refund"
	LedgerGrant    = "grant"
)

const (
	// MaxErrorLength bounds the error message persisted on a job.
	MaxErrorLength = 500

	// StoryShotsProgressShare is the share of progress given to shot generation;
	// the remainder is reserved for compositing.
	StoryShotsProgressShare = 80
)
