package constant

const (
	// EventGranted identifies option-grant events, including transfer receipts.
	EventGranted = "GRANTED"
	// EventScheduleSet identifies vesting-schedule assignment events.
	EventScheduleSet = "SCHEDULE_SET"
	// EventExercised identifies option-exercise events.
	EventExercised = "EXERCISED"

	// JournalStatusPending identifies journal entries awaiting dispatch.
	JournalStatusPending = "PENDING"
	// JournalStatusProcessing identifies journal entries claimed by a dispatcher.
	JournalStatusProcessing = "PROCESSING"
	// JournalStatusPublished identifies journal entries delivered to the broker.
	JournalStatusPublished = "PUBLISHED"
	// JournalStatusFailed identifies journal entries whose delivery failed and may retry.
	JournalStatusFailed = "FAILED"
	// JournalStatusInvalid identifies journal entries judged undeliverable.
	JournalStatusInvalid = "INVALID"
)
