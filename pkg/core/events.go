package core

import "time"

// Event is the interface for all tracker events.
type Event interface {
	eventMarker()
}

// UploadStarted is emitted when an upload begins tracking.
type UploadStarted struct {
	Upload    *Upload
	Timestamp time.Time
}

func (*UploadStarted) eventMarker() {}

// UploadCompleted is emitted when an upload reaches the success state
// and its history record has been durably written.
type UploadCompleted struct {
	Upload    *Upload
	Timestamp time.Time
}

func (*UploadCompleted) eventMarker() {}

// UploadFailed is emitted when an upload reaches the failed state
// and its history record has been durably written.
type UploadFailed struct {
	Upload    *Upload
	Timestamp time.Time
}

func (*UploadFailed) eventMarker() {}

// UploadEvicted is emitted when a terminal upload is removed from the
// registry after its eviction delay.
type UploadEvicted struct {
	UploadID  string
	Timestamp time.Time
}

func (*UploadEvicted) eventMarker() {}

// TrackerPurged is emitted after all job state has been cleared,
// either by an explicit logout or by session expiry.
type TrackerPurged struct {
	Reason    string
	Timestamp time.Time
}

func (*TrackerPurged) eventMarker() {}
