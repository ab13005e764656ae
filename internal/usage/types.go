package usage

import "github.com/developingchet/privacy-record/internal/permission"

// Flag selects how much detail a query returns.
type Flag int32

const (
	FlagSummary Flag = 0
	FlagDetail  Flag = 1
)

// Request selects records for GetPermissionUsedRecords. AppID wins over
// BundleName; with neither set every known app is queried. A zero
// BeginMillis leaves the window open below. EndMillis may be zero only
// together with BeginMillis, which leaves the window fully open.
type Request struct {
	AppID       uint32   `json:"appId"`
	DeviceID    string   `json:"deviceId"`
	BundleName  string   `json:"bundleName"`
	Permissions []string `json:"permissionList"`
	BeginMillis int64    `json:"beginTimeMillis"`
	EndMillis   int64    `json:"endTimeMillis"`
	Flag        Flag     `json:"flag"`
}

// UsedRecordDetail is one access or reject episode.
type UsedRecordDetail struct {
	Status         permission.Status `json:"status"`
	Timestamp      int64             `json:"timestamp"`
	AccessDuration int64             `json:"accessDuration"`
	Count          int32             `json:"count"`
}

// PermissionUsedRecord aggregates one permission of one app.
type PermissionUsedRecord struct {
	PermissionName     string             `json:"permissionName"`
	AccessCount        int32              `json:"accessCount"`
	RejectCount        int32              `json:"rejectCount"`
	LastAccessTime     int64              `json:"lastAccessTime"`
	LastRejectTime     int64              `json:"lastRejectTime"`
	LastAccessDuration int64              `json:"lastAccessDuration"`
	AccessRecords      []UsedRecordDetail `json:"accessRecords,omitempty"`
	RejectRecords      []UsedRecordDetail `json:"rejectRecords,omitempty"`
}

// BundleUsedRecord groups the permission aggregates of one app.
type BundleUsedRecord struct {
	AppID             uint32                 `json:"appId"`
	DeviceID          string                 `json:"deviceId"`
	BundleName        string                 `json:"bundleName"`
	PermissionRecords []PermissionUsedRecord `json:"permissionRecords"`
}

// Result is the answer to a Request. BeginTimeMillis and EndTimeMillis
// are the earliest and latest timestamps observed.
type Result struct {
	BeginTimeMillis int64              `json:"beginTimeMillis"`
	EndTimeMillis   int64              `json:"endTimeMillis"`
	BundleRecords   []BundleUsedRecord `json:"bundleRecords"`
}

// ReleaseFunc is invoked when the camera indicator should close.
type ReleaseFunc func()
