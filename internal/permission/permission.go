// Package permission holds the fixed sensitive-permission table and the
// record and status types shared by the ledger, the manager, and the API.
package permission

import "sort"

// Status is the activity state of a permission use.
type Status int32

const (
	Inactive   Status = 0
	Foreground Status = 1
	Background Status = 2
)

func (s Status) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Foreground:
		return "foreground"
	case Background:
		return "background"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the three defined states.
func (s Status) Valid() bool {
	return s == Inactive || s == Foreground || s == Background
}

// Op codes for the sensitive permissions tracked by the ledger.
const (
	OpCamera               int32 = 0
	OpMicrophone           int32 = 1
	OpLocation             int32 = 2
	OpApproximateLocation  int32 = 3
	OpLocationInBackground int32 = 4
	OpMediaLocation        int32 = 5
	OpReadContacts         int32 = 6
	OpReadCalendar         int32 = 7
	OpActivityMotion       int32 = 8
	OpReadHealthData       int32 = 9
)

// Permission names.
const (
	Camera               = "CAMERA"
	Microphone           = "MICROPHONE"
	Location             = "LOCATION"
	ApproximateLocation  = "APPROXIMATELY_LOCATION"
	LocationInBackground = "LOCATION_IN_BACKGROUND"
	MediaLocation        = "MEDIA_LOCATION"
	ReadContacts         = "READ_CONTACTS"
	ReadCalendar         = "READ_CALENDAR"
	ActivityMotion       = "ACTIVITY_MOTION"
	ReadHealthData       = "READ_HEALTH_DATA"
)

var nameToOp = map[string]int32{
	Camera:               OpCamera,
	Microphone:           OpMicrophone,
	Location:             OpLocation,
	ApproximateLocation:  OpApproximateLocation,
	LocationInBackground: OpLocationInBackground,
	MediaLocation:        OpMediaLocation,
	ReadContacts:         OpReadContacts,
	ReadCalendar:         OpReadCalendar,
	ActivityMotion:       OpActivityMotion,
	ReadHealthData:       OpReadHealthData,
}

var opToName = func() map[int32]string {
	m := make(map[int32]string, len(nameToOp))
	for name, op := range nameToOp {
		m[op] = name
	}
	return m
}()

// OpCode resolves a permission name to its op code.
func OpCode(name string) (int32, bool) {
	op, ok := nameToOp[name]
	return op, ok
}

// Name resolves an op code back to its permission name.
func Name(op int32) (string, bool) {
	name, ok := opToName[op]
	return name, ok
}

// AllOpCodes returns every known op code in ascending order.
func AllOpCodes() []int32 {
	ops := make([]int32, 0, len(opToName))
	for op := range opToName {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// Resource identifies a hardware resource guarded by a global mute switch.
type Resource string

const (
	ResourceNone       Resource = ""
	ResourceCamera     Resource = "camera"
	ResourceMicrophone Resource = "microphone"
)

// ResourceFor returns the global-switch resource guarding op, or ResourceNone.
func ResourceFor(op int32) Resource {
	switch op {
	case OpCamera:
		return ResourceCamera
	case OpMicrophone:
		return ResourceMicrophone
	default:
		return ResourceNone
	}
}

// Record is one usage observation. Timestamp and AccessDuration are in
// milliseconds.
type Record struct {
	AppID          uint32
	OpCode         int32
	Status         Status
	Timestamp      int64
	AccessDuration int64
	AccessCount    int32
	RejectCount    int32
}

// SameKey reports whether r and o describe the same (app, op, status) triple.
func (r Record) SameKey(o Record) bool {
	return r.AppID == o.AppID && r.OpCode == o.OpCode && r.Status == o.Status
}

// Empty reports whether the record carries no access or reject count.
func (r Record) Empty() bool {
	return r.AccessCount == 0 && r.RejectCount == 0
}

// ActiveChange describes one active-status transition of an app's
// permission use.
type ActiveChange struct {
	AppID          uint32 `json:"appId"`
	PermissionName string `json:"permissionName"`
	DeviceID       string `json:"deviceId"`
	Status         Status `json:"status"`
}
