// Package ratelimit implements the per-(method, plugin id) token bucket
// limiter described in spec §4.4. Bucket state is updated atomically so
// concurrent callers observe a linearizable sequence of consume attempts.
//
// Grounded on the teacher's internal/advanced-rate-limiting (Lua-script
// token bucket over Redis), generalized from tenant scopes to
// (method, plugin) scopes and given a static per-method policy table
// instead of tenant configuration.
package ratelimit

import "time"

// Policy is the static (rate, burst) pair for one broker method. A method
// with PerPlugin==false shares a single bucket across all callers (e.g. a
// global submitLog cap); PerPlugin==true keys the bucket by (method,
// pluginID).
type Policy struct {
	RatePerSecond float64
	Burst         int64
	PerPlugin     bool

	// SoftCapPerMinute, when > 0, is a second independent bucket enforced
	// alongside the per-second policy (open question in spec §9: both
	// apply independently — we enforce the per-second bucket and the
	// per-minute bucket as two separate Consume calls against distinct
	// keys, and the call only succeeds if both allow it).
	SoftCapPerMinute int64
}

// policies is the static table referenced by §4.4. Method names match the
// IPC/broker surface in §6/§4.5.
var policies = map[string]Policy{
	"enablePlugin":  {RatePerSecond: 2, Burst: 3, PerPlugin: true, SoftCapPerMinute: 20},
	"disablePlugin": {RatePerSecond: 2, Burst: 3, PerPlugin: true, SoftCapPerMinute: 20},
	"ping":          {RatePerSecond: 60, Burst: 100, PerPlugin: true},

	"fs.createFile":  {RatePerSecond: 10, Burst: 20, PerPlugin: true},
	"fs.openFile":    {RatePerSecond: 20, Burst: 40, PerPlugin: true},
	"fs.deleteFile":  {RatePerSecond: 10, Burst: 20, PerPlugin: true},
	"fs.fileExists":  {RatePerSecond: 30, Burst: 60, PerPlugin: true},
	"fs.listFiles":   {RatePerSecond: 10, Burst: 20, PerPlugin: true},
	"fs.getFileSize": {RatePerSecond: 30, Burst: 60, PerPlugin: true},
	"fs.writeFile":   {RatePerSecond: 10, Burst: 20, PerPlugin: true},

	"hw.httpGet":                   {RatePerSecond: 5, Burst: 10, PerPlugin: true},
	"hw.httpPost":                  {RatePerSecond: 5, Burst: 10, PerPlugin: true},
	"hw.openSocket":                {RatePerSecond: 2, Burst: 4, PerPlugin: true},
	"hw.captureImage":              {RatePerSecond: 1, Burst: 2, PerPlugin: true},
	"hw.getPairedBluetoothDevices": {RatePerSecond: 5, Burst: 10, PerPlugin: true},
	"hw.printDocument":             {RatePerSecond: 1, Burst: 3, PerPlugin: true},

	"msg.sendMessage":     {RatePerSecond: 20, Burst: 40, PerPlugin: true},
	"msg.receiveMessages": {RatePerSecond: 20, Burst: 40, PerPlugin: true},
	"msg.sendResponse":    {RatePerSecond: 20, Burst: 40, PerPlugin: true},

	"log.submitLog": {RatePerSecond: 50, Burst: 150, PerPlugin: false},
}

// PolicyFor returns the policy for method, falling back to a conservative
// default for methods not in the static table.
func PolicyFor(method string) Policy {
	if p, ok := policies[method]; ok {
		return p
	}
	return Policy{RatePerSecond: 5, Burst: 10, PerPlugin: true}
}

// RefillInterval is not read by either store: no background sweep runs, and
// in-process buckets are dropped only when Limiter.GC is called.
// InactivityGC is the idle age GC uses and the TTL of Redis bucket keys.
const (
	RefillInterval = 100 * time.Millisecond
	InactivityGC   = 10 * time.Minute
)
