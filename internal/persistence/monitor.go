package persistence

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Monitor record types.
const (
	MonitorQueues = "queues"
	MonitorTopics = "topics"
)

// CountType selects which counters a monitor update increments.
type CountType string

const (
	SendMessages      CountType = "send_messages"
	PublishMessages   CountType = "publish_messages"
	ConsumeMessages   CountType = "consume_messages"
	SubscribeMessages CountType = "subscribe_messages"
)

// queueCounters and topicCounters map the short persisted field names to the
// long-form names exposed on read.
var queueCounters = map[string]string{
	"mc":  "msg_counts",
	"mb":  "msg_bytes",
	"bmc": "bulk_msg_counts",
	"bmb": "bulk_msg_bytes",
	"cmc": "consume_msg_counts",
	"cmb": "consume_msg_bytes",
}

var topicCounters = map[string]string{
	"mc":   "msg_counts",
	"mb":   "msg_bytes",
	"bmc":  "bulk_msg_counts",
	"bmb":  "bulk_msg_bytes",
	"tsmc": "total_sub_msg_counts",
	"tsmb": "total_sub_msg_bytes",
	"smc":  "sub_msg_counts",
	"smb":  "sub_msg_bytes",
}

// CounterNames returns the short-to-long counter name table for a monitor type.
func CounterNames(mtype string) map[string]string {
	if mtype == MonitorTopics {
		return topicCounters
	}
	return queueCounters
}

// MonitorListOptions narrows and pages a monitor listing.
type MonitorListOptions struct {
	Type        string
	Project     string
	Marker      string
	Limit       int
	AllProjects bool
}

// MonitorStats is the external form of one monitor record: the record key
// mapping to long-form counters, counts as integers and bytes as kilobytes.
type MonitorStats struct {
	Key      string
	Counters map[string]interface{}
}

// MarshalJSON renders the record in its external {key: {counter: value}} shape.
func (s MonitorStats) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]map[string]interface{}{s.Key: s.Counters})
}

// CounterDeltas resolves an update into the target monitor type and the
// short-name increments to apply. n==1 batches of send/publish land on
// mc/mb, larger batches on bmc/bmb.
func CounterDeltas(countType CountType, success bool, n int64, bytes int64) (string, map[string]int64, error) {
	switch countType {
	case SendMessages, PublishMessages:
		mtype := MonitorQueues
		if countType == PublishMessages {
			mtype = MonitorTopics
		}
		if n == 1 {
			return mtype, map[string]int64{"mc": n, "mb": bytes}, nil
		}
		return mtype, map[string]int64{"bmc": n, "bmb": bytes}, nil
	case ConsumeMessages:
		return MonitorQueues, map[string]int64{"cmc": n, "cmb": bytes}, nil
	case SubscribeMessages:
		if success {
			return MonitorTopics, map[string]int64{"smc": n, "smb": bytes}, nil
		}
		return MonitorTopics, map[string]int64{"tsmc": n, "tsmb": bytes}, nil
	default:
		return "", nil, fmt.Errorf("unknown count type %q", countType)
	}
}

// NormalizeCounters converts raw short-name counters into the long-form
// read shape: *_counts as int64, *_bytes divided by 1024 as float64. Missing
// counters read as zero.
func NormalizeCounters(mtype string, raw map[string]int64) map[string]interface{} {
	names := CounterNames(mtype)
	out := make(map[string]interface{}, len(names))
	for short, long := range names {
		v := raw[short]
		if strings.HasSuffix(long, "_bytes") {
			out[long] = float64(v) / 1024.0
		} else {
			out[long] = v
		}
	}
	return out
}

// DerivedQueueCounts joins live queue counts into normalized queue counters.
// deleted = (bmc + mc) - (active + inactive + delayed); the result may be
// transiently negative under concurrent writers and is clamped by the
// presentation layer, not here.
func DerivedQueueCounts(counters map[string]interface{}, raw map[string]int64, active, claimed, delayed int64) {
	counters["active_msgs"] = active
	counters["inactive_msgs"] = claimed
	counters["delayed_msgs"] = delayed
	counters["deleted_msgs"] = raw["bmc"] + raw["mc"] - (active + claimed + delayed)
}
