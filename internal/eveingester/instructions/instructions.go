package instructions

import (
	"bytes"
	"encoding/json"
	"net"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/eveingester/internal/common/ingest/metrics"
	"github.com/G-Research/eveingester/internal/common/ingesterrors"
	"github.com/G-Research/eveingester/internal/eveingester/correlation"
	"github.com/G-Research/eveingester/internal/eveingester/model"
)

// TimestampLayout is the layout Suricata uses for every timestamp in an EVE record,
// e.g. 2024-01-02T03:04:05.123456+0000
const TimestampLayout = "2006-01-02T15:04:05.999999-0700"

const (
	eventTypeFlow     = "flow"
	eventTypeAlert    = "alert"
	eventTypeAnomaly  = "anomaly"
	eventTypeFileinfo = "fileinfo"
)

var jsonConfig = jsoniter.ConfigCompatibleWithStandardLibrary

// Values are kept as raw bytes so flow ids never go through a float64.
type record map[string]json.RawMessage

// Converter turns EVE JSON lines into instructions.  All converters sharing a cache see each other's
// pcap filenames.
type Converter struct {
	cache   *correlation.Cache
	metrics *metrics.Metrics
}

func NewConverter(cache *correlation.Cache, m *metrics.Metrics) *Converter {
	return &Converter{
		cache:   cache,
		metrics: m,
	}
}

// Convert decodes a single EVE JSON line.
// Lines that aren't events (not JSON, no event_type, no flow_id) are skipped: both the instruction and the error are nil.
// An event whose timestamp or required fields are missing or undecodable results in an *ingesterrors.ErrMalformedRecord.
func (c *Converter) Convert(line string) (model.Instruction, error) {
	var rec record
	if err := jsonConfig.UnmarshalFromString(line, &rec); err != nil || rec == nil {
		log.WithError(err).Warn("Could not parse record; skipping")
		c.metrics.RecordSkipped(metrics.SkipReasonUnparseable)
		return nil, nil
	}

	if _, ok := rec.get("event_type"); !ok {
		// e.g. stats records
		c.metrics.RecordSkipped(metrics.SkipReasonNoEventType)
		return nil, nil
	}
	eventType, err := rec.requiredString("", "event_type")
	if err != nil {
		return nil, err
	}

	timestamp, err := rec.requiredTimestamp(eventType, "timestamp")
	if err != nil {
		return nil, err
	}

	rawFlowId, ok := rec.get("flow_id")
	if !ok {
		c.metrics.RecordSkipped(metrics.SkipReasonNoFlowId)
		return nil, nil
	}
	flowId, err := strconv.ParseInt(string(rawFlowId), 10, 64)
	if err != nil {
		return nil, malformed(eventType, "flow_id", rawFlowId, "must be a 64 bit integer")
	}

	if eventType != eventTypeFlow {
		if filename, ok := rec.pcapFilename(flowId); ok {
			c.cache.Set(flowId, filename)
		}
	}

	switch eventType {
	case eventTypeFlow:
		return c.handleFlow(rec, flowId)
	case eventTypeAlert:
		return &model.CreateAlertInstruction{
			FlowId:    flowId,
			Timestamp: timestamp,
			ExtraData: rec.payload(eventTypeAlert),
		}, nil
	case eventTypeAnomaly:
		return &model.CreateAnomalyInstruction{
			FlowId:    flowId,
			Timestamp: timestamp,
			ExtraData: rec.payload(eventTypeAnomaly),
		}, nil
	case eventTypeFileinfo:
		return &model.CreateFileinfoInstruction{
			FlowId:    flowId,
			Timestamp: timestamp,
			ExtraData: rec.payload(eventTypeFileinfo),
		}, nil
	default:
		return &model.CreateAppEventInstruction{
			FlowId:    flowId,
			Timestamp: timestamp,
			AppProto:  eventType,
			ExtraData: rec.payload(eventType),
		}, nil
	}
}

func (c *Converter) handleFlow(rec record, flowId int64) (*model.CreateFlowInstruction, error) {
	srcIp, err := rec.requiredString(eventTypeFlow, "src_ip")
	if err != nil {
		return nil, err
	}
	destIp, err := rec.requiredString(eventTypeFlow, "dest_ip")
	if err != nil {
		return nil, err
	}
	proto, err := rec.requiredString(eventTypeFlow, "proto")
	if err != nil {
		return nil, err
	}
	srcPort, err := rec.optionalPort("src_port")
	if err != nil {
		return nil, err
	}
	destPort, err := rec.optionalPort("dest_port")
	if err != nil {
		return nil, err
	}
	appProto, err := rec.optionalString(eventTypeFlow, "app_proto")
	if err != nil {
		return nil, err
	}

	// A filename seen on one of the flow's other records wins over the flow's own
	filename, ok := c.cache.Get(flowId)
	if !ok {
		filename, _ = rec.pcapFilename(flowId)
	}

	instruction := &model.CreateFlowInstruction{
		FlowId:       flowId,
		SrcIp:        srcIp,
		SrcPort:      srcPort,
		SrcIpport:    ipport(srcIp, srcPort),
		DestIp:       destIp,
		DestPort:     destPort,
		DestIpport:   ipport(destIp, destPort),
		Proto:        proto,
		AppProto:     appProto,
		PcapFilename: filename,
		Metadata:     rec.payload("metadata"),
		ExtraData:    rec.payload(eventTypeFlow),
	}

	// flow.start and flow.end are only read if the flow object is there to read them from
	var flow record
	if instruction.ExtraData != nil && jsonConfig.Unmarshal(instruction.ExtraData, &flow) == nil {
		if instruction.TsStart, err = flow.optionalTimestamp(eventTypeFlow, "flow.start", "start"); err != nil {
			return nil, err
		}
		if instruction.TsEnd, err = flow.optionalTimestamp(eventTypeFlow, "flow.end", "end"); err != nil {
			return nil, err
		}
	}
	return instruction, nil
}

// get returns the raw value of key. Explicit nulls count as absent.
func (r record) get(key string) (json.RawMessage, bool) {
	raw := bytes.TrimSpace(r[key])
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false
	}
	return raw, true
}

// payload returns the value of key verbatim, or nil if there isn't one.
func (r record) payload(key string) json.RawMessage {
	raw, _ := r.get(key)
	return raw
}

func (r record) requiredString(eventType string, key string) (string, error) {
	s, err := r.optionalString(eventType, key)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", malformed(eventType, key, nil, "")
	}
	return *s, nil
}

func (r record) optionalString(eventType string, key string) (*string, error) {
	raw, ok := r.get(key)
	if !ok {
		return nil, nil
	}
	var s string
	if err := jsonConfig.Unmarshal(raw, &s); err != nil {
		return nil, malformed(eventType, key, raw, "must be a string")
	}
	return &s, nil
}

func (r record) optionalPort(key string) (*int32, error) {
	raw, ok := r.get(key)
	if !ok {
		return nil, nil
	}
	port, err := strconv.ParseInt(string(raw), 10, 32)
	if err != nil {
		return nil, malformed(eventTypeFlow, key, raw, "must be an integer")
	}
	p := int32(port)
	return &p, nil
}

func (r record) requiredTimestamp(eventType string, key string) (int64, error) {
	ts, err := r.optionalTimestamp(eventType, key, key)
	if err != nil {
		return 0, err
	}
	if ts == nil {
		return 0, malformed(eventType, key, nil, "")
	}
	return *ts, nil
}

// optionalTimestamp decodes the timestamp under key into microseconds since the epoch.
// name is what the field is called in error messages.
func (r record) optionalTimestamp(eventType string, name string, key string) (*int64, error) {
	raw, ok := r.get(key)
	if !ok {
		return nil, nil
	}
	var s string
	if err := jsonConfig.Unmarshal(raw, &s); err != nil {
		return nil, malformed(eventType, name, raw, "must be a string")
	}
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return nil, malformed(eventType, name, raw, err.Error())
	}
	micros := t.UnixMicro()
	return &micros, nil
}

// pcapFilename returns the record's pcap_filename.  A value that isn't a string is ignored.
func (r record) pcapFilename(flowId int64) (string, bool) {
	raw, ok := r.get("pcap_filename")
	if !ok {
		return "", false
	}
	var filename string
	if err := jsonConfig.Unmarshal(raw, &filename); err != nil {
		log.WithField("flowId", flowId).Warnf("Ignoring pcap_filename %s; not a string", raw)
		return "", false
	}
	return filename, true
}

func ipport(ip string, port *int32) *string {
	if port == nil {
		return nil
	}
	s := net.JoinHostPort(ip, strconv.Itoa(int(*port)))
	return &s
}

func malformed(eventType string, field string, raw json.RawMessage, message string) error {
	err := &ingesterrors.ErrMalformedRecord{
		EventType: eventType,
		Field:     field,
		Message:   message,
	}
	if raw != nil {
		err.Value = string(raw)
	}
	return errors.WithStack(err)
}
