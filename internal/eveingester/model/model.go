package model

import "encoding/json"

// Tables written by the ingester
const (
	FlowTable     = "flow"
	AlertTable    = "alert"
	AnomalyTable  = "anomaly"
	FileinfoTable = "fileinfo"
	AppEventTable = "app_event"
)

// Instruction is a single row to insert.  Payload fields typed json.RawMessage are opaque to the ingester and are
// stored exactly as they appeared in the record; a nil payload is stored as NULL.
type Instruction interface {
	// Table is the name of the table the row belongs in
	Table() string
	// GetFlowId is the flow the row belongs to
	GetFlowId() int64
}

// CreateFlowInstruction is an instruction to insert a new row into the flow table.  The flow id is the primary key,
// so a flow that is already stored is left untouched.
type CreateFlowInstruction struct {
	FlowId   int64
	SrcIp    string
	SrcPort  *int32
	DestIp   string
	DestPort *int32
	// ip:port, only set when the port is known
	SrcIpport    *string
	DestIpport   *string
	Proto        string
	AppProto     *string
	PcapFilename string
	// Start and end of the flow in microseconds since the epoch, when the record carries them
	TsStart   *int64
	TsEnd     *int64
	Metadata  json.RawMessage
	ExtraData json.RawMessage
}

// CreateAlertInstruction is an instruction to insert a new row into the alert table
type CreateAlertInstruction struct {
	FlowId int64
	// Microseconds since the epoch
	Timestamp int64
	ExtraData json.RawMessage
}

// CreateAnomalyInstruction is an instruction to insert a new row into the anomaly table
type CreateAnomalyInstruction struct {
	FlowId    int64
	Timestamp int64
	ExtraData json.RawMessage
}

// CreateFileinfoInstruction is an instruction to insert a new row into the fileinfo table
type CreateFileinfoInstruction struct {
	FlowId    int64
	Timestamp int64
	ExtraData json.RawMessage
}

// CreateAppEventInstruction is an instruction to insert a new row into the app_event table.  It is used for every
// event type without a table of its own, AppProto being the event type, e.g. "dns" or "http".
type CreateAppEventInstruction struct {
	FlowId    int64
	Timestamp int64
	AppProto  string
	ExtraData json.RawMessage
}

func (i *CreateFlowInstruction) Table() string     { return FlowTable }
func (i *CreateAlertInstruction) Table() string    { return AlertTable }
func (i *CreateAnomalyInstruction) Table() string  { return AnomalyTable }
func (i *CreateFileinfoInstruction) Table() string { return FileinfoTable }
func (i *CreateAppEventInstruction) Table() string { return AppEventTable }

func (i *CreateFlowInstruction) GetFlowId() int64     { return i.FlowId }
func (i *CreateAlertInstruction) GetFlowId() int64    { return i.FlowId }
func (i *CreateAnomalyInstruction) GetFlowId() int64  { return i.FlowId }
func (i *CreateFileinfoInstruction) GetFlowId() int64 { return i.FlowId }
func (i *CreateAppEventInstruction) GetFlowId() int64 { return i.FlowId }
