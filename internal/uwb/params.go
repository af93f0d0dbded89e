package uwb

import "time"

// Protocol identifies which ranging protocol family a set of Params
// belongs to.
type Protocol uint8

const (
	ProtocolFira Protocol = iota
	ProtocolCcc
	ProtocolAliro
)

func (p Protocol) String() string {
	switch p {
	case ProtocolFira:
		return "fira"
	case ProtocolCcc:
		return "ccc"
	case ProtocolAliro:
		return "aliro"
	default:
		return "unknown"
	}
}

// DeviceRole is the FiRa/CCC/ALIRO device role: controller or controlee.
type DeviceRole uint8

const (
	RoleController DeviceRole = iota
	RoleControlee
)

// DeviceType distinguishes the ranging device type (initiator vs
// responder) independent of controller/controlee role.
type DeviceType uint8

const (
	DeviceInitiator DeviceType = iota
	DeviceResponder
)

// MeasurementType distinguishes the ranging technique a session uses.
// OwR-AoA sessions get special treatment in the Advertise Target Store
// (C3) and in the error-streak policy (C7).
type MeasurementType uint8

const (
	MeasurementTwoWay MeasurementType = iota
	MeasurementOwrAoa
	MeasurementDlTdoa
	MeasurementOwrAoaAdvertiser
)

// StsConfig carries Scrambled Timestamp Sequence credential material.
// SessionKey and SubSessionKeys are both set or both empty for provisioned
// 16/32-byte STS (spec §4.6 precondition).
type StsConfig struct {
	SessionKey     []byte
	SubSessionKeys [][]byte
}

// HybridSessionRefs holds cross-references used by hybrid (HUS) sessions:
// the SessionToken of the time-base session this one is phased against.
type HybridSessionRefs struct {
	TimeBaseToken uint32
	MessageControl uint8
	PhaseListBytes []byte
}

// NotificationGating controls whether and how range-data notifications are
// delivered while a session is in the foreground vs background.
type NotificationGating struct {
	Enabled         bool
	ProximityNearCm uint32
	ProximityFarCm  uint32
	AoaGateDegrees  uint32
}

// Params is a sum type over the three supported protocol families. Exactly
// one of the Fira/Ccc/Aliro fields is populated, selected by Protocol. Once
// committed to a Session, a Params value is treated as immutable: callers
// obtain a modified copy via With* methods rather than mutating in place.
type Params struct {
	Protocol Protocol

	// Common fields, present regardless of protocol.
	RangingInterval      time.Duration
	BlockStrideLength    uint8
	Role                 DeviceRole
	DeviceType           DeviceType
	ScheduledMode        uint8
	RangingRoundUsage    uint8
	Measurement          MeasurementType
	Gating               NotificationGating
	Sts                  StsConfig
	SessionPriority      uint8
	DataRepetitionCount  uint8
	Hybrid               *HybridSessionRefs
	InitiationRelativeMs uint32
	InitiationAbsoluteUs uint64

	// fira holds FiRa-specific fields that have no CCC/ALIRO analog.
	fira *FiraParams
	// ccc holds CCC-specific fields.
	ccc *CccParams
	// aliro holds ALIRO-specific fields.
	aliro *AliroParams
}

// FiraParams holds fields specific to the FiRa protocol variant.
type FiraParams struct {
	ProtocolVersionMajor uint8
	ProtocolVersionMinor uint8
	MultiNodeMode        uint8
}

// CccParams holds fields specific to the CCC protocol variant.
type CccParams struct {
	UwbConfigID uint8
	PulseShapeCombo uint8
}

// AliroParams holds fields specific to the ALIRO protocol variant.
type AliroParams struct {
	UwbConfigID uint8
}

// NewFiraParams constructs a Params value tagged as FiRa.
func NewFiraParams(fira FiraParams) Params {
	return Params{Protocol: ProtocolFira, fira: &fira}
}

// NewCccParams constructs a Params value tagged as CCC.
func NewCccParams(ccc CccParams) Params {
	return Params{Protocol: ProtocolCcc, ccc: &ccc}
}

// NewAliroParams constructs a Params value tagged as ALIRO.
func NewAliroParams(aliro AliroParams) Params {
	return Params{Protocol: ProtocolAliro, aliro: &aliro}
}

// Fira returns the FiRa-specific fields and true if Protocol is Fira.
func (p Params) Fira() (FiraParams, bool) {
	if p.fira == nil {
		return FiraParams{}, false
	}
	return *p.fira, true
}

// Ccc returns the CCC-specific fields and true if Protocol is Ccc.
func (p Params) Ccc() (CccParams, bool) {
	if p.ccc == nil {
		return CccParams{}, false
	}
	return *p.ccc, true
}

// Aliro returns the ALIRO-specific fields and true if Protocol is Aliro.
func (p Params) Aliro() (AliroParams, bool) {
	if p.aliro == nil {
		return AliroParams{}, false
	}
	return *p.aliro, true
}

// WithGating returns a copy of p with Gating replaced. Params are immutable
// once committed to a Session; this builder-derived-copy pattern is the
// only way reconfiguration handlers produce a new value (spec §9,
// "polymorphism across protocols").
func (p Params) WithGating(g NotificationGating) Params {
	cp := p
	cp.Gating = g
	return cp
}

// WithStackPriority returns a copy of p with SessionPriority replaced.
func (p Params) WithStackPriority(priority uint8) Params {
	cp := p
	cp.SessionPriority = priority
	return cp
}

// WithAbsoluteInitiation returns a copy of p with InitiationAbsoluteUs set
// and InitiationRelativeMs left as originally supplied by the client. Used
// by the Serializer's absolute-initiation-time handling (spec §4.6).
func (p Params) WithAbsoluteInitiation(absoluteUs uint64) Params {
	cp := p
	cp.InitiationAbsoluteUs = absoluteUs
	return cp
}

// ResetAbsoluteInitiation returns a copy of p with InitiationAbsoluteUs
// cleared, so a subsequent start re-queries the current UWBS timestamp
// (spec §4.6).
func (p Params) ResetAbsoluteInitiation() Params {
	cp := p
	cp.InitiationAbsoluteUs = 0
	return cp
}

// KVBag is the opaque key-value bag representation Params are converted to
// for transport to the native layer. Keys are UCI TLV tag names; values are
// left untyped here since the wire encoding itself is out of scope.
type KVBag map[string]any

// ToKVBag converts p to the opaque bag the native.Driver command surface
// expects (spec §4.1 "convert to an opaque key-value bag for transport").
func (p Params) ToKVBag() KVBag {
	bag := KVBag{
		"protocol":              p.Protocol.String(),
		"ranging_interval_ms":   p.RangingInterval.Milliseconds(),
		"block_stride_length":   p.BlockStrideLength,
		"device_role":           p.Role,
		"device_type":           p.DeviceType,
		"scheduled_mode":        p.ScheduledMode,
		"ranging_round_usage":   p.RangingRoundUsage,
		"measurement_type":      p.Measurement,
		"gating_enabled":        p.Gating.Enabled,
		"session_priority":      p.SessionPriority,
		"data_repetition_count": p.DataRepetitionCount,
	}
	if p.InitiationAbsoluteUs != 0 {
		bag["initiation_absolute_us"] = p.InitiationAbsoluteUs
	} else if p.InitiationRelativeMs != 0 {
		bag["initiation_relative_ms"] = p.InitiationRelativeMs
	}
	switch p.Protocol {
	case ProtocolFira:
		if f, ok := p.Fira(); ok {
			bag["fira_version_major"] = f.ProtocolVersionMajor
			bag["fira_version_minor"] = f.ProtocolVersionMinor
			bag["fira_multi_node_mode"] = f.MultiNodeMode
		}
	case ProtocolCcc:
		if c, ok := p.Ccc(); ok {
			bag["ccc_uwb_config_id"] = c.UwbConfigID
		}
	case ProtocolAliro:
		if al, ok := p.Aliro(); ok {
			bag["aliro_uwb_config_id"] = al.UwbConfigID
		}
	}
	return bag
}
