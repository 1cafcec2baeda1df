// Package types defines the core data structures shared across miel:
// service configuration, container handles, sessions, and artifacts.
// These types are the domain model every other package operates on.
package types

import (
	"fmt"
	"net"
	"time"
)

// ServiceConfig describes one advertised honeypot service. It is immutable
// after load: the Controller diffs ServiceConfig sets on SIGHUP rather than
// mutating a loaded config in place.
type ServiceConfig struct {
	Name              string
	Port              int
	Transport         Transport
	ContainerTemplate string // on-disk image root for this service
	Capture           CaptureConfig
	Session           SessionLimits
	PoolTarget        int
	Filters           []FilterRule

	// Bridge is the host bridge interface this service's containers peer
	// their veth to, isolating one service's container L2 domain from
	// another's (spec §4.1 step 3). Empty means the pool derives a
	// per-service default from Name.
	Bridge string
}

// Key returns the (port, transport) uniqueness key for a ServiceConfig.
func (s ServiceConfig) Key() string {
	return fmt.Sprintf("%d/%s", s.Port, s.Transport)
}

// Transport is the listen transport for a ServiceConfig.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
)

// CaptureConfig selects which capture surfaces are recorded for a service.
type CaptureConfig struct {
	PTY      bool // allocate a PTY capture surface (interactive protocols, e.g. SSH)
	PCAP     bool // emit an optional pcap alongside the framed transcript
	Metadata bool // always effectively true; kept explicit for config fidelity
}

// SessionLimits bounds the lifetime and size of any Session running this
// service.
type SessionLimits struct {
	IdleTimeout time.Duration
	HardTimeout time.Duration
	MaxBytes    int64
}

// FilterRule is one entry in a service's IP/port/protocol admission filter,
// evaluated first-match in declaration order.
type FilterRule struct {
	Action Action
	CIDR   string // empty CIDR matches all remotes
}

// Action is the outcome of a matched FilterRule.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// ContainerState is the lifecycle state of a ContainerHandle.
type ContainerState string

const (
	ContainerSpawning  ContainerState = "spawning"
	ContainerReady     ContainerState = "ready"
	ContainerAttached  ContainerState = "attached"
	ContainerDraining  ContainerState = "draining"
	ContainerDestroyed ContainerState = "destroyed"
)

// ContainerHandle is a value-type reference to one nspawn machine instance.
// It carries no back-pointer to the Pool; a Session releases it by passing
// the handle value to Pool.Release (see pkg/pool), a direct method call
// with no channel involved, which keeps Session and Pool from holding
// cyclic references to one another.
type ContainerHandle struct {
	MachineID      string // opaque nspawn machine name, e.g. "miel-fake-ssh-a1b2c3"
	Template       string
	InternalIP     net.IP
	AttachEndpoint string // host:port reachable via the isolated bridge veth
	State          ContainerState
	Service        string
	CreatedAt      time.Time
}

// SessionState is the Session lifecycle state machine's current state.
type SessionState string

const (
	SessionNew                SessionState = "new"
	SessionAcquiringContainer SessionState = "acquiring_container"
	SessionAttached           SessionState = "attached"
	SessionDraining           SessionState = "draining"
	SessionEnded              SessionState = "ended"
)

// EndCause records why a Session ended.
type EndCause string

const (
	EndCausePeerClose       EndCause = "peer_close"
	EndCauseIdleTimeout     EndCause = "idle_timeout"
	EndCauseHardTimeout     EndCause = "hard_timeout"
	EndCauseSizeCap         EndCause = "size_cap"
	EndCauseContainerFault  EndCause = "container_fault"
	EndCauseLocalShutdown   EndCause = "local_shutdown"
	EndCauseRecordOverflow  EndCause = "record_overflow"
	EndCauseAdmissionDenied EndCause = "admission_dropped"
)

// SessionMeta is the metadata captured for every Session, independent of
// whether a transcript exists (e.g. container_fault sessions still record
// this much).
type SessionMeta struct {
	SessionID   string // ULID, lexically sortable by creation time
	RemoteIP    net.IP
	RemotePort  int
	LocalPort   int
	Service     string
	StartedAt   time.Time
	EndedAt     time.Time
	BytesIn     int64
	BytesOut    int64
	EndCause    EndCause
	MachineID   string
	Template    string
	ContainerOK bool
}

// Direction tags which side of a Session a captured chunk travelled.
type Direction uint8

const (
	DirectionIn  Direction = iota // attacker -> container
	DirectionOut                 // container -> attacker
)

func (d Direction) String() string {
	if d == DirectionIn {
		return "in"
	}
	return "out"
}

// Chunk is one timestamped, direction-tagged slice of bytes observed by the
// byte pump. Chunks are immutable once constructed.
type Chunk struct {
	TimestampNS int64
	Direction   Direction
	Data        []byte
}

// Artifact is the sealed, append-only record of one Session: metadata plus
// the framed transcript (encoded by pkg/recorder's codec; see its Encode/
// Decode) and, optionally, a pcap blob. It is written-once; Recorder owns
// it until Storage accepts it. Storage treats Transcript and PCAP as
// opaque bytes so it never needs to import pkg/recorder.
type Artifact struct {
	Meta       SessionMeta
	Transcript []byte
	PCAP       []byte // nil unless ServiceConfig.Capture.PCAP was set
	SealedAt   time.Time
}

// GlobalConfig holds process-wide settings loaded from the [global] TOML
// table (see pkg/config).
type GlobalConfig struct {
	BindAddress        string
	LogLevel           string
	LogDir             string
	MaxSessions        int
	WarmDeadline       time.Duration
	AcquireDeadline    time.Duration
	DrainDeadline      time.Duration
	RecordBackpressure time.Duration
	DrainGrace         time.Duration
}

// ProbeSnapshot is the Pool health probe interface (§4.1) made concrete: a
// point-in-time view of one service's pool occupancy, exposed to `miel
// status` and to the Prometheus metrics registry.
type ProbeSnapshot struct {
	Service     string
	Ready       int
	Spawning    int
	Destroying  int
	Target      int
	CircuitOpen bool
	LastError   string
}
