// Package protocol defines the messages exchanged between agents and
// consumers, and the operational events fanned out by the server.
package protocol

// Discriminant values carried in the "type" field of every frame.
const (
	TypeMetrics  = "Metrics"
	TypeHostInfo = "HostInfo"

	TypeRequestHostInfo = "RequestHostInfo"
	TypeStartMonitoring = "StartMonitoring"
	TypeStopMonitoring  = "StopMonitoring"

	// TypeHeartbeat is shared by both directions.
	TypeHeartbeat = "Heartbeat"

	TypeInstallPackage  = "InstallPackage"
	TypeRemovePackage   = "RemovePackage"
	TypePackageUploaded = "PackageUploaded"
)

// MetricsSnapshot is a point-in-time measurement of a host. Percentages
// are in the range 0-100; network counters are bytes since the previous
// sample.
type MetricsSnapshot struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	DiskUsage   float64 `json:"disk_usage"`
	NetworkIn   uint64  `json:"network_in"`
	NetworkOut  uint64  `json:"network_out"`
	Timestamp   uint64  `json:"timestamp"`
}

// HostInfo describes a host. It is computed on demand.
type HostInfo struct {
	Hostname      string `json:"hostname"`
	OSName        string `json:"os_name"`
	OSVersion     string `json:"os_version"`
	KernelVersion string `json:"kernel_version"`
	TotalMemory   uint64 `json:"total_memory"`
	CPUCount      uint32 `json:"cpu_count"`
	Uptime        uint64 `json:"uptime"`
}

// AgentMessage is a frame sent from an agent to its consumers.
type AgentMessage interface {
	agentMessage()
	MessageType() string
}

// Metrics carries a sampled snapshot.
type Metrics struct {
	Snapshot MetricsSnapshot
}

// HostInfoMessage answers a RequestHostInfo command.
type HostInfoMessage struct {
	Info HostInfo
}

// Heartbeat is a content-free liveness frame.
type Heartbeat struct{}

func (Metrics) agentMessage()         {}
func (HostInfoMessage) agentMessage() {}
func (Heartbeat) agentMessage()       {}

func (Metrics) MessageType() string         { return TypeMetrics }
func (HostInfoMessage) MessageType() string { return TypeHostInfo }
func (Heartbeat) MessageType() string       { return TypeHeartbeat }

// ConsumerCommand is a frame sent from a consumer to an agent.
type ConsumerCommand interface {
	consumerCommand()
	CommandType() string
}

// RequestHostInfo asks the agent for a HostInfoMessage reply.
type RequestHostInfo struct{}

// StartMonitoring asks the agent to sample every IntervalSecs seconds.
type StartMonitoring struct {
	IntervalSecs uint64 `json:"interval_secs"`
}

// StopMonitoring asks the agent to pause sampling.
type StopMonitoring struct{}

// CommandHeartbeat is the consumer's liveness frame.
type CommandHeartbeat struct{}

func (RequestHostInfo) consumerCommand()  {}
func (StartMonitoring) consumerCommand()  {}
func (StopMonitoring) consumerCommand()   {}
func (CommandHeartbeat) consumerCommand() {}

func (RequestHostInfo) CommandType() string  { return TypeRequestHostInfo }
func (StartMonitoring) CommandType() string  { return TypeStartMonitoring }
func (StopMonitoring) CommandType() string   { return TypeStopMonitoring }
func (CommandHeartbeat) CommandType() string { return TypeHeartbeat }

// OperationalEvent is pushed to operator-facing consumers grouped by a
// client key.
type OperationalEvent interface {
	operationalEvent()
	EventType() string
	// EventName is the name used on the event stream.
	EventName() string
}

// InstallPackage announces that a package was installed.
type InstallPackage struct {
	Identifier string `json:"identifier"`
}

// RemovePackage announces that a package was removed.
type RemovePackage struct {
	Identifier string `json:"identifier"`
}

// PackageUploaded announces a new package file.
type PackageUploaded struct {
	Identifier string `json:"identifier"`
	Size       int64  `json:"size"`
}

func (InstallPackage) operationalEvent()  {}
func (RemovePackage) operationalEvent()   {}
func (PackageUploaded) operationalEvent() {}

func (InstallPackage) EventType() string  { return TypeInstallPackage }
func (RemovePackage) EventType() string   { return TypeRemovePackage }
func (PackageUploaded) EventType() string { return TypePackageUploaded }

func (InstallPackage) EventName() string  { return "install_package" }
func (RemovePackage) EventName() string   { return "remove_package" }
func (PackageUploaded) EventName() string { return "package_uploaded" }
