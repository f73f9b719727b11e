package types

import (
	"fmt"
	"strings"
	"time"
)

// Session represents an authenticated binding of a user to a secret token
type Session struct {
	SessionID    int64     `json:"session_id"`
	Secret       string    `json:"session_secret"`
	Created      time.Time `json:"created"`
	LastAccessed time.Time `json:"last_accessed"`
	IPAddress    string    `json:"ip_address"`
	User         string    `json:"user"`
}

// ResourceAvailability indicates whether a node accepts new allocations
type ResourceAvailability string

const (
	ResourceActive  ResourceAvailability = "active"
	ResourceDrained ResourceAvailability = "drained"
)

// ResourceState represents the liveness of a worker node
type ResourceState string

const (
	ResourceStateReady ResourceState = "ready"
	ResourceStateDown  ResourceState = "down"
)

// Resource represents a worker node in the compute pool
type Resource struct {
	NodeID          string               `json:"node_id" yaml:"node_id"`
	Hostname        string               `json:"hostname" yaml:"hostname"`
	Availability    ResourceAvailability `json:"availability" yaml:"availability"`
	State           ResourceState        `json:"state" yaml:"state"`
	TotalCPUs       int                  `json:"total_cpus" yaml:"total_cpus"`
	AvailableCPUs   int                  `json:"available_cpus" yaml:"available_cpus"`
	TotalMemory     int64                `json:"total_memory" yaml:"total_memory"`
	AvailableMemory int64                `json:"available_memory" yaml:"available_memory"`
}

// Allocation is a reservation of CPUs and memory on one worker node
type Allocation struct {
	NodeID         string `json:"node_id"`
	Hostname       string `json:"hostname"`
	CPUs           int    `json:"cpus_allocated"`
	Memory         int64  `json:"memory_allocated"`
	PartitionIndex int    `json:"partition_index"`
}

// AllocationPolicy selects how a job's CPU request is spread across nodes
type AllocationPolicy string

const (
	PolicySingleNode AllocationPolicy = "single_node"
	PolicyRoundRobin AllocationPolicy = "round_robin"
	PolicyFillNodes  AllocationPolicy = "fill_nodes"
)

// JobPhase is the coarse position of a job in its lifecycle
type JobPhase string

const (
	PhaseCreated            JobPhase = "CREATED"
	PhaseAwaitingAllocation JobPhase = "AWAITING_ALLOCATION"
	PhaseAwaitingScheduling JobPhase = "AWAITING_SCHEDULING"
	PhaseAwaitingData       JobPhase = "AWAITING_DATA"
	PhaseRunning            JobPhase = "RUNNING"
	PhaseCompleted          JobPhase = "COMPLETED"
	PhaseClosed             JobPhase = "CLOSED"
	PhaseFailed             JobPhase = "FAILED"
)

// phaseRank orders phases for active-set checks. Terminal phases rank
// above RUNNING.
var phaseRank = map[JobPhase]int{
	PhaseCreated:            0,
	PhaseAwaitingAllocation: 1,
	PhaseAwaitingScheduling: 2,
	PhaseAwaitingData:       3,
	PhaseRunning:            4,
	PhaseCompleted:          5,
	PhaseClosed:             6,
	PhaseFailed:             7,
}

// Active reports whether the phase is at or below RUNNING
func (p JobPhase) Active() bool {
	r, ok := phaseRank[p]
	return ok && r <= phaseRank[PhaseRunning]
}

// AtLeast reports whether the phase is ordered at or after other
func (p JobPhase) AtLeast(other JobPhase) bool {
	return phaseRank[p] >= phaseRank[other]
}

// JobStep is the fine-grained position within a phase
type JobStep string

const (
	StepDefault          JobStep = "DEFAULT"
	StepStopRequested    JobStep = "STOP_REQUESTED"
	StepStopped          JobStep = "STOPPED"
	StepRestartRequested JobStep = "RESTART_REQUESTED"
	StepFailed           JobStep = "FAILED"
)

// JobStatus combines phase and step, serialized as "PHASE_STEP"
type JobStatus struct {
	Phase JobPhase `json:"phase"`
	Step  JobStep  `json:"step"`
}

func (s JobStatus) String() string {
	return string(s.Phase) + "_" + string(s.Step)
}

// ParseJobStatus parses a "PHASE_STEP" string. The phase itself may
// contain underscores, so the split point is found against the known
// step suffixes.
func ParseJobStatus(v string) (JobStatus, error) {
	for _, step := range []JobStep{
		StepStopRequested, StepRestartRequested, StepStopped, StepDefault, StepFailed,
	} {
		suffix := "_" + string(step)
		if strings.HasSuffix(v, suffix) {
			phase := JobPhase(strings.TrimSuffix(v, suffix))
			if _, ok := phaseRank[phase]; ok {
				return JobStatus{Phase: phase, Step: step}, nil
			}
		}
	}
	return JobStatus{}, fmt.Errorf("unrecognized job status %q", v)
}

// Distribution describes a sampled model parameter
type Distribution struct {
	Min  int    `json:"min"`
	Max  int    `json:"max"`
	Type string `json:"type"`
}

// Parameter is either a fixed scalar or a distribution to draw from
type Parameter struct {
	Scalar       *float64      `json:"scalar,omitempty"`
	Distribution *Distribution `json:"distribution,omitempty"`
}

// SchedulerRequest is the originating request carried by a job
type SchedulerRequest struct {
	Model         string               `json:"model"`
	Version       float64              `json:"version"`
	Output        string               `json:"output"`
	Parameters    map[string]Parameter `json:"parameters"`
	Domain        string               `json:"domain,omitempty"`
	CPUs          int                  `json:"cpus"`
	Memory        int64                `json:"memory"`
	Policy        AllocationPolicy     `json:"allocation_policy,omitempty"`
	ConfigDataID  string               `json:"config_data_id,omitempty"`
	SessionSecret string               `json:"session-secret"`
	UserID        string               `json:"user_id,omitempty"`
}

// SchedulerResponse reports the outcome of a dispatch request
type SchedulerResponse struct {
	Success bool           `json:"success"`
	Reason  string         `json:"reason"`
	Message string         `json:"message,omitempty"`
	JobID   string         `json:"job_id"`
	Data    map[string]any `json:"data,omitempty"`
}

// Job is one end-to-end model execution request in flight
type Job struct {
	ID          string           `json:"job_id"`
	Request     SchedulerRequest `json:"originating_request"`
	Status      JobStatus        `json:"status"`
	Allocations []Allocation     `json:"allocations,omitempty"`
	KeyDir      string           `json:"rsa_key_dir,omitempty"`
	Created     time.Time        `json:"created"`
	LastUpdated time.Time        `json:"last_updated"`
}

// JobResult is the structured outcome of a job control verb
type JobResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// TaskState is the observed state of a container service task
type TaskState string

const (
	TaskStarting TaskState = "starting"
	TaskRunning  TaskState = "running"
	TaskComplete TaskState = "complete"
	TaskFailed   TaskState = "failed"
	TaskShutdown TaskState = "shutdown"
	TaskRejected TaskState = "rejected"
	TaskOrphaned TaskState = "orphaned"
	TaskRemove   TaskState = "remove"
)

// Failed reports whether the state requires the service to be recreated
func (s TaskState) Failed() bool {
	switch s {
	case TaskFailed, TaskShutdown, TaskRejected, TaskOrphaned, TaskRemove:
		return true
	}
	return false
}

// ServiceMount defines a bind mount for a container service
type ServiceMount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// HealthCheck defines container health checking
type HealthCheck struct {
	Command  []string      `json:"command"`
	Interval time.Duration `json:"interval"`
	Timeout  time.Duration `json:"timeout"`
	Retries  int           `json:"retries"`
}

// RestartCondition defines when a service task is restarted
type RestartCondition string

const (
	RestartNever     RestartCondition = "never"
	RestartOnFailure RestartCondition = "on-failure"
	RestartAlways    RestartCondition = "always"
)

// RestartPolicy defines container restart behavior
type RestartPolicy struct {
	Condition   RestartCondition `json:"condition"`
	MaxAttempts int              `json:"max_attempts"`
	Delay       time.Duration    `json:"delay"`
}

// ContainerService is the runtime artifact created for one allocation
type ContainerService struct {
	Name          string            `json:"name"`
	Image         string            `json:"image"`
	Command       []string          `json:"command,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Env           []string          `json:"env,omitempty"`
	Constraints   []string          `json:"constraints,omitempty"`
	Mounts        []ServiceMount    `json:"mounts,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	HealthCheck   *HealthCheck      `json:"health_check,omitempty"`
	RestartPolicy *RestartPolicy    `json:"restart_policy,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}
