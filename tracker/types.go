// Package tracker implements the ResourceTracker contract: workers send a
// heartbeat per interval, the tracker assigns them IDs, keeps their last
// reported resources and answers with a summary of the cluster.
package tracker

// ServiceName is the contract name workers discover and call.
const ServiceName = "ResourceTracker"

// UnallocatedWorkerID is the ID a worker reports until the tracker has
// assigned one.
const UnallocatedWorkerID int32 = -1

// ConnectionInfo identifies a worker and the ports it serves on.
type ConnectionInfo struct {
	ID              int32  `json:"id"`
	Host            string `json:"host"`
	PeerRPCPort     int    `json:"peer_rpc_port,omitempty"`
	QueryMasterPort int    `json:"query_master_port,omitempty"`
	ClientPort      int    `json:"client_port,omitempty"`
	HTTPPort        int    `json:"http_port,omitempty"`
}

type HeapStatus struct {
	Max   int64 `json:"max"`
	Free  int64 `json:"free"`
	Total int64 `json:"total"`
}

// ServerStatus is the resource report of one worker.
type ServerStatus struct {
	MemoryMB     int        `json:"memory_mb"`
	CPUCores     int        `json:"cpu_cores"`
	DiskSlots    int        `json:"disk_slots"`
	RunningTasks int        `json:"running_tasks"`
	Heap         HeapStatus `json:"heap"`
}

// NodeHeartbeat is sent by a worker once per heartbeat interval. Status
// may be omitted; the worker is then assumed to have DefaultResources.
type NodeHeartbeat struct {
	Conn   ConnectionInfo `json:"conn"`
	Status *ServerStatus  `json:"status,omitempty"`
}

// ClusterSummary totals the resources of all active workers.
type ClusterSummary struct {
	NumWorkers     int `json:"num_workers"`
	TotalMemoryMB  int `json:"total_memory_mb"`
	TotalCPUCores  int `json:"total_cpu_cores"`
	TotalDiskSlots int `json:"total_disk_slots"`
	RunningTasks   int `json:"running_tasks"`
}

// HeartbeatResponse answers one heartbeat. GeneratedWorkerID is set only
// for a worker that reported UnallocatedWorkerID and must adopt it.
type HeartbeatResponse struct {
	Result            bool           `json:"result"`
	GeneratedWorkerID int32          `json:"generated_worker_id,omitempty"`
	Cluster           ClusterSummary `json:"cluster"`
}

// DefaultResources is assumed for workers that report no status.
var DefaultResources = ServerStatus{MemoryMB: 4096, CPUCores: 4, DiskSlots: 4}
