package vmmanager

import "time"

// Resources is the per-task hypervisor sizing, carried from store.Config.
type Resources struct {
	VCPUCount   int
	MemoryMB    int
	StorageGB   int
}

// CreateParams is everything Create needs beyond the allocator-owned
// resources: the boot-time material baked into the kernel cmdline.
//
// ContextID and VMID are optional pre-reservations obtained via Reserve: the
// HTTP front calls Reserve synchronously to transition pending->starting
// with real ids before handing the rest of the boot pipeline to a
// background goroutine that calls Create with those same ids, so Create
// never allocates a second, orphaned context id for the same task.
type CreateParams struct {
	TaskID       string
	Resources    Resources
	SSHPublicKey string
	ContextID    int
	VMID         string
}

// Handle is the in-memory record of one live hypervisor process and the
// host-side files/devices it owns, kept only for the VM's lifetime.
type Handle struct {
	TaskID         string
	VMID           string
	PID            int
	ContextID      int
	IPAddress      string
	Gateway        string
	TapDevice      string
	ControlSocket  string
	VsockPath      string
	VolumePath     string
	RootfsPath     string
	LogPath        string
	PidPath        string
	TapRecordPath  string
	CreatedAt      time.Time
}

// ProgressFunc reports a boot-pipeline stage as Create proceeds; the VM
// Manager never holds Hub semantics itself, it only calls this callback.
type ProgressFunc func(stage, message string)

const (
	StageCreatingVM         = "creating_vm"
	StageWaitingForSocket   = "waiting_for_socket"
	StageConfiguringVM      = "configuring_vm"
	StageBootingVM          = "booting_vm"
	StageConnectingAgent    = "connecting_agent"
	StageInitializingClaude = "initializing_claude"
	StageReady              = "ready"
)

var stageMessages = map[string]string{
	StageCreatingVM:         "Starting VM...",
	StageWaitingForSocket:   "Starting VM...",
	StageConfiguringVM:      "Configuring VM...",
	StageBootingVM:          "Booting...",
	StageConnectingAgent:    "Connecting...",
	StageInitializingClaude: "Initializing Claude...",
	StageReady:              "Ready",
}

// StageMessage returns the human-readable text accompanying a boot stage,
// reused from models.rs::BootStage::message in the original implementation.
func StageMessage(stage string) string {
	return stageMessages[stage]
}
