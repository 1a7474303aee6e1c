package vmmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lia-systems/vm-api/internal/config"
	"github.com/lia-systems/vm-api/internal/metrics"
)

var _ Manager = (*FirecrackerManager)(nil)

// FirecrackerManager is the VM Manager: it owns the hypervisor process
// lifecycle for each task, from allocation through boot, pause/resume, and
// termination.
type FirecrackerManager struct {
	cfg    config.HypervisorConfig
	net    config.NetworkConfig
	vmCfg  config.VMConfig
	alloc  *allocator
	logger *slog.Logger

	mu      sync.Mutex           // guards taskLocks
	taskLocks map[string]*sync.Mutex

	handlesMu sync.RWMutex
	handles   map[string]*Handle
}

func NewFirecrackerManager(hv config.HypervisorConfig, net config.NetworkConfig, vmCfg config.VMConfig, logger *slog.Logger) *FirecrackerManager {
	ipBase := ipBaseFromBridge(net.BridgeIP)
	return &FirecrackerManager{
		cfg:       hv,
		net:       net,
		vmCfg:     vmCfg,
		alloc:     newAllocator(vmCfg.VsockCIDStart, ipBase, 100, 254),
		logger:    logger.With("component", "vmmanager"),
		taskLocks: make(map[string]*sync.Mutex),
		handles:   make(map[string]*Handle),
	}
}

func ipBaseFromBridge(bridgeIP string) string {
	idx := strings.LastIndex(bridgeIP, ".")
	if idx < 0 {
		return "172.16.0."
	}
	return bridgeIP[:idx+1]
}

// lockFor returns the per-task mutex used to serialize create/pause/resume/
// terminate for one task, lazily creating it on first use.
func (m *FirecrackerManager) lockFor(taskID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.taskLocks[taskID]
	if !ok {
		l = &sync.Mutex{}
		m.taskLocks[taskID] = l
	}
	return l
}

func (m *FirecrackerManager) Handle(taskID string) (*Handle, bool) {
	m.handlesMu.RLock()
	defer m.handlesMu.RUnlock()
	h, ok := m.handles[taskID]
	return h, ok
}

// LiveTaskIDs returns every task id with a currently-held VmHandle.
func (m *FirecrackerManager) LiveTaskIDs() []string {
	m.handlesMu.RLock()
	defer m.handlesMu.RUnlock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	return ids
}

func (m *FirecrackerManager) setHandle(taskID string, h *Handle) {
	m.handlesMu.Lock()
	defer m.handlesMu.Unlock()
	m.handles[taskID] = h
}

func (m *FirecrackerManager) deleteHandle(taskID string) {
	m.handlesMu.Lock()
	defer m.handlesMu.Unlock()
	delete(m.handles, taskID)
}

// Reserve allocates a context id up front so the caller can record a
// pending->starting transition with real ids before Create runs the rest of
// the boot pipeline; see CreateParams.ContextID.
func (m *FirecrackerManager) Reserve(taskID string) (string, int, error) {
	contextID, err := m.alloc.allocateContextID()
	if err != nil {
		return "", 0, err
	}
	return "vm-" + taskID, contextID, nil
}

// Create launches and configures a hypervisor process for taskID: boot
// source, machine config, drives, network interface, vsock, then instance
// start, recording create-latency, error-count, and active-VM metrics
// around the attempt.
func (m *FirecrackerManager) Create(ctx context.Context, params CreateParams, onProgress ProgressFunc) (*Handle, error) {
	start := time.Now()
	h, err := m.create(ctx, params, onProgress)
	if err != nil {
		metrics.VMCreationErrors.WithLabelValues(string(createErrorKind(err))).Inc()
		return nil, err
	}
	metrics.VMCreationLatency.Observe(time.Since(start).Seconds())
	metrics.VMActiveCount.Inc()
	return h, nil
}

func createErrorKind(err error) errKind {
	switch {
	case errors.Is(err, ErrAllocation):
		return kindAllocation
	case errors.Is(err, ErrPreflight):
		return kindPreflight
	case errors.Is(err, ErrProcessLaunch):
		return kindProcessLaunch
	case errors.Is(err, ErrConfigAPI):
		return kindConfigAPI
	case errors.Is(err, ErrSocketTimeout):
		return kindSocketTimeout
	default:
		return kindUnknown
	}
}

type errKind string

const (
	kindAllocation    errKind = "allocation"
	kindPreflight     errKind = "preflight"
	kindProcessLaunch errKind = "process_launch"
	kindConfigAPI     errKind = "config_api"
	kindSocketTimeout errKind = "socket_timeout"
	kindUnknown       errKind = "unknown"
)

func (m *FirecrackerManager) create(ctx context.Context, params CreateParams, onProgress ProgressFunc) (*Handle, error) {
	lock := m.lockFor(params.TaskID)
	lock.Lock()
	defer lock.Unlock()

	report := func(stage string) {
		if onProgress != nil {
			onProgress(stage, StageMessage(stage))
		}
	}
	report(StageCreatingVM)

	contextID := params.ContextID
	freeReservedContext := func() {
		if contextID != 0 {
			m.alloc.freeContextID(contextID)
		}
	}

	if _, err := os.Stat(m.cfg.KernelPath); err != nil {
		freeReservedContext()
		return nil, fmt.Errorf("%w: kernel: %v", ErrPreflight, err)
	}
	if _, err := os.Stat(m.cfg.RootfsPath); err != nil {
		freeReservedContext()
		return nil, fmt.Errorf("%w: rootfs: %v", ErrPreflight, err)
	}

	if contextID == 0 {
		var err error
		contextID, err = m.alloc.allocateContextID()
		if err != nil {
			return nil, err
		}
	}
	ip, ipOctet, err := m.alloc.allocateIP()
	if err != nil {
		m.alloc.freeContextID(contextID)
		return nil, err
	}

	vmID := params.VMID
	if vmID == "" {
		vmID = "vm-" + params.TaskID
	}
	tapName := "tap-" + shortPrefix(params.TaskID)

	h := &Handle{
		TaskID:        params.TaskID,
		VMID:          vmID,
		ContextID:     contextID,
		IPAddress:     ip,
		Gateway:       m.net.BridgeIP,
		TapDevice:     tapName,
		ControlSocket: filepath.Join(m.cfg.SocketsDir, params.TaskID+".control"),
		VsockPath:     filepath.Join(m.cfg.SocketsDir, params.TaskID+".vsock"),
		VolumePath:    filepath.Join(m.cfg.VolumesDir, params.TaskID+".ext4"),
		RootfsPath:    filepath.Join(m.cfg.VolumesDir, params.TaskID+"-rootfs.ext4"),
		LogPath:       filepath.Join(m.cfg.LogsDir, params.TaskID+".log"),
		PidPath:       filepath.Join(m.cfg.PidsDir, params.TaskID+".pid"),
		TapRecordPath: filepath.Join(m.cfg.TapsDir, params.TaskID),
		CreatedAt:     time.Now().UTC(),
	}

	cleanup := func() {
		m.alloc.freeContextID(contextID)
		m.alloc.freeIP(ipOctet)
		_ = os.Remove(h.VolumePath)
		_ = os.Remove(h.RootfsPath)
		_ = os.Remove(h.ControlSocket)
		_ = os.Remove(h.VsockPath)
	}

	if err := m.prepareFilesystem(ctx, h, params.Resources); err != nil {
		cleanup()
		return nil, err
	}

	if err := m.createTap(ctx, tapName); err != nil {
		cleanup()
		return nil, err
	}

	pid, err := m.spawnProcess(h)
	if err != nil {
		_ = m.deleteTap(context.Background(), tapName)
		cleanup()
		return nil, err
	}
	h.PID = pid

	report(StageWaitingForSocket)
	if err := m.waitForSocket(ctx, h.ControlSocket, 5*time.Second); err != nil {
		_ = killPID(pid)
		_ = m.deleteTap(context.Background(), tapName)
		cleanup()
		return nil, err
	}

	report(StageConfiguringVM)
	if err := m.configure(ctx, h, params); err != nil {
		_ = killPID(pid)
		_ = m.deleteTap(context.Background(), tapName)
		cleanup()
		return nil, err
	}

	report(StageBootingVM)

	m.setHandle(params.TaskID, h)
	return h, nil
}

func shortPrefix(taskID string) string {
	cleaned := strings.ReplaceAll(taskID, "-", "")
	if len(cleaned) > 8 {
		return cleaned[:8]
	}
	return cleaned
}

func generateMAC(lastOctet int) string {
	return fmt.Sprintf("02:FC:00:00:00:%02X", lastOctet&0xFF)
}

func (m *FirecrackerManager) prepareFilesystem(ctx context.Context, h *Handle, res Resources) error {
	for _, dir := range []string{m.cfg.SocketsDir, m.cfg.VolumesDir, m.cfg.LogsDir, m.cfg.PidsDir, m.cfg.TapsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: mkdir %s: %v", ErrPreflight, dir, err)
		}
	}

	if err := os.WriteFile(h.LogPath, nil, 0o644); err != nil {
		return fmt.Errorf("%w: create log file: %v", ErrPreflight, err)
	}

	storageGB := res.StorageGB
	if storageGB <= 0 {
		storageGB = m.vmCfg.DefaultStorageGB
	}
	if err := createSparseVolume(h.VolumePath, storageGB); err != nil {
		return fmt.Errorf("%w: sparse volume: %v", ErrPreflight, err)
	}

	if err := copyFile(m.cfg.RootfsPath, h.RootfsPath); err != nil {
		return fmt.Errorf("%w: copy rootfs: %v", ErrPreflight, err)
	}

	return nil
}

func createSparseVolume(path string, sizeGB int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(int64(sizeGB) * 1024 * 1024 * 1024)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := out.ReadFrom(in); err != nil {
		return err
	}
	return out.Sync()
}

// createTap shells out to a privileged helper that has CAP_NET_ADMIN to
// create the tap device and attach it to the bridge.
func (m *FirecrackerManager) createTap(ctx context.Context, tapName string) error {
	cmd := exec.CommandContext(ctx, "lia-create-tap", tapName, m.net.BridgeName)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: create tap: %v: %s", ErrPreflight, err, out)
	}
	return nil
}

func (m *FirecrackerManager) deleteTap(ctx context.Context, tapName string) error {
	cmd := exec.CommandContext(ctx, "lia-delete-tap", tapName)
	if out, err := cmd.CombinedOutput(); err != nil {
		m.logger.Warn("failed to delete tap device", "tap", tapName, "error", err, "output", string(out))
	}
	return nil
}

func (m *FirecrackerManager) spawnProcess(h *Handle) (int, error) {
	cmd := exec.Command(m.cfg.BinPath,
		"--api-sock", h.ControlSocket,
		"--log-path", h.LogPath,
		"--level", "Debug",
	)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProcessLaunch, err)
	}

	go func() { _ = cmd.Wait() }()

	pid := cmd.Process.Pid
	_ = os.WriteFile(h.PidPath, []byte(strconv.Itoa(pid)), 0o644)
	_ = os.WriteFile(h.TapRecordPath, []byte(h.TapDevice), 0o644)

	return pid, nil
}

func (m *FirecrackerManager) waitForSocket(ctx context.Context, socketPath string, deadline time.Duration) error {
	timeout := time.After(deadline)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(socketPath); err == nil {
			time.Sleep(100 * time.Millisecond)
			return nil
		}
		select {
		case <-timeout:
			return ErrSocketTimeout
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *FirecrackerManager) configure(ctx context.Context, h *Handle, params CreateParams) error {
	client := newControlClient(h.ControlSocket)

	vcpu := params.Resources.VCPUCount
	if vcpu <= 0 {
		vcpu = m.vmCfg.DefaultVCPUCount
	}
	mem := params.Resources.MemoryMB
	if mem <= 0 {
		mem = m.vmCfg.DefaultMemoryMB
	}

	bootArgs := fmt.Sprintf("console=ttyS0 reboot=k panic=1 pci=off init=/sbin/init lia.ip=%s lia.gateway=%s", h.IPAddress, h.Gateway)
	if params.SSHPublicKey != "" {
		bootArgs += " lia.ssh_key=" + url.QueryEscape(params.SSHPublicKey)
	}

	if err := client.put(ctx, "/boot-source", bootSourceRequest{
		KernelImagePath: m.cfg.KernelPath,
		BootArgs:        bootArgs,
	}); err != nil {
		return err
	}

	if err := client.put(ctx, "/machine-config", machineConfigRequest{
		VCPUCount:  vcpu,
		MemSizeMiB: mem,
	}); err != nil {
		return err
	}

	if err := client.put(ctx, "/drives/rootfs", driveRequest{
		DriveID:      "rootfs",
		PathOnHost:   h.RootfsPath,
		IsRootDevice: true,
		IsReadOnly:   false,
	}); err != nil {
		return err
	}

	if err := client.put(ctx, "/drives/data", driveRequest{
		DriveID:      "data",
		PathOnHost:   h.VolumePath,
		IsRootDevice: false,
		IsReadOnly:   false,
	}); err != nil {
		return err
	}

	if err := client.put(ctx, "/network-interfaces/eth0", networkInterfaceRequest{
		IfaceID:     "eth0",
		GuestMAC:    generateMAC(ipLastOctet(h.IPAddress)),
		HostDevName: h.TapDevice,
	}); err != nil {
		return err
	}

	if err := client.put(ctx, "/vsock", vsockRequest{
		GuestCID: uint32(h.ContextID),
		UDSPath:  h.VsockPath,
	}); err != nil {
		return err
	}

	return client.put(ctx, "/actions", actionRequest{ActionType: "InstanceStart"})
}

func ipLastOctet(ip string) int {
	idx := strings.LastIndex(ip, ".")
	if idx < 0 {
		return 100
	}
	n, _ := strconv.Atoi(ip[idx+1:])
	return n
}

// Pause is idempotent: PATCHing an already-paused or absent VM succeeds.
func (m *FirecrackerManager) Pause(ctx context.Context, taskID string) error {
	lock := m.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	h, ok := m.Handle(taskID)
	if !ok {
		return nil
	}

	client := newControlClient(h.ControlSocket)
	if err := client.patch(ctx, "/vm", vmStateRequest{State: "Paused"}); err != nil {
		return err
	}
	return nil
}

// Resume is idempotent. The relay's reader/writer loops survive the pause
// silently blocked on the guest side and need no action here.
func (m *FirecrackerManager) Resume(ctx context.Context, taskID string) error {
	lock := m.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	h, ok := m.Handle(taskID)
	if !ok {
		return nil
	}

	client := newControlClient(h.ControlSocket)
	return client.patch(ctx, "/vm", vmStateRequest{State: "Resumed"})
}

// Terminate sends SIGTERM, waits up to 5s, then SIGKILL, then removes every
// host-side file/device and frees the context id and IP. Idempotent: a
// second call on an already-terminated task is a no-op (P5).
func (m *FirecrackerManager) Terminate(ctx context.Context, taskID string) error {
	lock := m.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	h, ok := m.Handle(taskID)
	if !ok {
		return nil
	}

	m.deleteHandle(taskID)

	if h.PID > 0 {
		if err := terminateProcess(h.PID, 5*time.Second); err != nil {
			m.logger.Warn("process termination error", "task_id", taskID, "pid", h.PID, "error", err)
		}
	}

	_ = m.deleteTap(ctx, h.TapDevice)
	_ = os.Remove(h.VolumePath)
	_ = os.Remove(h.RootfsPath)
	_ = os.Remove(h.ControlSocket)
	_ = os.Remove(h.VsockPath)
	_ = os.Remove(h.PidPath)
	_ = os.Remove(h.TapRecordPath)
	_ = os.Remove(h.LogPath)

	m.alloc.freeContextID(h.ContextID)
	m.alloc.freeIP(ipLastOctet(h.IPAddress))

	metrics.VMActiveCount.Dec()
	metrics.VMTerminationsTotal.Inc()

	m.mu.Lock()
	delete(m.taskLocks, taskID)
	m.mu.Unlock()

	return nil
}

func terminateProcess(pid int, graceful time.Duration) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return killPID(pid)
	}

	done := make(chan struct{})
	go func() {
		_, _ = proc.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(graceful):
		return killPID(pid)
	}
}

func killPID(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
